package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"soundswap/internal/models"
)

type TransactionStore struct {
	db DB
}

type transactionRow struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	Kind             string         `db:"kind"`
	CreditType       string         `db:"credit_type"`
	Amount           int64          `db:"amount"`
	PreviousBalance  int64          `db:"previous_balance"`
	NewBalance       int64          `db:"new_balance"`
	Reason           string         `db:"reason"`
	CorrelationToken sql.NullString `db:"correlation_token"`
	ProductKey       sql.NullString `db:"product_key"`
	CreatedAt        time.Time      `db:"created_at"`
}

type TransactionFilter struct {
	CreditType models.CreditType
	Kind       models.TransactionKind
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// LedgerSum is the net signed amount recorded for one account and credit kind.
type LedgerSum struct {
	UserID     string `db:"user_id"`
	CreditType string `db:"credit_type"`
	Net        int64  `db:"net"`
	Count      int64  `db:"entries"`
}

const transactionColumns = `id, user_id, kind, credit_type, amount, previous_balance, new_balance, reason, correlation_token, product_key, created_at`

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) Create(ctx context.Context, tx Execer, txn models.Transaction) error {
	query := `
		INSERT INTO credit_transactions (id, user_id, kind, credit_type, amount, previous_balance, new_balance, reason, correlation_token, product_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		txn.ID, txn.PrincipalID, string(txn.Kind), string(txn.CreditType), txn.Amount,
		txn.PreviousBalance, txn.NewBalance, txn.Reason,
		nullString(txn.CorrelationToken), nullString(txn.ProductKey), txn.CreatedAt,
	)
	return err
}

// GetByCorrelationToken finds the transaction committed for a delivery token.
// Pass the open transaction to read inside it, or nil to read from the pool.
func (s *TransactionStore) GetByCorrelationToken(ctx context.Context, q Getter, userID string, kind models.TransactionKind, token string) (models.Transaction, error) {
	if q == nil {
		q = s.db
	}
	var row transactionRow
	err := q.GetContext(ctx, &row, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND kind = $2 AND correlation_token = $3
	`, userID, string(kind), token)
	if err != nil {
		return models.Transaction{}, err
	}
	return row.toModel(), nil
}

// ListByUser returns one page of userID's transactions, newest first. Filters
// that no index covers fail with a *QueryUnsupportedError before any SQL runs.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, filter TransactionFilter) ([]models.Transaction, error) {
	if _, err := PlanTransactionQuery(filter); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE user_id = $1
	`
	args := []any{userID}
	param := 2
	if filter.CreditType != "" {
		query += " AND credit_type = $" + itoa(param)
		args = append(args, string(filter.CreditType))
		param++
	}
	if filter.Kind != "" {
		query += " AND kind = $" + itoa(param)
		args = append(args, string(filter.Kind))
		param++
	}
	if filter.Since != nil {
		query += " AND created_at >= $" + itoa(param)
		args = append(args, *filter.Since)
		param++
	}
	if filter.Until != nil {
		query += " AND created_at < $" + itoa(param)
		args = append(args, *filter.Until)
		param++
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT $" + itoa(param) + " OFFSET $" + itoa(param+1)
	args = append(args, filter.Limit, filter.Offset)

	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	txns := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		txns = append(txns, row.toModel())
	}
	return txns, nil
}

// SumByAccount aggregates the signed ledger per account and credit kind.
// A nil q reads from the pool.
func (s *TransactionStore) SumByAccount(ctx context.Context, q Selecter) ([]LedgerSum, error) {
	if q == nil {
		q = s.db
	}
	var sums []LedgerSum
	err := q.SelectContext(ctx, &sums, `
		SELECT user_id, credit_type,
		       COALESCE(SUM(CASE WHEN kind = 'credit_addition' THEN amount ELSE -amount END), 0) AS net,
		       COUNT(1) AS entries
		FROM credit_transactions
		GROUP BY user_id, credit_type
		ORDER BY user_id, credit_type
	`)
	return sums, err
}

func (r transactionRow) toModel() models.Transaction {
	return models.Transaction{
		ID:               r.ID,
		PrincipalID:      r.UserID,
		Kind:             models.TransactionKind(r.Kind),
		CreditType:       models.CreditType(r.CreditType),
		Amount:           r.Amount,
		PreviousBalance:  r.PreviousBalance,
		NewBalance:       r.NewBalance,
		Reason:           r.Reason,
		CorrelationToken: r.CorrelationToken.String,
		ProductKey:       r.ProductKey.String,
		CreatedAt:        r.CreatedAt,
	}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
