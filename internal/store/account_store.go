package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"soundswap/internal/models"
)

type AccountStore struct {
	db DB
}

type accountRow struct {
	ID                string        `db:"id"`
	CoverArtCredits   sql.NullInt64 `db:"cover_art_credits"`
	LyricVideoCredits sql.NullInt64 `db:"lyric_video_credits"`
	History           []byte        `db:"history"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// balanceColumns maps each credit kind to its counter column. Column names are
// only ever taken from this map, never from request input.
var balanceColumns = map[models.CreditType]string{
	models.CreditCoverArt:   "cover_art_credits",
	models.CreditLyricVideo: "lyric_video_credits",
}

const accountColumns = `id, cover_art_credits, lyric_video_credits, history, created_at, updated_at`

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

// Create inserts an account. Kinds missing from balances are left NULL, which
// keeps them out of the account's known balance set.
func (s *AccountStore) Create(ctx context.Context, tx Execer, id string, balances map[models.CreditType]int64) error {
	query := `
		INSERT INTO accounts (id, cover_art_credits, lyric_video_credits, history)
		VALUES ($1, $2, $3, '[]'::jsonb)
	`
	_, err := tx.ExecContext(ctx, query, id,
		nullableBalance(balances, models.CreditCoverArt),
		nullableBalance(balances, models.CreditLyricVideo),
	)
	return err
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row.toModel()
}

// GetForUpdate reads the account and holds its row lock until tx ends.
func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row accountRow
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row.toModel()
}

// UpdateBalance writes one counter and the embedded history in a single statement.
func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, creditType models.CreditType, balance int64, history []models.HistoryEntry) error {
	column, ok := balanceColumns[creditType]
	if !ok {
		return fmt.Errorf("no balance column for credit type %q", creditType)
	}
	if history == nil {
		history = []models.HistoryEntry{}
	}
	payload, err := json.Marshal(history)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET `+column+` = $1, history = $2, updated_at = NOW()
		WHERE id = $3
	`, balance, string(payload), accountID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAll reads every account, inside q when it is an open transaction or
// from the pool when q is nil.
func (s *AccountStore) ListAll(ctx context.Context, q Selecter) ([]models.Account, error) {
	if q == nil {
		q = s.db
	}
	var rows []accountRow
	err := q.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, len(rows))
	for _, row := range rows {
		account, err := row.toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (r accountRow) toModel() (models.Account, error) {
	account := models.Account{
		ID:        r.ID,
		Balances:  map[models.CreditType]int64{},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.CoverArtCredits.Valid {
		account.Balances[models.CreditCoverArt] = r.CoverArtCredits.Int64
	}
	if r.LyricVideoCredits.Valid {
		account.Balances[models.CreditLyricVideo] = r.LyricVideoCredits.Int64
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &account.History); err != nil {
			return models.Account{}, fmt.Errorf("decode history for account %s: %w", r.ID, err)
		}
	}
	return account, nil
}

func nullableBalance(balances map[models.CreditType]int64, creditType models.CreditType) sql.NullInt64 {
	balance, ok := balances[creditType]
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: balance, Valid: true}
}
