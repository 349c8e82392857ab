package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"soundswap/internal/catalog"
	"soundswap/internal/db"
	"soundswap/internal/metrics"
	"soundswap/internal/models"
	"soundswap/internal/store"
	"soundswap/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrInvalidCreditType       = errors.New("invalid credit type")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidFilter           = errors.New("invalid transaction filter")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrCorrelationTokenReused  = errors.New("correlation token reused with different parameters")
	ErrMissingCorrelationToken = errors.New("correlation token required")
	ErrUnknownProduct          = catalog.ErrUnknownProduct
	ErrQueryUnsupported        = store.ErrQueryUnsupported
)

// InsufficientCreditsError reports the shortfall of a rejected deduction.
type InsufficientCreditsError struct {
	CreditType models.CreditType
	Required   int64
	Available  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s credits: required %d, available %d", e.CreditType, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

const (
	DefaultListLimit    = 50
	MaxListLimit        = 200
	defaultHistoryLimit = 50
	defaultStoreTimeout = 5 * time.Second
)

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, id string, balances map[models.CreditType]int64) error
	GetByID(ctx context.Context, accountID string) (models.Account, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, creditType models.CreditType, balance int64, history []models.HistoryEntry) error
	ListAll(ctx context.Context, q store.Selecter) ([]models.Account, error)
}

type TransactionStore interface {
	Create(ctx context.Context, tx store.Execer, txn models.Transaction) error
	GetByCorrelationToken(ctx context.Context, q store.Getter, userID string, kind models.TransactionKind, token string) (models.Transaction, error)
	ListByUser(ctx context.Context, userID string, filter store.TransactionFilter) ([]models.Transaction, error)
	SumByAccount(ctx context.Context, q store.Selecter) ([]store.LedgerSum, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data any) error
}

type ProductCatalog interface {
	Resolve(productKey string) (catalog.Product, error)
}

type BalanceHub interface {
	BroadcastBalance(principalID string, update websocket.BalanceUpdate)
}

type Options struct {
	StoreTimeout time.Duration
	HistoryLimit int
	Logger       *slog.Logger
	Now          func() time.Time
}

// LedgerService owns credit balances. Every mutation commits the balance
// change, its transaction record, the embedded history and an audit row in
// one serializable transaction.
type LedgerService struct {
	txRunner     db.TxRunner
	accounts     AccountStore
	transactions TransactionStore
	audit        AuditStore
	products     ProductCatalog
	hub          BalanceHub
	storeTimeout time.Duration
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

func NewLedgerService(txRunner db.TxRunner, accounts AccountStore, transactions TransactionStore, audit AuditStore, products ProductCatalog, hub BalanceHub, opts Options) *LedgerService {
	s := &LedgerService{
		txRunner:     txRunner,
		accounts:     accounts,
		transactions: transactions,
		audit:        audit,
		products:     products,
		hub:          hub,
		storeTimeout: opts.StoreTimeout,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	if s.historyLimit <= 0 {
		s.historyLimit = defaultHistoryLimit
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Balance holds the requested balances of one account.
type Balance struct {
	PrincipalID string                       `json:"principal_id"`
	Balances    map[models.CreditType]int64 `json:"balances"`
}

// Result describes a committed (or replayed) balance change.
type Result struct {
	TransactionID   string            `json:"transaction_id"`
	CreditType      models.CreditType `json:"credit_type"`
	Amount          int64             `json:"amount"`
	PreviousBalance int64             `json:"previous_balance"`
	NewBalance      int64             `json:"new_balance"`
	Replayed        bool              `json:"replayed"`
}

// CheckBalance returns one balance, or every balance the account carries when
// creditType is "all" or empty.
func (s *LedgerService) CheckBalance(ctx context.Context, principalID, creditType string) (Balance, error) {
	var wanted models.CreditType
	if creditType != "" && creditType != "all" {
		ct, err := models.ParseCreditType(creditType)
		if err != nil {
			return Balance{}, ErrInvalidCreditType
		}
		wanted = ct
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	account, err := s.accounts.GetByID(ctx, principalID)
	if err != nil {
		return Balance{}, s.fail("check_balance", s.classify(err))
	}
	balance := Balance{PrincipalID: principalID, Balances: map[models.CreditType]int64{}}
	if wanted == "" {
		for ct, amount := range account.Balances {
			balance.Balances[ct] = amount
		}
		metrics.RecordLedgerOperation("check_balance", "ok")
		return balance, nil
	}
	amount, ok := account.Balance(wanted)
	if !ok {
		return Balance{}, s.fail("check_balance", ErrInvalidCreditType)
	}
	balance.Balances[wanted] = amount
	metrics.RecordLedgerOperation("check_balance", "ok")
	return balance, nil
}

type DeductRequest struct {
	PrincipalID string
	CreditType  models.CreditType
	// Amount must be at least 1; callers apply the default of one credit.
	Amount int64
	// RequestID makes retries of the same deduction safe.
	RequestID string
}

func (s *LedgerService) Deduct(ctx context.Context, req DeductRequest) (Result, error) {
	if !req.CreditType.Valid() {
		return Result{}, s.fail("deduct", ErrInvalidCreditType)
	}
	if req.Amount < 1 {
		return Result{}, s.fail("deduct", ErrInvalidAmount)
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var result Result
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = Result{}
		account, err := s.accounts.GetForUpdate(ctx, tx, req.PrincipalID)
		if err != nil {
			return err
		}
		if req.RequestID != "" {
			prior, err := s.transactions.GetByCorrelationToken(ctx, tx, req.PrincipalID, models.KindCreditDeduction, req.RequestID)
			if err == nil {
				if prior.CreditType != req.CreditType || prior.Amount != req.Amount {
					return ErrCorrelationTokenReused
				}
				result = replayed(prior)
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		available, ok := account.Balance(req.CreditType)
		if !ok {
			return ErrInvalidCreditType
		}
		if available < req.Amount {
			return &InsufficientCreditsError{CreditType: req.CreditType, Required: req.Amount, Available: available}
		}
		txn := s.newTransaction(req.PrincipalID, models.KindCreditDeduction, req.CreditType, req.Amount, available, models.ReasonGeneration)
		txn.CorrelationToken = req.RequestID
		if _, err := s.apply(ctx, tx, account, txn); err != nil {
			return err
		}
		if err := s.audit.Log(ctx, tx, req.PrincipalID, "credit_deduction", "account", req.PrincipalID, auditData(txn)); err != nil {
			return err
		}
		result = committed(txn)
		return nil
	})
	if err != nil && req.RequestID != "" && db.IsUniqueViolation(err) {
		result, err = s.replayWinner(ctx, req.PrincipalID, models.KindCreditDeduction, req.RequestID, req.CreditType, req.Amount, "")
	}
	if err != nil {
		return Result{}, s.fail("deduct", s.classify(err))
	}
	s.finish("deduct", req.PrincipalID, models.KindCreditDeduction, result)
	return result, nil
}

// CreditRequest adds credits either for a catalog product (purchase) or, when
// ProductKey is empty, for an explicit kind and amount (admin grant).
type CreditRequest struct {
	PrincipalID      string
	ProductKey       string
	CreditType       models.CreditType
	Amount           int64
	CorrelationToken string
	// ActorID is the admin granting credits; empty for the payment pipeline.
	ActorID string
}

func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	reason := models.ReasonAdminGrant
	if req.ProductKey != "" {
		product, err := s.products.Resolve(req.ProductKey)
		if err != nil {
			return Result{}, s.fail("credit", ErrUnknownProduct)
		}
		if req.CorrelationToken == "" {
			return Result{}, s.fail("credit", ErrMissingCorrelationToken)
		}
		req.CreditType = product.CreditType
		req.Amount = product.CreditAmount
		reason = models.ReasonPurchase
	} else {
		if !req.CreditType.Valid() {
			return Result{}, s.fail("credit", ErrInvalidCreditType)
		}
		if req.Amount <= 0 {
			return Result{}, s.fail("credit", ErrInvalidAmount)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var result Result
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		result = Result{}
		account, err := s.accounts.GetForUpdate(ctx, tx, req.PrincipalID)
		if err != nil {
			return err
		}
		if req.CorrelationToken != "" {
			prior, err := s.transactions.GetByCorrelationToken(ctx, tx, req.PrincipalID, models.KindCreditAddition, req.CorrelationToken)
			if err == nil {
				if prior.CreditType != req.CreditType || prior.Amount != req.Amount || prior.ProductKey != req.ProductKey {
					return ErrCorrelationTokenReused
				}
				result = replayed(prior)
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		// A kind the account has never held starts from zero.
		previous, _ := account.Balance(req.CreditType)
		if previous+req.Amount < previous {
			return ErrInvalidAmount
		}
		txn := s.newTransaction(req.PrincipalID, models.KindCreditAddition, req.CreditType, req.Amount, previous, reason)
		txn.CorrelationToken = req.CorrelationToken
		txn.ProductKey = req.ProductKey
		if _, err := s.apply(ctx, tx, account, txn); err != nil {
			return err
		}
		if err := s.audit.Log(ctx, tx, req.ActorID, reason, "account", req.PrincipalID, auditData(txn)); err != nil {
			return err
		}
		result = committed(txn)
		return nil
	})
	if err != nil && req.CorrelationToken != "" && db.IsUniqueViolation(err) {
		result, err = s.replayWinner(ctx, req.PrincipalID, models.KindCreditAddition, req.CorrelationToken, req.CreditType, req.Amount, req.ProductKey)
	}
	if err != nil {
		return Result{}, s.fail("credit", s.classify(err))
	}
	s.finish("credit", req.PrincipalID, models.KindCreditAddition, result)
	return result, nil
}

type ListFilter struct {
	CreditType models.CreditType
	Kind       models.TransactionKind
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Page is one slice of a principal's transactions, newest first. NextOffset
// is nil once the sequence is exhausted.
type Page struct {
	Transactions []models.Transaction `json:"transactions"`
	NextOffset   *int                 `json:"next_offset"`
}

func (s *LedgerService) ListTransactions(ctx context.Context, principalID string, filter ListFilter) (Page, error) {
	if filter.CreditType != "" && !filter.CreditType.Valid() {
		return Page{}, s.fail("list_transactions", ErrInvalidCreditType)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return Page{}, s.fail("list_transactions", ErrInvalidFilter)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return Page{}, s.fail("list_transactions", ErrInvalidFilter)
	}
	if filter.Since != nil && filter.Until != nil && filter.Since.After(*filter.Until) {
		return Page{}, s.fail("list_transactions", ErrInvalidFilter)
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	txns, err := s.transactions.ListByUser(ctx, principalID, store.TransactionFilter{
		CreditType: filter.CreditType,
		Kind:       filter.Kind,
		Since:      filter.Since,
		Until:      filter.Until,
		Limit:      filter.Limit + 1,
		Offset:     filter.Offset,
	})
	if err != nil {
		if errors.Is(err, store.ErrQueryUnsupported) {
			s.logger.Warn("transaction query has no backing index", "principal_id", principalID, "error", err)
			return Page{}, s.fail("list_transactions", err)
		}
		return Page{}, s.fail("list_transactions", s.classify(err))
	}
	page := Page{Transactions: txns}
	if len(txns) > filter.Limit {
		page.Transactions = txns[:filter.Limit]
		next := filter.Offset + filter.Limit
		page.NextOffset = &next
	}
	metrics.RecordLedgerOperation("list_transactions", "ok")
	return page, nil
}

type ProvisionRequest struct {
	PrincipalID string
	// Balances lists the kinds the account carries and their opening amounts.
	// Nil provisions every kind at zero.
	Balances map[models.CreditType]int64
	ActorID  string
}

func (s *LedgerService) ProvisionAccount(ctx context.Context, req ProvisionRequest) (models.Account, error) {
	balances := req.Balances
	if balances == nil {
		balances = map[models.CreditType]int64{}
		for _, ct := range models.CreditTypes {
			balances[ct] = 0
		}
	}
	if len(balances) == 0 {
		return models.Account{}, s.fail("provision", ErrInvalidCreditType)
	}
	zero := make(map[models.CreditType]int64, len(balances))
	for ct, amount := range balances {
		if !ct.Valid() {
			return models.Account{}, s.fail("provision", ErrInvalidCreditType)
		}
		if amount < 0 {
			return models.Account{}, s.fail("provision", ErrInvalidAmount)
		}
		zero[ct] = 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var account models.Account
	var opened []models.Transaction
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		opened = nil
		if err := s.accounts.Create(ctx, tx, req.PrincipalID, zero); err != nil {
			return err
		}
		now := s.now()
		account = models.Account{ID: req.PrincipalID, Balances: zero, CreatedAt: now, UpdatedAt: now}
		for _, ct := range models.CreditTypes {
			amount, ok := balances[ct]
			if !ok || amount == 0 {
				continue
			}
			txn := s.newTransaction(req.PrincipalID, models.KindCreditAddition, ct, amount, 0, models.ReasonOpeningBalance)
			next, err := s.apply(ctx, tx, account, txn)
			if err != nil {
				return err
			}
			account = next
			opened = append(opened, txn)
		}
		return s.audit.Log(ctx, tx, req.ActorID, "account_provisioned", "account", req.PrincipalID, map[string]any{"balances": balances})
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return models.Account{}, s.fail("provision", ErrAccountExists)
		}
		return models.Account{}, s.fail("provision", s.classify(err))
	}
	for _, txn := range opened {
		metrics.RecordCreditsMoved(string(txn.Kind), string(txn.CreditType), txn.Amount)
	}
	metrics.RecordLedgerOperation("provision", "ok")
	s.logger.Info("account provisioned", "principal_id", req.PrincipalID, "opening_transactions", len(opened))
	return account, nil
}

// apply writes txn and the matching balance and history change to account.
func (s *LedgerService) apply(ctx context.Context, tx *sqlx.Tx, account models.Account, txn models.Transaction) (models.Account, error) {
	if !txn.Consistent() {
		return account, fmt.Errorf("inconsistent transaction %s: %d -> %d by %d", txn.ID, txn.PreviousBalance, txn.NewBalance, txn.SignedAmount())
	}
	history := appendHistory(account.History, models.HistoryEntry{
		TransactionID: txn.ID,
		Kind:          txn.Kind,
		CreditType:    txn.CreditType,
		Amount:        txn.Amount,
		Reason:        txn.Reason,
		Timestamp:     txn.CreatedAt,
	}, s.historyLimit)
	if err := s.accounts.UpdateBalance(ctx, tx, account.ID, txn.CreditType, txn.NewBalance, history); err != nil {
		return account, err
	}
	if err := s.transactions.Create(ctx, tx, txn); err != nil {
		return account, err
	}
	next := account
	next.Balances = make(map[models.CreditType]int64, len(account.Balances)+1)
	for ct, amount := range account.Balances {
		next.Balances[ct] = amount
	}
	next.Balances[txn.CreditType] = txn.NewBalance
	next.History = history
	next.UpdatedAt = txn.CreatedAt
	return next, nil
}

// appendHistory keeps the newest limit entries, oldest first.
func appendHistory(history []models.HistoryEntry, entry models.HistoryEntry, limit int) []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, limit)
	if keep := limit - 1; len(history) > keep {
		history = history[len(history)-keep:]
	}
	out = append(out, history...)
	return append(out, entry)
}

func (s *LedgerService) newTransaction(principalID string, kind models.TransactionKind, creditType models.CreditType, amount, previous int64, reason string) models.Transaction {
	txn := models.Transaction{
		ID:              uuid.NewString(),
		PrincipalID:     principalID,
		Kind:            kind,
		CreditType:      creditType,
		Amount:          amount,
		PreviousBalance: previous,
		Reason:          reason,
		CreatedAt:       s.now(),
	}
	txn.NewBalance = previous + txn.SignedAmount()
	return txn
}

// replayWinner resolves a lost race on a correlation token by returning the
// transaction the other writer committed.
func (s *LedgerService) replayWinner(ctx context.Context, principalID string, kind models.TransactionKind, token string, creditType models.CreditType, amount int64, productKey string) (Result, error) {
	prior, err := s.transactions.GetByCorrelationToken(ctx, nil, principalID, kind, token)
	if err != nil {
		return Result{}, err
	}
	if prior.CreditType != creditType || prior.Amount != amount || prior.ProductKey != productKey {
		return Result{}, ErrCorrelationTokenReused
	}
	return replayed(prior), nil
}

func (s *LedgerService) finish(operation, principalID string, kind models.TransactionKind, result Result) {
	if result.Replayed {
		metrics.RecordLedgerOperation(operation, "replayed")
		s.logger.Info("ledger operation replayed", "operation", operation, "principal_id", principalID, "transaction_id", result.TransactionID)
		return
	}
	metrics.RecordLedgerOperation(operation, "ok")
	metrics.RecordCreditsMoved(string(kind), string(result.CreditType), result.Amount)
	s.logger.Info("ledger operation committed",
		"operation", operation,
		"principal_id", principalID,
		"transaction_id", result.TransactionID,
		"credit_type", result.CreditType,
		"amount", result.Amount,
		"new_balance", result.NewBalance,
	)
	if s.hub != nil {
		s.hub.BroadcastBalance(principalID, websocket.BalanceUpdate{
			CreditType:    string(result.CreditType),
			Balance:       result.NewBalance,
			Kind:          string(kind),
			Amount:        result.Amount,
			TransactionID: result.TransactionID,
			Timestamp:     s.now(),
		})
	}
}

// classify maps store errors onto the service's error set.
func (s *LedgerService) classify(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrAccountNotFound
	case db.IsUnavailable(err):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func (s *LedgerService) fail(operation string, err error) error {
	metrics.RecordLedgerOperation(operation, resultLabel(err))
	switch resultLabel(err) {
	case "error", "unavailable":
		s.logger.Error("ledger operation failed", "operation", operation, "error", err)
	default:
		s.logger.Debug("ledger operation rejected", "operation", operation, "error", err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrInvalidCreditType), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidFilter):
		return "invalid"
	case errors.Is(err, ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, ErrQueryUnsupported):
		return "query_unsupported"
	case errors.Is(err, ErrCorrelationTokenReused), errors.Is(err, ErrMissingCorrelationToken):
		return "token_rejected"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	}
	return "error"
}

func committed(txn models.Transaction) Result {
	return Result{
		TransactionID:   txn.ID,
		CreditType:      txn.CreditType,
		Amount:          txn.Amount,
		PreviousBalance: txn.PreviousBalance,
		NewBalance:      txn.NewBalance,
	}
}

func replayed(txn models.Transaction) Result {
	result := committed(txn)
	result.Replayed = true
	return result
}

func auditData(txn models.Transaction) map[string]any {
	data := map[string]any{
		"transaction_id":   txn.ID,
		"credit_type":      txn.CreditType,
		"amount":           txn.Amount,
		"previous_balance": txn.PreviousBalance,
		"new_balance":      txn.NewBalance,
	}
	if txn.CorrelationToken != "" {
		data["correlation_token"] = txn.CorrelationToken
	}
	if txn.ProductKey != "" {
		data["product_key"] = txn.ProductKey
	}
	return data
}
