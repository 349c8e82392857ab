package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"soundswap/internal/catalog"
	"soundswap/internal/logging"
	"soundswap/internal/models"
	"soundswap/internal/store"
	"soundswap/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// memLedger is an in-memory store whose WithTx serializes transactions and
// rolls back every write made by a failing fn.
type memLedger struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	accounts map[string]models.Account
	txns     []models.Transaction
	audits   []string
	clock    time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{
		accounts: map[string]models.Account{},
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memLedger) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	accounts := make(map[string]models.Account, len(m.accounts))
	for id, account := range m.accounts {
		accounts[id] = cloneAccount(account)
	}
	txns := append([]models.Transaction(nil), m.txns...)
	audits := append([]string(nil), m.audits...)
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.accounts, m.txns, m.audits = accounts, txns, audits
		m.mu.Unlock()
		return err
	}
	return nil
}

// now advances one millisecond per call so every transaction has a distinct time.
func (m *memLedger) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memLedger) seed(id string, balances map[models.CreditType]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id] = models.Account{ID: id, Balances: balances}
}

func (m *memLedger) balance(t *testing.T, id string, ct models.CreditType) int64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balances[ct]
}

func (m *memLedger) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

func (m *memLedger) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

func cloneAccount(account models.Account) models.Account {
	out := account
	out.Balances = make(map[models.CreditType]int64, len(account.Balances))
	for ct, amount := range account.Balances {
		out.Balances[ct] = amount
	}
	out.History = append([]models.HistoryEntry(nil), account.History...)
	return out
}

type memAccounts struct{ *memLedger }

func (m memAccounts) Create(_ context.Context, _ store.Execer, id string, balances map[models.CreditType]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[id]; exists {
		return &pq.Error{Code: "23505"}
	}
	m.accounts[id] = cloneAccount(models.Account{ID: id, Balances: balances})
	return nil
}

func (m memAccounts) GetByID(_ context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return models.Account{}, sql.ErrNoRows
	}
	return cloneAccount(account), nil
}

func (m memAccounts) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Account, error) {
	return m.GetByID(ctx, id)
}

func (m memAccounts) UpdateBalance(_ context.Context, _ store.Execer, id string, ct models.CreditType, balance int64, history []models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return sql.ErrNoRows
	}
	account = cloneAccount(account)
	account.Balances[ct] = balance
	account.History = append([]models.HistoryEntry(nil), history...)
	m.accounts[id] = account
	return nil
}

func (m memAccounts) ListAll(context.Context, store.Selecter) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make([]models.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		accounts = append(accounts, cloneAccount(account))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

type memTransactions struct{ *memLedger }

func (m memTransactions) Create(_ context.Context, _ store.Execer, txn models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn.CorrelationToken != "" {
		for _, existing := range m.txns {
			if existing.PrincipalID == txn.PrincipalID && existing.Kind == txn.Kind && existing.CorrelationToken == txn.CorrelationToken {
				return &pq.Error{Code: "23505"}
			}
		}
	}
	m.txns = append(m.txns, txn)
	return nil
}

func (m memTransactions) GetByCorrelationToken(_ context.Context, _ store.Getter, userID string, kind models.TransactionKind, token string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.PrincipalID == userID && txn.Kind == kind && txn.CorrelationToken == token {
			return txn, nil
		}
	}
	return models.Transaction{}, sql.ErrNoRows
}

func (m memTransactions) ListByUser(_ context.Context, userID string, filter store.TransactionFilter) ([]models.Transaction, error) {
	if _, err := store.PlanTransactionQuery(filter); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Transaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		txn := m.txns[i]
		if txn.PrincipalID != userID {
			continue
		}
		if filter.CreditType != "" && txn.CreditType != filter.CreditType {
			continue
		}
		if filter.Kind != "" && txn.Kind != filter.Kind {
			continue
		}
		if filter.Since != nil && txn.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !txn.CreatedAt.Before(*filter.Until) {
			continue
		}
		matched = append(matched, txn)
	}
	if filter.Offset >= len(matched) {
		return []models.Transaction{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m memTransactions) SumByAccount(context.Context, store.Selecter) ([]store.LedgerSum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ user, ct string }
	sums := map[key]*store.LedgerSum{}
	for _, txn := range m.txns {
		k := key{txn.PrincipalID, string(txn.CreditType)}
		if sums[k] == nil {
			sums[k] = &store.LedgerSum{UserID: txn.PrincipalID, CreditType: string(txn.CreditType)}
		}
		sums[k].Net += txn.SignedAmount()
		sums[k].Count++
	}
	out := make([]store.LedgerSum, 0, len(sums))
	for _, sum := range sums {
		out = append(out, *sum)
	}
	return out, nil
}

type memAudit struct{ *memLedger }

func (m memAudit) Log(_ context.Context, _ store.Execer, actorID, action, entityType, entityID string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, action+":"+entityID)
	return nil
}

type recordingHub struct {
	mu      sync.Mutex
	updates map[string][]websocket.BalanceUpdate
}

func (h *recordingHub) BroadcastBalance(principalID string, update websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updates == nil {
		h.updates = map[string][]websocket.BalanceUpdate{}
	}
	h.updates[principalID] = append(h.updates[principalID], update)
}

func (h *recordingHub) count(principalID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates[principalID])
}

type fakeTxRunner struct {
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

type ledgerFixture struct {
	ledger  *memLedger
	hub     *recordingHub
	service *LedgerService
}

func newLedgerFixture(historyLimit int) ledgerFixture {
	ledger := newMemLedger()
	hub := &recordingHub{}
	service := NewLedgerService(ledger, memAccounts{ledger}, memTransactions{ledger}, memAudit{ledger}, catalog.Default(), hub, Options{
		StoreTimeout: time.Second,
		HistoryLimit: historyLimit,
		Logger:       logging.Discard(),
		Now:          ledger.now,
	})
	return ledgerFixture{ledger: ledger, hub: hub, service: service}
}
