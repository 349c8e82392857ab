package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"soundswap/internal/auth"
	"soundswap/internal/catalog"
	"soundswap/internal/config"
	"soundswap/internal/logging"
	"soundswap/internal/models"
	"soundswap/internal/payments"
	"soundswap/internal/services"
	"soundswap/internal/store"
	"soundswap/internal/websocket"

	"github.com/jmoiron/sqlx"
)

const testSecret = "secret"

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubLedger struct {
	checkBalanceFn func(ctx context.Context, principalID, creditType string) (services.Balance, error)
	deductFn       func(ctx context.Context, req services.DeductRequest) (services.Result, error)
	creditFn       func(ctx context.Context, req services.CreditRequest) (services.Result, error)
	listFn         func(ctx context.Context, principalID string, filter services.ListFilter) (services.Page, error)
	provisionFn    func(ctx context.Context, req services.ProvisionRequest) (models.Account, error)
	reconcileFn    func(ctx context.Context) (services.ReconcileReport, error)
}

func (s stubLedger) CheckBalance(ctx context.Context, principalID, creditType string) (services.Balance, error) {
	if s.checkBalanceFn == nil {
		return services.Balance{}, nil
	}
	return s.checkBalanceFn(ctx, principalID, creditType)
}

func (s stubLedger) Deduct(ctx context.Context, req services.DeductRequest) (services.Result, error) {
	if s.deductFn == nil {
		return services.Result{}, nil
	}
	return s.deductFn(ctx, req)
}

func (s stubLedger) Credit(ctx context.Context, req services.CreditRequest) (services.Result, error) {
	if s.creditFn == nil {
		return services.Result{}, nil
	}
	return s.creditFn(ctx, req)
}

func (s stubLedger) ListTransactions(ctx context.Context, principalID string, filter services.ListFilter) (services.Page, error) {
	if s.listFn == nil {
		return services.Page{}, nil
	}
	return s.listFn(ctx, principalID, filter)
}

func (s stubLedger) ProvisionAccount(ctx context.Context, req services.ProvisionRequest) (models.Account, error) {
	if s.provisionFn == nil {
		return models.Account{ID: req.PrincipalID}, nil
	}
	return s.provisionFn(ctx, req)
}

func (s stubLedger) Reconcile(ctx context.Context) (services.ReconcileReport, error) {
	if s.reconcileFn == nil {
		return services.ReconcileReport{}, nil
	}
	return s.reconcileFn(ctx)
}

type stubEvents struct {
	publishFn func(ctx context.Context, event payments.Event) error
}

func (s stubEvents) Publish(ctx context.Context, event payments.Event) error {
	if s.publishFn == nil {
		return nil
	}
	return s.publishFn(ctx, event)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, principalID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, principalID, role string) (bool, error)
	createAdminFn func(ctx context.Context, tx store.Execer, principalID string, isSuper bool, createdBy string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, principalID, role string) error
}

func (s stubAdminStore) IsAdmin(ctx context.Context, principalID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, principalID)
}

func (s stubAdminStore) HasRole(ctx context.Context, principalID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, principalID, role)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, principalID string, isSuper bool, createdBy string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, principalID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, principalID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, principalID, role)
}

// superAdmins treats every listed principal as a super admin.
func superAdmins(ids ...string) stubAdminStore {
	return stubAdminStore{
		isAdminFn: func(_ context.Context, principalID string) (bool, bool, error) {
			for _, id := range ids {
				if id == principalID {
					return true, true, nil
				}
			}
			return false, false, nil
		},
	}
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data any) error
	listFn func(ctx context.Context, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data any) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, limit, offset int) ([]store.AuditEntry, error) {
	if s.listFn == nil {
		return []store.AuditEntry{}, nil
	}
	return s.listFn(ctx, limit, offset)
}

type testDeps struct {
	cfg      config.Config
	txRunner fakeTxRunner
	ledger   stubLedger
	events   stubEvents
	admin    stubAdminStore
	audit    stubAuditStore
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:           "test",
		Port:             "0",
		JWTSecret:        testSecret,
		AllowedOrigins:   "*",
		WebhookSecret:    "whsec",
		DeductRatePerSec: 100,
		DeductBurst:      100,
	}
}

func newTestHandler(deps testDeps) *Handler {
	if deps.cfg.JWTSecret == "" {
		deps.cfg = testConfig()
	}
	return New(deps.cfg, deps.txRunner, deps.ledger, catalog.Default(), deps.events, deps.admin, deps.audit, websocket.NewHub(), logging.Discard())
}

// serve routes a request through the full router, authenticated as
// principalID when it is not empty.
func serve(t *testing.T, h *Handler, method, path, principalID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	case []byte:
		payload = b
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if principalID != "" {
		token, err := auth.GenerateToken(testSecret, principalID, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}
