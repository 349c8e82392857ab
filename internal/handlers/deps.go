package handlers

import (
	"context"

	"soundswap/internal/catalog"
	"soundswap/internal/models"
	"soundswap/internal/payments"
	"soundswap/internal/services"
	"soundswap/internal/store"
)

type Ledger interface {
	CheckBalance(ctx context.Context, principalID, creditType string) (services.Balance, error)
	Deduct(ctx context.Context, req services.DeductRequest) (services.Result, error)
	Credit(ctx context.Context, req services.CreditRequest) (services.Result, error)
	ListTransactions(ctx context.Context, principalID string, filter services.ListFilter) (services.Page, error)
	ProvisionAccount(ctx context.Context, req services.ProvisionRequest) (models.Account, error)
	Reconcile(ctx context.Context) (services.ReconcileReport, error)
}

type ProductCatalog interface {
	List() []catalog.Product
	Resolve(productKey string) (catalog.Product, error)
}

type EventQueue interface {
	Publish(ctx context.Context, event payments.Event) error
}

type AdminStore interface {
	IsAdmin(ctx context.Context, principalID string) (bool, bool, error)
	HasRole(ctx context.Context, principalID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, principalID string, isSuper bool, createdBy string) error
	GrantRole(ctx context.Context, tx store.Execer, principalID, role string) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID string, data any) error
	List(ctx context.Context, limit, offset int) ([]store.AuditEntry, error)
}
