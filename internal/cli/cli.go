// Package cli implements creditctl, the operator tool for the credit ledger.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"soundswap/internal/catalog"
	"soundswap/internal/config"
	"soundswap/internal/db"
	"soundswap/internal/logging"
	"soundswap/internal/models"
	"soundswap/internal/services"
	"soundswap/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

type Ledger interface {
	CheckBalance(ctx context.Context, principalID, creditType string) (services.Balance, error)
	Credit(ctx context.Context, req services.CreditRequest) (services.Result, error)
	ListTransactions(ctx context.Context, principalID string, filter services.ListFilter) (services.Page, error)
	ProvisionAccount(ctx context.Context, req services.ProvisionRequest) (models.Account, error)
	Reconcile(ctx context.Context) (services.ReconcileReport, error)
}

type AdminStore interface {
	CreateAdmin(ctx context.Context, tx store.Execer, principalID string, isSuper bool, createdBy string) error
	GrantRole(ctx context.Context, tx store.Execer, principalID, role string) error
	Roles(ctx context.Context, principalID string) ([]string, error)
}

// Env is what the commands run against.
type Env struct {
	Ledger    Ledger
	Admin     AdminStore
	Audit     services.AuditStore
	TxRunner  db.TxRunner
	JWTSecret string
}

// Opener builds an Env and returns a func releasing it.
type Opener func(cfg config.Config) (*Env, func(), error)

// operatorActor is recorded as the audit actor for CLI mutations.
const operatorActor = "creditctl"

// annotationOffline marks commands that never touch the database.
const annotationOffline = "offline"

// NewRootCommand builds creditctl. Call the returned func once the command has
// run to release whatever the Opener acquired.
func NewRootCommand(open Opener) (*cobra.Command, func()) {
	var env *Env
	var release func()
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the SoundSwap credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Annotations[annotationOffline] != "" {
				env = &Env{JWTSecret: cfg.JWTSecret}
				return nil
			}
			opened, closeFn, err := open(cfg)
			if err != nil {
				return err
			}
			env, release = opened, closeFn
			return nil
		},
	}
	current := func() *Env { return env }
	root.AddCommand(
		newProvisionCommand(current),
		newBalanceCommand(current),
		newTransactionsCommand(current),
		newGrantCommand(current),
		newReconcileCommand(current),
		newAdminCommand(current),
		newTokenCommand(current),
	)
	return root, func() {
		if release != nil {
			release()
			release = nil
		}
	}
}

// OpenDatabase wires an Env over the configured PostgreSQL database.
func OpenDatabase(cfg config.Config) (*Env, func(), error) {
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)
	ledger := services.NewLedgerService(txRunner, store.NewAccountStore(database), store.NewTransactionStore(database), audit, catalog.Default(), nil, services.Options{
		StoreTimeout: cfg.StoreTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr),
	})
	env := &Env{
		Ledger:    ledger,
		Admin:     store.NewAdminStore(database),
		Audit:     audit,
		TxRunner:  txRunner,
		JWTSecret: cfg.JWTSecret,
	}
	return env, func() { _ = database.Close() }, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func withTx(ctx context.Context, env *Env, fn func(tx *sqlx.Tx) error) error {
	if err := env.TxRunner.WithTx(ctx, fn); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}
