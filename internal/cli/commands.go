package cli

import (
	"errors"
	"fmt"
	"time"

	"soundswap/internal/auth"
	"soundswap/internal/models"
	"soundswap/internal/services"
	"soundswap/internal/store"
	"soundswap/internal/validator"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

// ErrLedgerMismatch is returned by reconcile when any balance disagrees with
// its transactions.
var ErrLedgerMismatch = errors.New("ledger does not reconcile")

func principalArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	return validator.ValidatePrincipalID(args[0])
}

func newProvisionCommand(env func() *Env) *cobra.Command {
	var coverArt, lyricVideo int64
	var only []string
	cmd := &cobra.Command{
		Use:   "provision PRINCIPAL_ID",
		Short: "Create a credit account with opening balances",
		Args:  principalArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			opening := map[models.CreditType]int64{
				models.CreditCoverArt:   coverArt,
				models.CreditLyricVideo: lyricVideo,
			}
			var balances map[models.CreditType]int64
			if len(only) > 0 {
				balances = make(map[models.CreditType]int64, len(only))
				for _, raw := range only {
					ct, err := models.ParseCreditType(raw)
					if err != nil {
						return err
					}
					balances[ct] = opening[ct]
				}
			} else {
				balances = opening
			}
			account, err := env().Ledger.ProvisionAccount(cmd.Context(), services.ProvisionRequest{
				PrincipalID: args[0],
				Balances:    balances,
				ActorID:     operatorActor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), account)
		},
	}
	cmd.Flags().Int64Var(&coverArt, "cover-art", 0, "opening coverArt balance")
	cmd.Flags().Int64Var(&lyricVideo, "lyric-video", 0, "opening lyricVideo balance")
	cmd.Flags().StringSliceVar(&only, "kinds", nil, "credit kinds the account carries (default all)")
	return cmd
}

func newBalanceCommand(env func() *Env) *cobra.Command {
	var creditType string
	cmd := &cobra.Command{
		Use:   "balance PRINCIPAL_ID",
		Short: "Show an account's credit balances",
		Args:  principalArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := env().Ledger.CheckBalance(cmd.Context(), args[0], creditType)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}
	cmd.Flags().StringVar(&creditType, "type", "all", "coverArt, lyricVideo or all")
	return cmd
}

func newTransactionsCommand(env func() *Env) *cobra.Command {
	var creditType, kind, since, until string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "transactions PRINCIPAL_ID",
		Short: "List an account's transactions, newest first",
		Args:  principalArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := services.ListFilter{
				CreditType: models.CreditType(creditType),
				Kind:       models.TransactionKind(kind),
				Limit:      limit,
				Offset:     offset,
			}
			var err error
			if filter.Since, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if filter.Until, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			page, err := env().Ledger.ListTransactions(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringVar(&creditType, "credit-type", "", "only this credit kind")
	cmd.Flags().StringVar(&kind, "kind", "", "credit_addition or credit_deduction")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound (inclusive)")
	cmd.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", services.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func newGrantCommand(env func() *Env) *cobra.Command {
	var creditType, token, product string
	var amount int64
	cmd := &cobra.Command{
		Use:   "grant PRINCIPAL_ID",
		Short: "Add credits by kind and amount, or for a catalog product",
		Args:  principalArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token != "" {
				if err := validator.ValidateCorrelationToken(token); err != nil {
					return err
				}
			}
			result, err := env().Ledger.Credit(cmd.Context(), services.CreditRequest{
				PrincipalID:      args[0],
				ProductKey:       product,
				CreditType:       models.CreditType(creditType),
				Amount:           amount,
				CorrelationToken: token,
				ActorID:          operatorActor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&creditType, "type", "", "credit kind to grant")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to grant")
	cmd.Flags().StringVar(&product, "product", "", "catalog product key (purchase replay)")
	cmd.Flags().StringVar(&token, "token", "", "correlation token making the grant idempotent")
	cmd.MarkFlagsMutuallyExclusive("product", "type")
	return cmd
}

func newReconcileCommand(env func() *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stored balances with the transaction ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := env().Ledger.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%w: %d mismatches", ErrLedgerMismatch, len(report.Mismatches))
			}
			return nil
		},
	}
}

func newAdminCommand(env func() *Env) *cobra.Command {
	var super bool
	var roles []string
	cmd := &cobra.Command{
		Use:   "admin PRINCIPAL_ID",
		Short: "Make a principal an admin, optionally with roles",
		Args:  principalArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, role := range roles {
				if !store.ValidRole(role) {
					return fmt.Errorf("unknown role %q (known: %v)", role, store.AdminRoles)
				}
			}
			e := env()
			principalID := args[0]
			err := withTx(cmd.Context(), e, func(tx *sqlx.Tx) error {
				if err := e.Admin.CreateAdmin(cmd.Context(), tx, principalID, super, operatorActor); err != nil {
					return err
				}
				for _, role := range roles {
					if err := e.Admin.GrantRole(cmd.Context(), tx, principalID, role); err != nil {
						return err
					}
				}
				return e.Audit.Log(cmd.Context(), tx, operatorActor, "promote_admin", "admin", principalID, map[string]any{
					"super": super,
					"roles": roles,
				})
			})
			if err != nil {
				return err
			}
			held, err := e.Admin.Roles(cmd.Context(), principalID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"principal_id": principalID,
				"super":        super,
				"roles":        held,
			})
		},
	}
	cmd.Flags().BoolVar(&super, "super", false, "grant super admin")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	return cmd
}

func newTokenCommand(env func() *Env) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:         "token PRINCIPAL_ID",
		Short:       "Issue a bearer token for a principal",
		Args:        principalArg,
		Annotations: map[string]string{annotationOffline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken(env().JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
