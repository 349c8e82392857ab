package services

import (
	"context"

	"soundswap/internal/metrics"
	"soundswap/internal/models"
	"soundswap/internal/store"

	"github.com/jmoiron/sqlx"
)

type Mismatch struct {
	PrincipalID string            `json:"principal_id"`
	CreditType  models.CreditType `json:"credit_type"`
	Stored      int64             `json:"stored"`
	Ledger      int64             `json:"ledger"`
}

type ReconcileReport struct {
	Accounts   int        `json:"accounts"`
	Balances   int        `json:"balances"`
	Mismatches []Mismatch `json:"mismatches"`
}

func (r ReconcileReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Reconcile compares every stored balance with the signed sum of the
// transactions recorded for it.
func (s *LedgerService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	// Both reads share one snapshot.
	var accounts []models.Account
	var sums []store.LedgerSum
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if accounts, err = s.accounts.ListAll(ctx, tx); err != nil {
			return err
		}
		sums, err = s.transactions.SumByAccount(ctx, tx)
		return err
	})
	if err != nil {
		return ReconcileReport{}, s.fail("reconcile", s.classify(err))
	}
	type key struct {
		principal  string
		creditType models.CreditType
	}
	ledger := make(map[key]int64, len(sums))
	for _, sum := range sums {
		ledger[key{sum.UserID, models.CreditType(sum.CreditType)}] = sum.Net
	}

	report := ReconcileReport{Accounts: len(accounts), Mismatches: []Mismatch{}}
	for _, account := range accounts {
		for _, ct := range models.CreditTypes {
			k := key{account.ID, ct}
			net, recorded := ledger[k]
			delete(ledger, k)
			stored, held := account.Balance(ct)
			if !held && !recorded {
				continue
			}
			report.Balances++
			if stored != net {
				report.Mismatches = append(report.Mismatches, Mismatch{PrincipalID: account.ID, CreditType: ct, Stored: stored, Ledger: net})
			}
		}
	}
	// Transactions whose account row is gone.
	for k, net := range ledger {
		report.Mismatches = append(report.Mismatches, Mismatch{PrincipalID: k.principal, CreditType: k.creditType, Ledger: net})
	}

	if report.OK() {
		s.logger.Info("ledger reconciled", "accounts", report.Accounts, "balances", report.Balances)
	} else {
		s.logger.Warn("ledger reconciliation found mismatches", "accounts", report.Accounts, "mismatches", len(report.Mismatches))
	}
	metrics.RecordLedgerOperation("reconcile", "ok")
	return report, nil
}
