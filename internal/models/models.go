package models

import (
	"fmt"
	"time"
)

// CreditType names one spendable balance on an account.
type CreditType string

const (
	CreditCoverArt   CreditType = "coverArt"
	CreditLyricVideo CreditType = "lyricVideo"
)

// CreditTypes lists every recognized credit kind in display order.
var CreditTypes = []CreditType{CreditCoverArt, CreditLyricVideo}

// ParseCreditType validates raw against the recognized credit kinds.
func ParseCreditType(raw string) (CreditType, error) {
	for _, ct := range CreditTypes {
		if string(ct) == raw {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unrecognized credit type %q", raw)
}

func (c CreditType) Valid() bool {
	_, err := ParseCreditType(string(c))
	return err == nil
}

type TransactionKind string

const (
	KindCreditAddition  TransactionKind = "credit_addition"
	KindCreditDeduction TransactionKind = "credit_deduction"
)

func (k TransactionKind) Valid() bool {
	return k == KindCreditAddition || k == KindCreditDeduction
}

const (
	ReasonPurchase       = "purchase"
	ReasonGeneration     = "generation"
	ReasonOpeningBalance = "opening_balance"
	ReasonAdminGrant     = "admin_grant"
)

type Account struct {
	ID        string               `json:"id"`
	Balances  map[CreditType]int64 `json:"balances"`
	History   []HistoryEntry       `json:"history"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Balance returns the balance for ct and whether the account carries that kind.
func (a Account) Balance(ct CreditType) (int64, bool) {
	balance, ok := a.Balances[ct]
	return balance, ok
}

// HistoryEntry is the lightweight copy of a transaction embedded on the account.
type HistoryEntry struct {
	TransactionID string          `json:"transaction_id"`
	Kind          TransactionKind `json:"kind"`
	CreditType    CreditType      `json:"credit_type"`
	Amount        int64           `json:"amount"`
	Reason        string          `json:"reason"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Transaction struct {
	ID               string          `json:"id"`
	PrincipalID      string          `json:"principal_id"`
	Kind             TransactionKind `json:"kind"`
	CreditType       CreditType      `json:"credit_type"`
	Amount           int64           `json:"amount"`
	PreviousBalance  int64           `json:"previous_balance"`
	NewBalance       int64           `json:"new_balance"`
	Reason           string          `json:"reason"`
	CorrelationToken string          `json:"correlation_token,omitempty"`
	ProductKey       string          `json:"product_key,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SignedAmount is the effect of the transaction on its balance.
func (t Transaction) SignedAmount() int64 {
	if t.Kind == KindCreditDeduction {
		return -t.Amount
	}
	return t.Amount
}

// Consistent reports whether the balance snapshots match amount and kind.
func (t Transaction) Consistent() bool {
	return t.Amount > 0 && t.PreviousBalance >= 0 && t.NewBalance >= 0 &&
		t.NewBalance == t.PreviousBalance+t.SignedAmount()
}
