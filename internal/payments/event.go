package payments

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a completed payment reported by the payment provider. Delivery is
// at least once; CorrelationToken (the provider's payment or session id) is
// what makes crediting it idempotent.
type Event struct {
	PrincipalID      string           `json:"principal_id" validate:"required,max=128"`
	ProductKey       string           `json:"product_key" validate:"required,max=64"`
	CorrelationToken string           `json:"correlation_token" validate:"required,max=255"`
	AmountPaid       *decimal.Decimal `json:"amount_paid,omitempty"`
	Currency         string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	Attempts         int              `json:"attempts"`
	ReceivedAt       time.Time        `json:"received_at"`
}
