package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow port to the external payment processor. The core
// never stores gateway secrets; it records only the opaque identifiers the
// gateway returns. Transfer must be idempotent on idempotencyKey because the
// scheduler delivers release requests at least once.
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (orderID string, err error)
	VerifyCapture(ctx context.Context, orderID, paymentRef, signature string) (bool, error)
	Transfer(ctx context.Context, providerAccount string, amount decimal.Decimal, idempotencyKey string) (transferID string, err error)
}
