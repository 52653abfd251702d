package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lexflow/payment"
)

// hmacGateway is a development stand-in for the real payment gateway. It
// signs captures the way Razorpay-style gateways do (HMAC-SHA256 over
// "orderID|paymentRef") and derives transfer ids from the idempotency key,
// so a retried transfer returns the same id instead of paying twice.
type hmacGateway struct {
	secret []byte
}

func newHMACGateway(secret string) *hmacGateway {
	return &hmacGateway{secret: []byte(secret)}
}

func (g *hmacGateway) CreateOrder(_ context.Context, amount decimal.Decimal, currency string, _ map[string]string) (string, error) {
	if amount.Sign() <= 0 || currency == "" {
		return "", fmt.Errorf("gateway: invalid order of %s %s", amount, currency)
	}
	return "order_" + uuid.NewString(), nil
}

func (g *hmacGateway) VerifyCapture(_ context.Context, orderID, paymentRef, signature string) (bool, error) {
	return hmac.Equal([]byte(signature), []byte(g.sign(orderID+"|"+paymentRef))), nil
}

func (g *hmacGateway) Transfer(_ context.Context, providerAccount string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	if providerAccount == "" || amount.Sign() <= 0 {
		return "", fmt.Errorf("gateway: invalid transfer of %s to %q", amount, providerAccount)
	}
	return "trf_" + g.sign(idempotencyKey)[:24], nil
}

func (g *hmacGateway) sign(msg string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ payment.Gateway = (*hmacGateway)(nil)
