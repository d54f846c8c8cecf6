// Package payment charges orders through pluggable payment gateways.
package payment

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway ids.
const (
	GatewayToss  = "TOSS_PAYMENTS"
	GatewayNaver = "NAVER_PAY"
	GatewayKakao = "KAKAO_PAY"
)

const methodCard = "CARD"

type ChargeRequest struct {
	OrderID       int64
	Amount        decimal.Decimal
	Method        string
	CustomerName  string
	CustomerEmail string
}

// ChargeResult is a gateway's answer. A decline is Success=false with a
// Message; errors are reserved for failures to reach the gateway.
type ChargeResult struct {
	Success         bool
	PaymentID       string
	PGTransactionID string
	Message         string
	Gateway         string
}

// Gateway is one payment provider.
type Gateway interface {
	ID() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Cancel(ctx context.Context, paymentID string) (ChargeResult, error)
	StatusOf(ctx context.Context, paymentID string) (ChargeResult, error)
}

// Rand is the randomness source for simulated outcomes. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// DefaultRand draws from the goroutine-safe global source.
func DefaultRand() Rand { return globalRand{} }

// Registry resolves gateways by id.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.ID()] = g
	}
	return r
}

// Lookup returns *errs.UnsupportedGatewayError for an unknown id.
func (r *Registry) Lookup(id string) (Gateway, error) {
	g, ok := r.gateways[strings.ToUpper(id)]
	if !ok {
		return nil, &errs.UnsupportedGatewayError{Gateway: id}
	}
	return g, nil
}

// IDs lists the registered gateways in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewPaymentID returns an id of the form PAY-xxxxxxxx.
func NewPaymentID() string {
	return "PAY-" + uuid.NewString()[:8]
}
