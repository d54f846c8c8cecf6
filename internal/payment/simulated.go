package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// simulated stands in for a real provider: it approves a charge when a draw
// from rnd falls under successRate.
type simulated struct {
	id          string
	txPrefix    string
	successRate float64
	approved    string
	declined    string
	latency     time.Duration
	rnd         Rand
}

func NewTossPayments(successRate float64, rnd Rand) Gateway {
	return &simulated{
		id:          GatewayToss,
		txPrefix:    "toss_",
		successRate: successRate,
		approved:    "Toss Payments charge approved",
		declined:    "insufficient balance",
		rnd:         rnd,
	}
}

func NewNaverPay(successRate float64, rnd Rand) Gateway {
	return &simulated{
		id:          GatewayNaver,
		txPrefix:    "naver_",
		successRate: successRate,
		approved:    "Naver Pay charge approved",
		declined:    "Naver Pay charge declined",
		rnd:         rnd,
	}
}

func NewKakaoPay(successRate float64, rnd Rand) Gateway {
	return &simulated{
		id:          GatewayKakao,
		txPrefix:    "kakao_",
		successRate: successRate,
		approved:    "Kakao Pay charge approved",
		declined:    "Kakao Pay charge declined",
		rnd:         rnd,
	}
}

// WithLatency makes a simulated gateway take d to answer. It is a no-op for
// other gateways.
func WithLatency(g Gateway, d time.Duration) Gateway {
	if s, ok := g.(*simulated); ok {
		s.latency = d
	}
	return g
}

func (s *simulated) ID() string { return s.id }

func (s *simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.latency):
		return nil
	}
}

func (s *simulated) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return ChargeResult{}, err
	}
	if s.rnd.Float64() >= s.successRate {
		return ChargeResult{Success: false, Message: s.declined, Gateway: s.id}, nil
	}
	return ChargeResult{
		Success:         true,
		PaymentID:       NewPaymentID(),
		PGTransactionID: s.txPrefix + uuid.NewString(),
		Message:         s.approved,
		Gateway:         s.id,
	}, nil
}

func (s *simulated) Cancel(ctx context.Context, paymentID string) (ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Success: true, PaymentID: paymentID, Message: "cancelled", Gateway: s.id}, nil
}

func (s *simulated) StatusOf(ctx context.Context, paymentID string) (ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Success: true, PaymentID: paymentID, Message: "paid", Gateway: s.id}, nil
}
