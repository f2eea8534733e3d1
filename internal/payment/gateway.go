package payment

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Gateway is a mock payment provider with simulated latency and failures
type Gateway struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability that a charge succeeds
	BaseURL     string
}

// NewMockGateway returns the gateway used outside production
func NewMockGateway(baseURL string) *Gateway {
	return &Gateway{
		ID:          "MOCKPAY",
		Name:        "Mock QR Pay",
		MinLatency:  5,
		MaxLatency:  30,
		SuccessRate: 0.95,
		BaseURL:     baseURL,
	}
}

// QRCodeURL is the page the buyer scans to pay paymentID
func (g *Gateway) QRCodeURL(paymentID string) string {
	return fmt.Sprintf("%s/qr/%s", g.BaseURL, paymentID)
}

// Charge simulates the buyer completing the payment at the provider and
// returns the callback the provider would send
func (g *Gateway) Charge(ctx context.Context, p *Payment) (Callback, error) {
	logger := log.With().
		Str("gateway_id", g.ID).
		Str("payment_id", p.PaymentID).
		Str("amount", p.Amount.String()).
		Logger()

	latency := g.MinLatency
	if g.MaxLatency > g.MinLatency {
		latency += rand.Intn(g.MaxLatency - g.MinLatency + 1)
	}
	logger.Debug().Int("latency_ms", latency).Msg("simulated gateway latency")

	select {
	case <-ctx.Done():
		return Callback{}, ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	cb := Callback{
		PaymentID:  p.PaymentID,
		GatewayRef: fmt.Sprintf("%s-%s", g.ID, uuid.New().String()[:8]),
		Status:     StatusSucceeded,
		Amount:     p.Amount,
	}
	if rand.Float64() > g.SuccessRate {
		logger.Warn().Float64("success_rate", g.SuccessRate).Msg("simulated charge declined")
		cb.Status = StatusFailed
	}

	logger.Info().Str("gateway_ref", cb.GatewayRef).Str("status", string(cb.Status)).Msg("gateway charge processed")
	return cb, nil
}
