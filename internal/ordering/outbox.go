package ordering

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const outboxBatch = 100

// OutboxRelay re-dispatches committed order events the publisher did not
// accept when the operation ran
type OutboxRelay struct {
	service  *Service
	interval time.Duration
	grace    time.Duration
}

// NewOutboxRelay scans every interval. Events younger than one interval are
// left to the operation that committed them.
func NewOutboxRelay(service *Service, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{
		service:  service,
		interval: interval,
		grace:    interval,
	}
}

// Start runs the relay loop until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) {
	logger := log.With().Str("component", "outbox_relay").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting outbox relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox relay")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to relay order events")
			}
		}
	}
}

// RunOnce relays one batch of pending events and returns how many were accepted
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.service.now().Add(-r.grace)
	relayed, err := r.service.RelayOutbox(ctx, cutoff, outboxBatch)
	if relayed > 0 {
		log.Info().Str("component", "outbox_relay").Int("relayed", relayed).Msg("relayed pending order events")
	}
	return relayed, err
}
