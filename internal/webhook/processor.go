package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Processor runs the retry worker pool. The ledger, not memory, decides what
// is due, so pending work survives restarts.
type Processor struct {
	dispatcher *Dispatcher
	workers    int
	interval   time.Duration
}

func NewProcessor(dispatcher *Dispatcher, workers int, interval time.Duration) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		dispatcher: dispatcher,
		workers:    workers,
		interval:   interval,
	}
}

// Start scans for due deliveries on every tick or wake-up and fans them out
// to the workers until ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "webhook_processor").Logger()
	logger.Info().Int("workers", p.workers).Dur("interval", p.interval).Msg("starting webhook processor")

	jobs := make(chan Delivery)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			case <-p.dispatcher.Wake():
			}

			due, err := p.dispatcher.ledger.FindDue(gctx, p.dispatcher.now(), dueBatchSize)
			if err != nil {
				logger.Error().Err(err).Msg("failed to scan due deliveries")
				continue
			}
			for _, rec := range due {
				select {
				case jobs <- rec:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for rec := range jobs {
				rec := rec
				// an attempt in flight finishes within its own timeout
				if _, err := p.dispatcher.claimAndAttempt(context.WithoutCancel(gctx), &rec); err != nil {
					logger.Error().Err(err).Str("delivery_id", rec.DeliveryID).Msg("delivery attempt failed to record")
				}
			}
			return nil
		})
	}

	err := g.Wait()
	logger.Info().Msg("shutting down webhook processor")
	return err
}
