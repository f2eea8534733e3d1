package ordering

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/supply-api/internal/types"
	"github.com/rs/zerolog/log"
)

const autoCompleteBatch = 100

// AutoCompleter completes orders that have been delivering for longer than
// the receipt timeout, acting as the system
type AutoCompleter struct {
	service  *Service
	after    time.Duration
	interval time.Duration
	actor    types.Actor
}

func NewAutoCompleter(service *Service, after, interval time.Duration) *AutoCompleter {
	return &AutoCompleter{
		service:  service,
		after:    after,
		interval: interval,
		actor:    types.SystemActor("auto_complete"),
	}
}

// Start runs the completion loop until ctx is cancelled
func (a *AutoCompleter) Start(ctx context.Context) {
	logger := log.With().Str("component", "auto_completer").Logger()
	logger.Info().Dur("after", a.after).Msg("starting auto completer")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down auto completer")
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to auto complete orders")
			}
		}
	}
}

// RunOnce completes every overdue delivering order and returns how many it completed
func (a *AutoCompleter) RunOnce(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "auto_completer").Logger()

	cutoff := a.service.now().Add(-a.after)
	numbers, err := a.service.db.FindDeliveringSince(ctx, cutoff, autoCompleteBatch)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, number := range numbers {
		if _, err := a.service.Complete(ctx, number, a.actor); err != nil {
			// the buyer or an approved cancellation got there first
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			logger.Error().Err(err).Str("order_number", number).Msg("failed to auto complete order")
			continue
		}
		completed++
	}

	if completed > 0 {
		logger.Info().Int("completed", completed).Msg("auto completed delivering orders")
	}
	return completed, nil
}
