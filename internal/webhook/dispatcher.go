package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	responseExcerptLimit = 512
	dueBatchSize         = 100
)

// Config is the delivery retry policy
type Config struct {
	MaxRetries     int
	BaseInterval   time.Duration
	AttemptTimeout time.Duration
	LeaseTimeout   time.Duration
}

// Dispatcher turns order events into ledger records and performs delivery
// attempts against them
type Dispatcher struct {
	ledger *Ledger
	client *http.Client
	cfg    Config
	now    func() time.Time
	wake   chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock overrides the dispatcher clock
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithHTTPClient replaces the transport used for attempts
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

func NewDispatcher(db *gorm.DB, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger: NewLedger(db, cfg.LeaseTimeout),
		client: &http.Client{},
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ledger exposes the delivery ledger
func (d *Dispatcher) Ledger() *Ledger {
	return d.ledger
}

// Wake fires when new work was enqueued
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Dispatch creates one pending record per subscribed endpoint of the order's
// buyer and seller. It only writes to the ledger and never performs network
// I/O. Endpoints that already have a record for this event are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, e types.OrderEvent) error {
	logger := log.With().
		Str("event_id", e.EventID).
		Str("event", string(e.Type)).
		Str("order_number", e.OrderNumber).
		Str("component", "webhook_dispatcher").
		Logger()

	endpoints, err := d.ledger.FindSubscribers(ctx, e.BuyerID, e.SellerID)
	if err != nil {
		return fmt.Errorf("failed to load webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	existing, err := d.ledger.FindByEvent(ctx, e.EventID)
	if err != nil {
		return fmt.Errorf("failed to load deliveries for event: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, rec := range existing {
		seen[rec.EndpointID] = true
	}

	now := d.now()
	var errs []error
	created := 0
	for _, ep := range endpoints {
		if !ep.Subscribes(e.Type) || seen[ep.EndpointID] {
			continue
		}

		nonce := uuid.New().String()
		payload, err := BuildPayload(ep.Secret, e, now.Unix(), nonce)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		rec := &Delivery{
			DeliveryID:  "WHD_" + uuid.New().String(),
			EventID:     e.EventID,
			EndpointID:  ep.EndpointID,
			TargetURL:   ep.URL,
			EventType:   e.Type,
			Payload:     string(payload),
			Nonce:       nonce,
			Status:      DeliveryPending,
			NextRetryAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.ledger.Save(ctx, rec); err != nil {
			logger.Error().Err(err).Str("endpoint_id", ep.EndpointID).Msg("failed to enqueue delivery")
			errs = append(errs, err)
			continue
		}
		created++
	}

	if created > 0 {
		logger.Debug().Int("deliveries", created).Msg("webhook deliveries enqueued")
		d.notify()
	}
	return errors.Join(errs...)
}

// ProcessDue claims and attempts every record due at the current time and
// returns the number of attempts made
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	due, err := d.ledger.FindDue(ctx, d.now(), dueBatchSize)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for i := range due {
		ok, err := d.claimAndAttempt(ctx, &due[i])
		if err != nil {
			log.Error().Err(err).Str("delivery_id", due[i].DeliveryID).Msg("delivery attempt failed to record")
		}
		if ok {
			attempted++
		}
	}
	return attempted, nil
}

func (d *Dispatcher) claimAndAttempt(ctx context.Context, rec *Delivery) (bool, error) {
	claimed, err := d.ledger.Claim(ctx, rec, uuid.New().String(), d.now())
	if err != nil || !claimed {
		return false, err
	}
	return true, d.AttemptDelivery(ctx, rec)
}

// AttemptDelivery sends a claimed record once and records the outcome. On a
// non-2xx response or transport error the record is rescheduled with linear
// backoff until MaxRetries is reached, after which it is failed for good.
// The returned error only reports ledger problems.
func (d *Dispatcher) AttemptDelivery(ctx context.Context, rec *Delivery) error {
	if rec.ClaimToken == "" {
		return fmt.Errorf("delivery %s attempted without a claim", rec.DeliveryID)
	}
	token := rec.ClaimToken

	logger := log.With().
		Str("delivery_id", rec.DeliveryID).
		Str("endpoint_id", rec.EndpointID).
		Str("event", string(rec.EventType)).
		Str("component", "webhook_dispatcher").
		Logger()

	outcome := d.send(ctx, rec)
	now := d.now()

	rec.LastAttemptAt = &now
	rec.UpdatedAt = now
	rec.DurationMs = outcome.Duration.Milliseconds()
	rec.ResponseStatus = outcome.StatusCode
	rec.ResponseBody = outcome.Body

	if outcome.Succeeded() {
		rec.Status = DeliverySuccess
		rec.DeliveredAt = &now
		rec.NextRetryAt = nil
		rec.LastError = ""
	} else {
		rec.RetryCount++
		if outcome.Err != nil {
			rec.LastError = outcome.Err.Error()
		} else {
			rec.LastError = fmt.Sprintf("unexpected status %d", outcome.StatusCode)
		}

		if rec.RetryCount >= d.cfg.MaxRetries {
			rec.Status = DeliveryFailed
			rec.NextRetryAt = nil
		} else {
			next := now.Add(d.cfg.BaseInterval * time.Duration(rec.RetryCount))
			rec.NextRetryAt = &next
		}
	}

	if err := d.ledger.Release(ctx, rec, token); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.Warn().Msg("delivery claim was taken over during the attempt")
		}
		return err
	}

	switch rec.Status {
	case DeliverySuccess:
		logger.Info().Int("status_code", outcome.StatusCode).Int("retry_count", rec.RetryCount).Msg("webhook delivered")
	case DeliveryFailed:
		logger.Error().Str("last_error", rec.LastError).Int("retry_count", rec.RetryCount).Msg("webhook delivery exhausted retries")
	default:
		logger.Warn().
			Str("last_error", rec.LastError).
			Int("retry_count", rec.RetryCount).
			Time("next_retry_at", *rec.NextRetryAt).
			Msg("webhook delivery failed, will retry")
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, rec *Delivery) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TargetURL, bytes.NewReader([]byte(rec.Payload)))
	if err != nil {
		return Outcome{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "supply-api-webhooks/1.0")
	req.Header.Set("X-Webhook-Event", string(rec.EventType))
	req.Header.Set("X-Webhook-Delivery", rec.DeliveryID)
	req.Header.Set("X-Webhook-Nonce", rec.Nonce)
	// the signed timestamp is fixed at dispatch, retries carry their own send time
	req.Header.Set("X-Webhook-Attempt-At", strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(rec.RetryCount+1))

	resp, err := d.client.Do(req)
	if err != nil {
		return Outcome{Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerptLimit))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(excerpt),
		Duration:   time.Since(start),
	}
}

// Redrive resets a failed record to pending with a fresh retry budget
func (d *Dispatcher) Redrive(ctx context.Context, deliveryID string) (*Delivery, error) {
	if err := d.ledger.Redrive(ctx, deliveryID, d.now()); err != nil {
		return nil, err
	}
	log.Info().Str("delivery_id", deliveryID).Str("component", "webhook_dispatcher").Msg("delivery re-driven")
	d.notify()
	return d.ledger.GetDelivery(ctx, deliveryID)
}
