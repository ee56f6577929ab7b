package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/metrics"
)

const (
	headerSignature = "X-RealCast-Signature"
	headerEvent     = "X-RealCast-Event"
	headerDelivery  = "X-RealCast-Delivery"
	headerTimestamp = "X-RealCast-Timestamp"

	maxAttempts      = 3
	defaultQueueSize = 1024
)

// delivery is one pending attempt at one subscription. The payload is
// serialized once per event so every attempt signs identical bytes.
type delivery struct {
	event   domain.Event
	sub     domain.Subscription
	payload []byte
	attempt int
}

// Dispatcher fans domain events out to matching webhook subscriptions using
// a fixed worker pool. Each (event, subscription) pair has at most one
// in-flight attempt; retries re-enter the queue after a delay.
type Dispatcher struct {
	subs      domain.SubscriptionSource
	log       DeliveryLog
	client    *http.Client
	clock     clockwork.Clock
	retryBase time.Duration

	queue chan delivery
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts `workers` delivery workers. Timeout bounds each HTTP
// attempt. Call Stop to drain and shut down.
func NewDispatcher(subs domain.SubscriptionSource, log DeliveryLog, clock clockwork.Clock, workers int, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		subs:      subs,
		log:       log,
		client:    &http.Client{Timeout: timeout},
		clock:     clock,
		retryBase: time.Second,
		queue:     make(chan delivery, defaultQueueSize),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Publish implements domain.EventPublisher. Subscription lookup failures and
// full queues drop the event: producers never observe delivery problems.
func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) {
	subs, err := d.subs.ListSubscriptions(ctx, event.TenantID, event.Kind)
	if err != nil {
		slog.WarnContext(ctx, "Subscription lookup failed, dropping event",
			"event", event.Kind, "event_id", event.ID, "error", err)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal event", "event_id", event.ID, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Subscribed(event.Kind) {
			continue
		}
		if !d.enqueue(delivery{event: event, sub: sub, payload: payload, attempt: 1}) {
			slog.WarnContext(ctx, "Webhook queue full, dropping event",
				"event_id", event.ID, "subscription", sub.ID)
		}
	}
}

// Stop prevents new enqueues, drains the queue, and stops the workers.
// Retries still pending on their timers record a terminal dead attempt
// when they fire.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}

// enqueue reports whether the delivery entered the queue; it fails when the
// dispatcher is stopped or the queue is full.
func (d *Dispatcher) enqueue(del delivery) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	select {
	case d.queue <- del:
		metrics.WebhookQueueDepth.Inc()
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for del := range d.queue {
		metrics.WebhookQueueDepth.Dec()
		d.deliver(del)
	}
}

func (d *Dispatcher) deliver(del delivery) {
	start := d.clock.Now()
	statusCode, err := d.attempt(del)
	metrics.WebhookDeliveryDuration.Observe(d.clock.Since(start).Seconds())

	record := domain.DeliveryAttempt{
		EventID:        del.event.ID,
		SubscriptionID: del.sub.ID,
		Attempt:        del.attempt,
		StatusCode:     statusCode,
		At:             d.clock.Now(),
	}

	switch {
	case err == nil:
		record.Outcome = domain.DeliveryDelivered
		metrics.WebhookDeliveries.WithLabelValues(string(domain.DeliveryDelivered)).Inc()

	case del.attempt < maxAttempts:
		delay := d.backoffDelay(del.attempt)
		record.Outcome = domain.DeliveryFailed
		record.Error = err.Error()
		record.NextRetryAt = d.clock.Now().Add(delay)
		metrics.WebhookDeliveries.WithLabelValues(string(domain.DeliveryFailed)).Inc()

		next := del
		next.attempt++
		d.clock.AfterFunc(delay, func() {
			if !d.enqueue(next) {
				// The pair must still terminate: without this record the log
				// would end on a failed attempt whose retry never fires.
				d.giveUp(next, "retry could not be queued")
			}
		})

	default:
		record.Outcome = domain.DeliveryDead
		record.Error = err.Error()
		metrics.WebhookDeliveries.WithLabelValues(string(domain.DeliveryDead)).Inc()
		slog.Warn("Webhook delivery dead after final attempt",
			"event_id", del.event.ID, "subscription", del.sub.ID, "error", err)
	}

	d.log.Record(record)
}

// giveUp records a terminal dead attempt for a delivery that never ran.
func (d *Dispatcher) giveUp(del delivery, reason string) {
	d.log.Record(domain.DeliveryAttempt{
		EventID:        del.event.ID,
		SubscriptionID: del.sub.ID,
		Attempt:        del.attempt,
		Outcome:        domain.DeliveryDead,
		Error:          reason,
		At:             d.clock.Now(),
	})
	metrics.WebhookDeliveries.WithLabelValues(string(domain.DeliveryDead)).Inc()
	slog.Warn("Webhook delivery dead without attempt",
		"event_id", del.event.ID, "subscription", del.sub.ID, "reason", reason)
}

// attempt performs one HTTP POST. Any 2xx status counts as delivered;
// everything else, including transport errors, counts as a failed attempt.
func (d *Dispatcher) attempt(del delivery) (int, error) {
	req, err := http.NewRequest(http.MethodPost, del.sub.URL, bytes.NewReader(del.payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, Sign(del.sub.Secret, del.payload))
	req.Header.Set(headerEvent, string(del.event.Kind))
	req.Header.Set(headerDelivery, del.event.ID.String())
	req.Header.Set(headerTimestamp, strconv.FormatInt(del.event.OccurredAt.Unix(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoffDelay grows five-fold per attempt: 1s, 5s, 25s with the default base.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 5
	}
	return delay
}
