package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tomluvoe/agentgw/pkg/models"
)

const (
	defaultQueueSize   = 256
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
)

// Dispatcher delivers events to matching subscriptions. Producers never
// block: events enter a buffered queue and are dropped with a log entry
// when it is full. Delivery is at-least-once per subscription while the
// process lives; there is no persistent queue.
type Dispatcher struct {
	subs        []Subscription
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoff     func(attempt int) time.Duration

	queue  chan models.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger configures the dispatcher logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithBackoff overrides the inter-attempt delay, mainly for tests.
func WithBackoff(backoff func(attempt int) time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if backoff != nil {
			d.backoff = backoff
		}
	}
}

// NewDispatcher builds a dispatcher over the given subscriptions.
// Invalid subscriptions are logged and skipped.
func NewDispatcher(subs []Subscription, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default().With("component", "webhooks"),
		maxAttempts: defaultMaxAttempts,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
		queue: make(chan models.Event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, sub := range subs {
		if err := sub.validate(); err != nil {
			d.logger.Warn("subscription skipped", "subscription", sub.Name, "error", err)
			continue
		}
		d.subs = append(d.subs, sub)
	}
	return d
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-d.queue:
				d.fanOut(ctx, event)
			}
		}
	}()
	d.logger.Info("dispatcher started", "subscriptions", len(d.subs))
}

// Stop halts the worker. Queued but undelivered events are dropped.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Emit enqueues an event without blocking the caller.
func (d *Dispatcher) Emit(event models.Event) {
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("event queue full, dropping event", "event", event.Kind)
	}
}

// fanOut delivers one event to every enabled, matching subscription.
func (d *Dispatcher) fanOut(ctx context.Context, event models.Event) {
	for _, sub := range d.subs {
		if !sub.Enabled || !sub.wants(event.Kind) {
			continue
		}
		d.deliver(ctx, sub, event)
	}
}

// deliver POSTs the event, retrying with exponential backoff. After the
// final failed attempt the event is dropped with a log entry.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, event models.Event) {
	payload, err := json.Marshal(map[string]any{
		"event":     event.Kind,
		"timestamp": event.Timestamp,
		"data":      event.Data,
	})
	if err != nil {
		d.logger.Error("failed to encode event", "event", event.Kind, "error", err)
		return
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.post(ctx, sub, payload)
		if err == nil {
			d.logger.Debug("event delivered", "subscription", sub.Name, "event", event.Kind, "attempt", attempt)
			return
		}
		d.logger.Warn("delivery attempt failed",
			"subscription", sub.Name, "event", event.Kind, "attempt", attempt, "error", err)
		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff(attempt)):
		}
	}
	d.logger.Error("event dropped after final attempt",
		"subscription", sub.Name, "event", event.Kind, "attempts", d.maxAttempts)
}

func (d *Dispatcher) post(ctx context.Context, sub Subscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Secret", sub.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}
