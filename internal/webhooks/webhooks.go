// Package webhooks notifies buyers and agents about purchase transitions by
// POSTing signed JSON to URLs they register.
//
// Each delivery carries:
//   - X-CoinEscrow-Event: the event type (transaction.completed, ...)
//   - X-CoinEscrow-Delivery: the event ID, for deduplication
//   - X-CoinEscrow-Timestamp: unix seconds
//   - X-CoinEscrow-Signature: "sha256=" + hex HMAC-SHA256 of "<timestamp>.<body>"
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charitycoin/coinescrow/internal/circuitbreaker"
	"github.com/charitycoin/coinescrow/internal/escrow"
	"github.com/charitycoin/coinescrow/internal/metrics"
	"github.com/charitycoin/coinescrow/internal/retry"
	"github.com/charitycoin/coinescrow/internal/security"
)

var ErrNotFound = errors.New("webhook subscription not found")

// Subscription is one identity's registered endpoint. An empty Events list
// receives every event type.
type Subscription struct {
	ID               string             `json:"id"`
	IdentityID       string             `json:"identityId"`
	URL              string             `json:"url"`
	Secret           string             `json:"-"`
	Events           []escrow.EventType `json:"events"`
	Active           bool               `json:"active"`
	CreatedAt        time.Time          `json:"createdAt"`
	LastSuccess      *time.Time         `json:"lastSuccess,omitempty"`
	LastError        string             `json:"lastError,omitempty"`
	ConsecutiveFails int                `json:"consecutiveFails"`
}

// Wants reports whether the subscription should receive eventType.
func (s *Subscription) Wants(eventType escrow.EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Config tunes delivery.
type Config struct {
	Timeout          time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	DisableAfter     int // consecutive failed deliveries before a subscription is deactivated
}

// DefaultConfig returns the production delivery settings.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MaxAttempts:      4,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		BreakerThreshold: 5,
		BreakerOpenFor:   time.Minute,
		DisableAfter:     50,
	}
}

// Dispatcher delivers events to subscriptions in the background.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	retry        retry.Policy
	disableAfter int
	logger       *slog.Logger
	urlValidator func(string) error
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		retry: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		disableAfter: cfg.DisableAfter,
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
	}
}

// DispatchToIdentity queues event for each of the identity's matching
// subscriptions and returns without waiting for delivery.
func (d *Dispatcher) DispatchToIdentity(ctx context.Context, identityID string, event escrow.Event) error {
	subs, err := d.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until queued deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event escrow.Event, payload []byte) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return
	}

	err := d.breaker.Execute(sub.URL, func() error {
		return d.retry.Do(ctx, func() error {
			return d.post(ctx, sub, event, payload)
		})
	})
	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.recordSuccess(ctx, sub)
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.logger.Debug("webhook skipped, circuit open", "webhookId", sub.ID, "event", event.Type)
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhookId", sub.ID,
			"identity", sub.IdentityID,
			"event", event.Type,
			"transactionId", event.TransactionID,
			"error", err,
		)
		d.recordFailure(ctx, sub, err)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event escrow.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CoinEscrow-Event", string(event.Type))
	req.Header.Set("X-CoinEscrow-Delivery", event.ID)
	req.Header.Set("X-CoinEscrow-Timestamp", ts)
	req.Header.Set("X-CoinEscrow-Signature", Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	// Other 4xx will not change on retry.
	return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFails = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhookId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	sub.LastError = cause.Error()
	sub.ConsecutiveFails++
	if d.disableAfter > 0 && sub.ConsecutiveFails >= d.disableAfter {
		sub.Active = false
		d.logger.Info("webhook disabled after repeated failures", "webhookId", sub.ID, "fails", sub.ConsecutiveFails)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhookId", sub.ID, "error", err)
	}
}

// Sign returns the signature header value for a delivery.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header. Receivers should also reject stale timestamps.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByIdentity(ctx context.Context, identityID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.IdentityID == identityID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
