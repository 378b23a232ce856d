// Package webhooks delivers signed escrow and refund notifications to
// HTTP endpoints registered by buyers, sellers and back-office tools.
//
// Subscriptions belong to an owner id (a buyer, a store or an operator
// account) and list the event types they want. Deliveries are
// asynchronous, retried with backoff and signed with HMAC-SHA256 over
// "<timestamp>.<body>". A subscription that keeps failing is disabled.
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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/mbd888/marketplace/internal/retry"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// EventType names a notification.
type EventType string

const (
	EventEscrowCreated     EventType = "escrow.created"
	EventEscrowReleased    EventType = "escrow.released"
	EventEscrowRefunded    EventType = "escrow.refunded"
	EventRefundCompleted   EventType = "refund.completed"
	EventRefundFailed      EventType = "refund.failed"
	EventAuditInconsistent EventType = "escrow.audit_inconsistent"
)

// KnownEvents lists every event a subscription may ask for.
var KnownEvents = []EventType{
	EventEscrowCreated,
	EventEscrowReleased,
	EventEscrowRefunded,
	EventRefundCompleted,
	EventRefundFailed,
	EventAuditInconsistent,
}

// Header names sent with every delivery.
const (
	HeaderEvent     = "X-Marketplace-Event"
	HeaderTimestamp = "X-Marketplace-Timestamp"
	HeaderSignature = "X-Marketplace-Signature"
	HeaderDelivery  = "X-Marketplace-Delivery"
)

// Event is the delivered payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is an owner's webhook endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerID             string      `json:"ownerId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription asked for t.
func (s *Subscription) Wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	// RecordResult stores the outcome of a delivery. A failure increments
	// consecutive_failures and deactivates the subscription once it
	// reaches disableAfter; a success resets the count.
	RecordResult(ctx context.Context, id string, at time.Time, deliveryErr string, disableAfter int) error
	Delete(ctx context.Context, id string) error
}

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	Timeout      time.Duration
	Attempts     int
	BaseDelay    time.Duration
	DisableAfter int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:      10 * time.Second,
		Attempts:     3,
		BaseDelay:    500 * time.Millisecond,
		DisableAfter: 20,
	}
}

// Dispatcher sends events to subscriber endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    DispatcherConfig
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewDispatcher(store Store, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.DisableAfter <= 0 {
		cfg.DisableAfter = def.DisableAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// DispatchToOwner delivers event to every active subscription of ownerID
// that asked for it. Deliveries run in the background; Wait blocks until
// they finish.
func (d *Dispatcher) DispatchToOwner(ctx context.Context, ownerID string, event *Event) (int, error) {
	subs, err := d.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		sent++
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, event)
		}(sub)
	}
	return sent, nil
}

// Wait blocks until in-flight deliveries are done (shutdown and tests).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.record(ctx, sub, "marshal event: "+err.Error())
		return
	}

	err = retry.Do(ctx, d.cfg.Attempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "owner_id", sub.OwnerID, "event", event.Type, "error", err)
		d.record(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.record(ctx, sub, "")
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, deliveryErr string) {
	if err := d.store.RecordResult(ctx, sub.ID, d.now(), deliveryErr, d.cfg.DisableAfter); err != nil {
		d.logger.Error("record webhook result", "subscription_id", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MemoryStore is an in-memory subscription store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, at time.Time, deliveryErr string, disableAfter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if deliveryErr == "" {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFailures++
	if disableAfter > 0 && sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
