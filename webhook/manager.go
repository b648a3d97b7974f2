package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/GoCodeAlone/conductor/comms"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultTimeout    = 10 * time.Second
	historyLimit      = 100
	breakerTrip       = 5
)

// Bus is the part of the event bus the manager needs.
type Bus interface {
	comms.Publisher
	Subscribe(opts comms.SubscribeOptions, patterns ...string) (*comms.Subscription, error)
}

type worker struct {
	ep      Endpoint
	sub     *comms.Subscription
	breaker *gobreaker.CircuitBreaker[int]
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	history []Delivery
}

func (w *worker) record(d Delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, d)
	if len(w.history) > historyLimit {
		w.history = slices.Delete(w.history, 0, len(w.history)-historyLimit)
	}
}

// Manager registers endpoints and runs one delivery worker per endpoint.
type Manager struct {
	bus        Bus
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	entropy    io.Reader
	entropyMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*worker
}

// Option configures a Manager.
type Option func(*Manager)

// WithClient sets the HTTP client used for deliveries.
func WithClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRetry sets the retry count and the exponential delay bounds.
func WithRetry(maxRetries int, base, maxDelay time.Duration) Option {
	return func(m *Manager) {
		if maxRetries >= 0 {
			m.maxRetries = maxRetries
		}
		if base > 0 {
			m.baseDelay = base
		}
		if maxDelay > 0 {
			m.maxDelay = maxDelay
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager creates a Manager publishing and subscribing on bus.
func NewManager(bus Bus, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:        bus,
		client:     &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		sleep:      sleepCtx,
		now:        time.Now,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds an endpoint and starts delivering matching events to it.
// Empty topics subscribe to everything.
func (m *Manager) Register(_ context.Context, rawURL string, topics []string, secret string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidEndpoint, rawURL)
	}
	if len(topics) == 0 {
		topics = []string{"*"}
	}
	ep := Endpoint{
		ID:        uuid.NewString(),
		URL:       u.String(),
		Topics:    slices.Clone(topics),
		Secret:    secret,
		Signed:    secret != "",
		CreatedAt: m.now(),
	}

	sub, err := m.bus.Subscribe(comms.SubscribeOptions{}, ep.Topics...)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &worker{
		ep:      ep,
		sub:     sub,
		breaker: m.newBreaker(ep.ID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.workers[ep.ID] = w
	m.mu.Unlock()

	go m.run(ctx, w)
	m.logger.Info("webhook registered", "webhook", ep.ID, "url", ep.URL, "topics", ep.Topics)
	m.bus.Publish(comms.TopicWebhookRegistered, ep)
	return ep, nil
}

func (m *Manager) newBreaker(id string) *gobreaker.CircuitBreaker[int] {
	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + id,
		MaxRequests: 1,
		Timeout:     m.maxDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("webhook circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Deregister stops deliveries to an endpoint and forgets it.
func (m *Manager) Deregister(_ context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	w.cancel()
	w.sub.Close()
	<-w.done
	m.logger.Info("webhook deregistered", "webhook", id)
	m.bus.Publish(comms.TopicWebhookDeregistered, w.ep)
	return nil
}

// List returns the registered endpoints, oldest first.
func (m *Manager) List() []Endpoint {
	m.mu.RLock()
	out := make([]Endpoint, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.ep)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one endpoint.
func (m *Manager) Get(id string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return w.ep, nil
}

// Deliveries returns the recent delivery history of an endpoint, oldest first.
func (m *Manager) Deliveries(id string) ([]Delivery, error) {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Delivery, len(w.history))
	for i, d := range w.history {
		d.Attempts = slices.Clone(d.Attempts)
		out[i] = d
	}
	return out, nil
}

// Run blocks until ctx is done and then stops every worker.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	m.Close()
	return nil
}

// Close stops every worker. Registered endpoints are kept.
func (m *Manager) Close() {
	m.cancel()
	m.mu.RLock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()
	for _, w := range workers {
		w.sub.Close()
		<-w.done
	}
}

func (m *Manager) run(ctx context.Context, w *worker) {
	defer close(w.done)
	for {
		d, err := w.sub.Next(ctx)
		if err != nil {
			return
		}
		if d.Gap {
			m.logger.Warn("webhook fell behind, events were dropped", "webhook", w.ep.ID, "dropped", w.sub.Dropped())
		}
		m.deliver(ctx, w, d.Event)
	}
}

func (m *Manager) newID() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
}

func (m *Manager) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.maxDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(m.maxRetries))
}

// deliver POSTs one event, retrying per policy, and records the outcome.
func (m *Manager) deliver(ctx context.Context, w *worker, e comms.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("webhook encode event", "webhook", w.ep.ID, "sequence", e.Sequence, "error", err)
		return
	}
	d := Delivery{
		ID:            m.newID(),
		EndpointID:    w.ep.ID,
		EventSequence: e.Sequence,
		Topic:         e.Topic,
		CreatedAt:     m.now(),
	}

	bo := m.policy()
	bo.Reset()
	var lastErr error
	for {
		code, err := w.breaker.Execute(func() (int, error) {
			return m.post(ctx, w.ep, d.ID, e.Topic, body)
		})
		a := Attempt{At: m.now(), StatusCode: code}
		if err == nil {
			d.Attempts = append(d.Attempts, a)
			d.Status = StatusDelivered
			break
		}
		lastErr = err
		a.Error = err.Error()

		var perm *backoff.PermanentError
		next := backoff.Stop
		if !errors.As(err, &perm) && ctx.Err() == nil {
			next = bo.NextBackOff()
		}
		if next == backoff.Stop {
			d.Attempts = append(d.Attempts, a)
			d.Status = StatusFailed
			break
		}
		a.Delay = next
		d.Attempts = append(d.Attempts, a)
		if err := m.sleep(ctx, next); err != nil {
			d.Status = StatusFailed
			break
		}
	}

	w.record(d)
	if d.Status == StatusDelivered {
		m.logger.Debug("webhook delivered", "webhook", w.ep.ID, "sequence", e.Sequence, "attempts", len(d.Attempts))
		return
	}
	m.logger.Warn("webhook delivery failed", "webhook", w.ep.ID, "sequence", e.Sequence, "attempts", len(d.Attempts), "error", lastErr)
	if e.Topic == comms.TopicWebhookDeliveryFailed || ctx.Err() != nil {
		return
	}
	m.bus.Publish(comms.TopicWebhookDeliveryFailed, map[string]any{
		"webhook_id":     w.ep.ID,
		"url":            w.ep.URL,
		"delivery_id":    d.ID,
		"event_sequence": e.Sequence,
		"topic":          e.Topic,
		"attempts":       len(d.Attempts),
		"error":          errString(lastErr),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (m *Manager) post(ctx context.Context, ep Endpoint, deliveryID, topic string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, topic)
	req.Header.Set(HeaderDelivery, deliveryID)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, backoff.Permanent(err)
	}
	return resp.StatusCode, err
}
