// Package provider talks to hosted language models. The orchestrator uses a
// Provider to turn free-form commands into task plans.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name returns the provider identifier, such as "anthropic".
	Name() string

	// Chat sends one non-streaming request and returns the reply text.
	Chat(ctx context.Context, system string, messages []Message) (string, error)
}

// ErrCircuitOpen is returned while a Breaker is refusing calls.
var ErrCircuitOpen = errors.New("provider circuit open")

// BreakerSettings tunes a Breaker. Zero values pick defaults.
type BreakerSettings struct {
	MaxFailures uint32
	OpenFor     time.Duration
	Interval    time.Duration
}

// Breaker wraps a Provider so repeated failures fail fast for a while
// instead of reaching the backend.
type Breaker struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps inner.
func NewBreaker(inner Provider, s BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) Chat(ctx context.Context, system string, messages []Message) (string, error) {
	out, err := b.cb.Execute(func() (string, error) {
		return b.inner.Chat(ctx, system, messages)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%s: %w", b.inner.Name(), ErrCircuitOpen)
	}
	return out, err
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Config selects and configures a provider.
type Config struct {
	Name      string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the named provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
