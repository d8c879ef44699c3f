// Package llm implements the ordered provider fallback chain and the
// provider clients it drives.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"company-intel/internal/models"
)

var (
	// ErrNoProviders means the tenant has no enabled provider with an API key.
	ErrNoProviders = errors.New("no LLM providers configured")
	// ErrAllProvidersFailed is matched by every *ChainError.
	ErrAllProvidersFailed = errors.New("all LLM providers failed")
)

// Message is one conversation turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-agnostic chat completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the text produced by the provider that answered.
type Response struct {
	Text     string
	Provider string
	Model    string
	Attempts int
}

// Provider is a single black-box chat endpoint.
type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// Factory builds a Provider for one tenant ProviderConfig.
type Factory func(cfg models.ProviderConfig) (Provider, error)

// Attempt records one failed provider call.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// ChainError is returned when every provider in the chain failed.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err))
	}
	return fmt.Sprintf("%s (%s)", ErrAllProvidersFailed, strings.Join(parts, "; "))
}

// Unwrap exposes the primary failure, so errors.Is can see through to it.
func (e *ChainError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[0].Err
}

func (e *ChainError) Is(target error) bool { return target == ErrAllProvidersFailed }

// Observer is notified of each provider attempt. Implementations must be safe
// for concurrent use.
type Observer interface {
	ProviderAttempt(provider string, d time.Duration, err error)
}

// Chain tries providers in priority order until one answers.
type Chain struct {
	factory        Factory
	observer       Observer
	logger         *slog.Logger
	attemptTimeout time.Duration
}

func NewChain(factory Factory, observer Observer, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{factory: factory, observer: observer, logger: logger}
}

// WithAttemptTimeout bounds each provider call on its own, so a hung provider
// costs at most d before the next one is tried. Zero leaves calls bounded only
// by the caller's context.
func (c *Chain) WithAttemptTimeout(d time.Duration) *Chain {
	c.attemptTimeout = d
	return c
}

// Ordered keeps enabled providers with a non-empty key, sorted by ascending
// priority. Ties keep their configured order.
func Ordered(cfgs []models.ProviderConfig) []models.ProviderConfig {
	out := make([]models.ProviderConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Enabled && strings.TrimSpace(c.APIKey) != "" {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Chat runs req against the tenant's providers. It returns ErrNoProviders when
// none qualify and a *ChainError listing the providers actually called when
// all of them fail. Cancelling ctx stops the chain before the next provider.
func (c *Chain) Chat(ctx context.Context, providers []models.ProviderConfig, req Request) (Response, error) {
	ordered := Ordered(providers)
	if len(ordered) == 0 {
		return Response{}, ErrNoProviders
	}

	var attempts []Attempt
	for _, cfg := range ordered {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		text, err := c.call(ctx, cfg, req)
		if c.observer != nil {
			c.observer.ProviderAttempt(cfg.Provider, time.Since(start), err)
		}
		if err == nil {
			return Response{Text: text, Provider: cfg.Provider, Model: cfg.Model, Attempts: len(attempts) + 1}, nil
		}
		c.logger.Warn("llm provider failed, trying next",
			"provider", cfg.Provider,
			"model", cfg.Model,
			"err", err,
		)
		attempts = append(attempts, Attempt{Provider: cfg.Provider, Model: cfg.Model, Err: err})
	}
	if len(attempts) == 0 {
		return Response{}, fmt.Errorf("llm chain: %w", ctx.Err())
	}
	return Response{}, &ChainError{Attempts: attempts}
}

func (c *Chain) call(ctx context.Context, cfg models.ProviderConfig, req Request) (string, error) {
	p, err := c.factory(cfg)
	if err != nil {
		return "", err
	}
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	text, err := p.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}
