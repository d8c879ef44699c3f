// Package connector adapts external data sources to the normalized result
// contract. The set of connector types is closed: Build dispatches on Type and
// rejects anything it does not know.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"company-intel/internal/result"
)

// Type identifies a connector implementation.
type Type string

const (
	TypeSlack       Type = "SLACK"
	TypeWooCommerce Type = "WOOCOMMERCE"
	TypeGmail       Type = "GMAIL"
	TypeCustomREST  Type = "CUSTOM_REST"
	TypeTrackpod    Type = "TRACKPOD"
)

// Types lists every supported connector type.
var Types = []Type{TypeSlack, TypeWooCommerce, TypeGmail, TypeCustomREST, TypeTrackpod}

var (
	// ErrUnknownType is returned by Build and ParseType for types outside Types.
	ErrUnknownType = errors.New("unknown connector type")
	// ErrInvalidConfig wraps config validation failures.
	ErrInvalidConfig = errors.New("invalid connector config")
)

// Connector is the capability every data source implements. RunEnrichment must
// not return an error: transport and parse failures come back as a failed result.
type Connector interface {
	Type() Type
	TestConnection(ctx context.Context) error
	RunEnrichment(ctx context.Context, query string) result.Result
}

// Options are process-level dependencies shared by all connectors.
type Options struct {
	HTTPClient *http.Client
	// DefaultTimeout bounds a single RunEnrichment call when the connector
	// config does not carry its own timeout.
	DefaultTimeout time.Duration
	// Limiters throttles outbound calls per connector type. Nil disables throttling.
	Limiters *Limiters
}

// ParseType normalizes s and checks it against the closed set.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Build decodes and validates raw config for t and returns the matching connector.
func Build(t Type, raw json.RawMessage, opts Options) (Connector, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}

	var (
		c   Connector
		err error
	)
	switch t {
	case TypeSlack:
		var cfg SlackConfig
		if err = decode(raw, &cfg); err == nil {
			c, err = newSlack(cfg, opts)
		}
	case TypeWooCommerce:
		var cfg WooCommerceConfig
		if err = decode(raw, &cfg); err == nil {
			c, err = newWooCommerce(cfg, opts)
		}
	case TypeGmail:
		var cfg GmailConfig
		if err = decode(raw, &cfg); err == nil {
			c, err = newGmail(cfg, opts)
		}
	case TypeCustomREST:
		var cfg CustomRESTConfig
		if err = decode(raw, &cfg); err == nil {
			c, err = newCustomREST(cfg, opts)
		}
	case TypeTrackpod:
		var cfg TrackpodConfig
		if err = decode(raw, &cfg); err == nil {
			c, err = newTrackpod(cfg, opts)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	if opts.Limiters != nil {
		c = &limited{next: c, limiter: opts.Limiters.For(t)}
	}
	return c, nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
