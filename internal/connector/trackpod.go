package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"company-intel/internal/result"
)

// TrackpodConfig is the decrypted configuration of a Track-POD delivery connector.
type TrackpodConfig struct {
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl"`
	MaxResults int    `json:"maxResults"`
	TimeoutMs  int    `json:"timeoutMs"`
}

// Validate applies defaults and checks field rules.
func (c *TrackpodConfig) Validate() error {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.track-pod.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxResults == 0 {
		c.MaxResults = 20
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 10000
	}
	switch {
	case strings.TrimSpace(c.APIKey) == "":
		return invalid("apiKey is required")
	case !validURL(c.BaseURL):
		return invalid("baseUrl must be a valid URL")
	case c.MaxResults < 1 || c.MaxResults > 100:
		return invalid("maxResults must be between 1 and 100")
	case c.TimeoutMs < 1000 || c.TimeoutMs > 30000:
		return invalid("timeoutMs must be between 1000 and 30000")
	}
	return nil
}

const trackpodAuthFailed = "TrackPod authentication failed. Please check your API key."

type trackpodConnector struct {
	httpBase
	cfg TrackpodConfig
}

func newTrackpod(cfg TrackpodConfig, opts Options) (*trackpodConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &trackpodConnector{httpBase: newHTTPBase(opts, cfg.TimeoutMs), cfg: cfg}, nil
}

func (t *trackpodConnector) Type() Type { return TypeTrackpod }

func (t *trackpodConnector) headers() map[string]string {
	return map[string]string{"X-API-KEY": t.cfg.APIKey}
}

func (t *trackpodConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	status, err := t.do(ctx, http.MethodGet, t.cfg.BaseURL+"/Route?limit=1", t.headers(), nil, nil)
	if err != nil {
		return fmt.Errorf("trackpod test: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%s", trackpodAuthFailed)
	}
	if status != http.StatusOK {
		return fmt.Errorf("trackpod test failed: %d %s", status, http.StatusText(status))
	}
	return nil
}

type trackpodOrder struct {
	Number   string `json:"Number"`
	Client   string `json:"Client"`
	Address  string `json:"Address"`
	Status   string `json:"Status"`
	Date     string `json:"Date"`
	RouteCod string `json:"RouteCode"`
}

type trackpodRoute struct {
	Code      string `json:"Code"`
	Driver    string `json:"DriverName"`
	Vehicle   string `json:"Vehicle"`
	Status    string `json:"Status"`
	Date      string `json:"Date"`
	Orders    int    `json:"OrdersCount"`
	TrackLink string `json:"TrackLink"`
}

// lookup fetches one path. A 404 is a miss, not a failure.
func (t *trackpodConnector) lookup(ctx context.Context, path string, out any) (found bool, authFailed bool, err error) {
	status, err := t.do(ctx, http.MethodGet, t.cfg.BaseURL+path, t.headers(), nil, out)
	if err != nil {
		return false, false, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return false, true, nil
	case status == http.StatusNotFound:
		return false, false, nil
	case status >= 300:
		return false, false, fmt.Errorf("TrackPod API error %d", status)
	}
	return true, false, nil
}

func (t *trackpodConnector) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	q := url.PathEscape(strings.TrimSpace(query))
	var (
		order, route           = trackpodOrder{}, trackpodRoute{}
		orderFound, routeFound bool
		orderAuth, routeAuth   bool
		orderErr, routeErr     error
	)
	// Each lookup settles on its own; one failing does not discard the other.
	var eg errgroup.Group
	eg.Go(func() error {
		orderFound, orderAuth, orderErr = t.lookup(ctx, "/Order/Number/"+q, &order)
		return nil
	})
	eg.Go(func() error {
		routeFound, routeAuth, routeErr = t.lookup(ctx, "/Route/Code/"+q, &route)
		return nil
	})
	_ = eg.Wait()
	if orderAuth || routeAuth {
		return result.Err(string(TypeTrackpod), trackpodAuthFailed, result.Options{Code: "401", Duration: time.Since(start)})
	}
	if orderErr != nil && routeErr != nil {
		return result.Err(string(TypeTrackpod), orderErr.Error(), result.Options{Duration: time.Since(start)})
	}
	var partial string
	if err := errors.Join(orderErr, routeErr); err != nil {
		partial = "Partial results: " + err.Error()
	}

	var items []result.Item
	if orderFound && order.Number != "" {
		items = append(items, result.Item{
			Label:     "Order " + order.Number,
			Summary:   fmt.Sprintf("Client: %s, Status: %s, Address: %s", order.Client, order.Status, order.Address),
			Data:      map[string]any{"number": order.Number, "status": order.Status, "route": order.RouteCod},
			Timestamp: order.Date,
		})
	}
	if routeFound && route.Code != "" {
		items = append(items, result.Item{
			Label:     "Route " + route.Code,
			Summary:   fmt.Sprintf("Driver: %s, Vehicle: %s, Status: %s, Orders: %d", route.Driver, route.Vehicle, route.Status, route.Orders),
			Data:      map[string]any{"code": route.Code, "status": route.Status, "orders": route.Orders},
			Timestamp: route.Date,
			URL:       route.TrackLink,
		})
	}
	if len(items) > t.cfg.MaxResults {
		items = items[:t.cfg.MaxResults]
	}
	if len(items) == 0 {
		msg := "No orders or routes found matching the query"
		if partial != "" {
			msg = partial
		}
		return result.OK(string(TypeTrackpod), nil, result.Options{StatusMessage: msg, Duration: time.Since(start)})
	}
	return result.OK(string(TypeTrackpod), items, result.Options{StatusMessage: partial, Duration: time.Since(start)})
}
