package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"company-intel/internal/result"
)

// WooCommerceConfig is the decrypted configuration of a WooCommerce store connector.
type WooCommerceConfig struct {
	BaseURL        string `json:"baseUrl"`
	ConsumerKey    string `json:"consumerKey"`
	ConsumerSecret string `json:"consumerSecret"`
	APIVersion     string `json:"apiVersion"`
	TimeoutMs      int    `json:"timeoutMs"`
}

// Validate applies defaults and checks field rules.
func (c *WooCommerceConfig) Validate() error {
	if c.APIVersion == "" {
		c.APIVersion = "wc/v3"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 10000
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	switch {
	case !validURL(c.BaseURL):
		return invalid("baseUrl must be a valid URL, e.g. https://shop.example.com")
	case !strings.HasPrefix(c.ConsumerKey, "ck_"):
		return invalid("consumerKey must start with ck_")
	case !strings.HasPrefix(c.ConsumerSecret, "cs_"):
		return invalid("consumerSecret must start with cs_")
	case c.APIVersion != "wc/v3" && c.APIVersion != "wc/v2":
		return invalid("apiVersion must be wc/v3 or wc/v2")
	case c.TimeoutMs < 1000 || c.TimeoutMs > 30000:
		return invalid("timeoutMs must be between 1000 and 30000")
	}
	return nil
}

type wooCommerceConnector struct {
	httpBase
	cfg     WooCommerceConfig
	headers map[string]string
}

func newWooCommerce(cfg WooCommerceConfig, opts Options) (*wooCommerceConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.ConsumerKey + ":" + cfg.ConsumerSecret))
	return &wooCommerceConnector{
		httpBase: newHTTPBase(opts, cfg.TimeoutMs),
		cfg:      cfg,
		headers:  map[string]string{"Authorization": "Basic " + auth},
	}, nil
}

func (w *wooCommerceConnector) Type() Type { return TypeWooCommerce }

func (w *wooCommerceConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	status, err := w.do(ctx, http.MethodGet, fmt.Sprintf("%s/wp-json/%s/system_status", w.cfg.BaseURL, w.cfg.APIVersion), w.headers, nil, nil)
	if err != nil {
		return fmt.Errorf("woocommerce test: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("woocommerce test failed: %d %s", status, http.StatusText(status))
	}
	return nil
}

func (w *wooCommerceConnector) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var orders []struct {
		ID          int64  `json:"id"`
		Status      string `json:"status"`
		Total       string `json:"total"`
		DateCreated string `json:"date_created"`
		Billing     struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Email     string `json:"email"`
		} `json:"billing"`
	}
	u := fmt.Sprintf("%s/wp-json/%s/orders?search=%s&per_page=20", w.cfg.BaseURL, w.cfg.APIVersion, url.QueryEscape(query))
	status, err := w.do(ctx, http.MethodGet, u, w.headers, nil, &orders)
	if err != nil {
		return result.Err(string(TypeWooCommerce), err.Error(), result.Options{Duration: time.Since(start)})
	}
	if status != http.StatusOK {
		return result.Err(string(TypeWooCommerce), fmt.Sprintf("WooCommerce API error %d", status), result.Options{
			Code:     strconv.Itoa(status),
			Duration: time.Since(start),
		})
	}

	items := make([]result.Item, 0, len(orders))
	for _, o := range orders {
		items = append(items, result.Item{
			Label:   strings.TrimSpace(fmt.Sprintf("Order #%d - %s %s", o.ID, o.Billing.FirstName, o.Billing.LastName)),
			Summary: fmt.Sprintf("Status: %s, Total: %s", o.Status, o.Total),
			Data: map[string]any{
				"id":     o.ID,
				"status": o.Status,
				"total":  o.Total,
				"email":  o.Billing.Email,
			},
			Timestamp: o.DateCreated,
		})
	}
	return result.OK(string(TypeWooCommerce), items, result.Options{Duration: time.Since(start)})
}
