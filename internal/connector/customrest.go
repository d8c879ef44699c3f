package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"company-intel/internal/result"
)

// CustomRESTConfig points the connector at an arbitrary JSON search endpoint.
type CustomRESTConfig struct {
	Name       string            `json:"name"`
	BaseURL    string            `json:"baseUrl"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	QueryParam string            `json:"queryParam"`
	TimeoutMs  int               `json:"timeoutMs"`
}

const customSummaryLimit = 500

// Validate applies defaults and checks field rules.
func (c *CustomRESTConfig) Validate() error {
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.QueryParam == "" {
		c.QueryParam = "q"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 8000
	}
	switch {
	case strings.TrimSpace(c.Name) == "":
		return invalid("name is required")
	case !validURL(c.BaseURL):
		return invalid("baseUrl must be a valid URL")
	case c.Method != http.MethodGet && c.Method != http.MethodPost:
		return invalid("method must be GET or POST")
	case c.TimeoutMs < 500 || c.TimeoutMs > 30000:
		return invalid("timeoutMs must be between 500 and 30000")
	}
	return nil
}

type customRESTConnector struct {
	httpBase
	cfg CustomRESTConfig
}

func newCustomREST(cfg CustomRESTConfig, opts Options) (*customRESTConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &customRESTConnector{httpBase: newHTTPBase(opts, cfg.TimeoutMs), cfg: cfg}, nil
}

func (c *customRESTConnector) Type() Type { return TypeCustomREST }

func (c *customRESTConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	status, err := c.call(ctx, "test", nil)
	if err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	if status >= 500 {
		return fmt.Errorf("%s: server error %d", c.cfg.Name, status)
	}
	return nil
}

func (c *customRESTConnector) call(ctx context.Context, query string, out any) (int, error) {
	if c.cfg.Method == http.MethodPost {
		return c.do(ctx, http.MethodPost, c.cfg.BaseURL, c.cfg.Headers, map[string]string{c.cfg.QueryParam: query}, out)
	}
	sep := "?"
	if strings.Contains(c.cfg.BaseURL, "?") {
		sep = "&"
	}
	u := c.cfg.BaseURL + sep + url.QueryEscape(c.cfg.QueryParam) + "=" + url.QueryEscape(query)
	return c.do(ctx, http.MethodGet, u, c.cfg.Headers, nil, out)
}

func (c *customRESTConnector) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body json.RawMessage
	status, err := c.call(ctx, query, &body)
	if err != nil {
		return result.Err(string(TypeCustomREST), err.Error(), result.Options{Duration: time.Since(start)})
	}
	if status < 200 || status >= 300 {
		return result.Err(string(TypeCustomREST), fmt.Sprintf("%s returned HTTP %d", c.cfg.Name, status), result.Options{
			Code:     strconv.Itoa(status),
			Duration: time.Since(start),
		})
	}

	records := extractRecords(body)
	items := make([]result.Item, 0, len(records))
	for i, rec := range records {
		items = append(items, customItem(i, rec))
	}
	return result.OK(string(TypeCustomREST), items, result.Options{Duration: time.Since(start)})
}

// extractRecords accepts a top-level array or an object carrying the array
// under "results" or "data".
func extractRecords(body json.RawMessage) []json.RawMessage {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	for _, key := range []string{"results", "data"} {
		if raw, ok := obj[key]; ok {
			if err := json.Unmarshal(raw, &arr); err == nil {
				return arr
			}
		}
	}
	return nil
}

func customItem(i int, rec json.RawMessage) result.Item {
	var fields map[string]any
	_ = json.Unmarshal(rec, &fields)

	label := firstString(fields, "name", "title", "label")
	if label == "" {
		label = fmt.Sprintf("Result %d", i+1)
	}
	summary := firstString(fields, "description", "summary")
	if summary == "" {
		summary = string(rec)
	}
	if r := []rune(summary); len(r) > customSummaryLimit {
		summary = string(r[:customSummaryLimit])
	}
	return result.Item{
		Label:     label,
		Summary:   summary,
		Data:      fields,
		Timestamp: firstString(fields, "timestamp", "createdAt", "updatedAt"),
		URL:       firstString(fields, "url"),
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}
