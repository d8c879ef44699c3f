package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"company-intel/internal/result"
)

// SlackConfig is the decrypted configuration of a Slack search connector.
type SlackConfig struct {
	BotToken          string   `json:"botToken"`
	SigningSecret     string   `json:"signingSecret"`
	AllowedChannels   []string `json:"allowedChannels"`
	MaxHistoryResults int      `json:"maxHistoryResults"`
	APIBase           string   `json:"apiBase,omitempty"`
}

// Validate applies defaults and checks field rules.
func (c *SlackConfig) Validate() error {
	if c.MaxHistoryResults == 0 {
		c.MaxHistoryResults = 20
	}
	if c.APIBase == "" {
		c.APIBase = "https://slack.com/api"
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	switch {
	case !strings.HasPrefix(c.BotToken, "xoxb-"):
		return invalid("botToken must start with xoxb-")
	case c.SigningSecret == "":
		return invalid("signingSecret is required")
	case c.MaxHistoryResults < 1 || c.MaxHistoryResults > 200:
		return invalid("maxHistoryResults must be between 1 and 200")
	case !validURL(c.APIBase):
		return invalid("apiBase must be an absolute URL")
	}
	return nil
}

type slackConnector struct {
	httpBase
	cfg SlackConfig
	api *slack.Client
}

func newSlack(cfg SlackConfig, opts Options) (*slackConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := newHTTPBase(opts, 0)
	api := slack.New(cfg.BotToken,
		slack.OptionAPIURL(cfg.APIBase+"/"),
		slack.OptionHTTPClient(base.client),
	)
	return &slackConnector{httpBase: base, cfg: cfg, api: api}, nil
}

func (s *slackConnector) Type() Type { return TypeSlack }

func (s *slackConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth.test failed: %w", err)
	}
	return nil
}

func (s *slackConnector) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	params := slack.SearchParameters{
		Sort:          "timestamp",
		SortDirection: "desc",
		Count:         s.cfg.MaxHistoryResults,
		Page:          1,
	}
	found, err := s.api.SearchMessagesContext(ctx, query, params)
	if err != nil {
		opts := result.Options{Duration: time.Since(start)}
		var sce slack.StatusCodeError
		if errors.As(err, &sce) {
			opts.Code = strconv.Itoa(sce.Code)
		}
		return result.Err(string(TypeSlack), "Slack search failed: "+err.Error(), opts)
	}

	items := make([]result.Item, 0, len(found.Matches))
	for _, m := range found.Matches {
		if !s.channelAllowed(m.Channel.Name) {
			continue
		}
		ts := slackTimestamp(m.Timestamp)
		items = append(items, result.Item{
			Label:     fmt.Sprintf("#%s @ %s", m.Channel.Name, ts),
			Summary:   m.Text,
			Data:      map[string]any{"channel": m.Channel.Name, "channel_id": m.Channel.ID, "user": nonEmpty(m.Username, m.User), "ts": m.Timestamp},
			Timestamp: ts,
			URL:       m.Permalink,
		})
	}
	var total *int
	if found.Total > len(items) && len(s.cfg.AllowedChannels) == 0 {
		total = &found.Total
	}
	return result.OK(string(TypeSlack), items, result.Options{TotalCount: total, Duration: time.Since(start)})
}

func (s *slackConnector) channelAllowed(name string) bool {
	if len(s.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, c := range s.cfg.AllowedChannels {
		if strings.TrimPrefix(c, "#") == name {
			return true
		}
	}
	return false
}

// slackTimestamp converts a Slack "seconds.micros" ts into RFC 3339.
func slackTimestamp(ts string) string {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ""
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

func nonEmpty(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
