package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"company-intel/internal/result"
)

// GmailConfig is the decrypted configuration of a Gmail mailbox connector.
type GmailConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	MaxResults   int    `json:"maxResults"`
	APIBase      string `json:"apiBase,omitempty"`
}

// gmailDetailLimit caps how many message headers are fetched per query.
const gmailDetailLimit = 5

// Validate applies defaults and checks field rules.
func (c *GmailConfig) Validate() error {
	if c.MaxResults == 0 {
		c.MaxResults = 10
	}
	if c.APIBase == "" {
		c.APIBase = "https://gmail.googleapis.com"
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	switch {
	case c.ClientID == "":
		return invalid("clientId is required")
	case c.ClientSecret == "":
		return invalid("clientSecret is required")
	case !validURL(c.RedirectURI):
		return invalid("redirectUri must be a valid URL")
	case c.MaxResults < 1 || c.MaxResults > 100:
		return invalid("maxResults must be between 1 and 100")
	case !validURL(c.APIBase):
		return invalid("apiBase must be an absolute URL")
	}
	return nil
}

type gmailConnector struct {
	httpBase
	cfg GmailConfig
}

func newGmail(cfg GmailConfig, opts Options) (*gmailConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &gmailConnector{httpBase: newHTTPBase(opts, 0), cfg: cfg}, nil
}

func (g *gmailConnector) Type() Type { return TypeGmail }

func (g *gmailConnector) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.cfg.AccessToken}
}

func (g *gmailConnector) TestConnection(ctx context.Context) error {
	if g.cfg.AccessToken == "" {
		return fmt.Errorf("gmail: no access token, complete the OAuth flow first")
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	status, err := g.do(ctx, http.MethodGet, g.cfg.APIBase+"/gmail/v1/users/me/profile", g.auth(), nil, nil)
	if err != nil {
		return fmt.Errorf("gmail profile: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("gmail profile failed: %d %s", status, http.StatusText(status))
	}
	return nil
}

type gmailMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Snippet  string `json:"snippet"`
	Internal string `json:"internalDate"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (g *gmailConnector) RunEnrichment(ctx context.Context, query string) result.Result {
	start := time.Now()
	if g.cfg.AccessToken == "" {
		return result.Err(string(TypeGmail), "Gmail is not authorized: missing access token", result.Options{
			Code:     "NO_TOKEN",
			Duration: time.Since(start),
		})
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	u := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=%d", g.cfg.APIBase, url.QueryEscape(query), g.cfg.MaxResults)
	status, err := g.do(ctx, http.MethodGet, u, g.auth(), nil, &list)
	if err != nil {
		return result.Err(string(TypeGmail), err.Error(), result.Options{Duration: time.Since(start)})
	}
	if status != http.StatusOK {
		return result.Err(string(TypeGmail), fmt.Sprintf("Gmail API error %d", status), result.Options{
			Code:     strconv.Itoa(status),
			Duration: time.Since(start),
		})
	}

	n := min(len(list.Messages), gmailDetailLimit)
	details := make([]gmailMessage, n)
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := list.Messages[i].ID
		eg.Go(func() error {
			mu := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=From&metadataHeaders=Date",
				g.cfg.APIBase, url.PathEscape(id))
			st, err := g.do(egCtx, http.MethodGet, mu, g.auth(), nil, &details[i])
			if err != nil {
				return err
			}
			if st != http.StatusOK {
				return fmt.Errorf("message %s: status %d", id, st)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return result.Err(string(TypeGmail), err.Error(), result.Options{Duration: time.Since(start)})
	}

	items := make([]result.Item, 0, n)
	for _, m := range details {
		subject := m.header("Subject")
		if subject == "" {
			subject = "(no subject)"
		}
		items = append(items, result.Item{
			Label:     subject,
			Summary:   m.Snippet,
			Data:      map[string]any{"id": m.ID, "from": m.header("From"), "threadId": m.ThreadID},
			Timestamp: m.header("Date"),
			URL:       "https://mail.google.com/mail/u/0/#inbox/" + m.ID,
		})
	}
	total := len(list.Messages)
	return result.OK(string(TypeGmail), items, result.Options{TotalCount: &total, Duration: time.Since(start)})
}
