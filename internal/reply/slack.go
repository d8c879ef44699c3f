// Package reply posts the generated answer back into the Slack thread that
// triggered a job.
package reply

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"company-intel/internal/models"
)

const DefaultAPIBase = "https://slack.com/api"

// Slack posts messages with chat.postMessage. Each workspace has its own bot
// token, so a client is built per reply.
type Slack struct {
	client  *http.Client
	apiBase string
}

func NewSlack(client *http.Client, apiBase string) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Slack{client: client, apiBase: strings.TrimRight(apiBase, "/") + "/"}
}

// PostReply sends text into the originating thread using the workspace bot token.
func (s *Slack) PostReply(ctx context.Context, token string, dest models.SlackContext, text string) error {
	if token == "" {
		return fmt.Errorf("Slack chat.postMessage failed: no bot token for team %s", dest.TeamID)
	}
	api := slack.New(token, slack.OptionAPIURL(s.apiBase), slack.OptionHTTPClient(s.client))
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if dest.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(dest.ThreadTS))
	}
	if _, _, err := api.PostMessageContext(ctx, dest.ChannelID, opts...); err != nil {
		return fmt.Errorf("Slack chat.postMessage failed: %w", err)
	}
	return nil
}
