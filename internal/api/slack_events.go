package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"company-intel/internal/models"
	"company-intel/internal/store"
)

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	TeamID    string     `json:"team_id"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
	TS       string `json:"ts"`
	BotID    string `json:"bot_id"`
}

// SlackThreadKey identifies a Slack conversation. Replies in a thread share
// the root message timestamp.
func SlackThreadKey(teamID, channel, threadTS, ts string) string {
	if threadTS == "" {
		threadTS = ts
	}
	return "slack:" + teamID + ":" + channel + ":" + threadTS
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	if secret := s.cfg.SlackSigningSecret; secret != "" {
		if err := verifySlackSignature(secret, r.Header, body); err != nil {
			s.logger.Warn("slack signature verification failed", "err", err)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	if env.Type != "event_callback" || env.Event.BotID != "" || env.Event.Type != "app_mention" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	ws, err := s.reports.SlackWorkspace(r.Context(), env.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mention from unknown slack workspace", "team_id", env.TeamID)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err != nil {
		s.internal(w, "resolve slack workspace", err)
		return
	}

	ev := env.Event
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	s.logger.Info("slack mention", "team_id", env.TeamID, "channel", ev.Channel, "event_id", env.EventID)

	if !s.allow(w, r, ws.TenantID) {
		return
	}
	s.enqueue(w, r, models.EnrichmentJob{
		TenantID:    ws.TenantID,
		ThreadKey:   SlackThreadKey(env.TeamID, ev.Channel, ev.ThreadTS, ev.TS),
		UserMessage: stripMention(ev.Text, ws.BotUserID),
		Slack: &models.SlackContext{
			TeamID:    env.TeamID,
			ChannelID: ev.Channel,
			ThreadTS:  threadTS,
			UserID:    ev.User,
			BotUserID: ws.BotUserID,
		},
		EnqueuedAt: s.now().UTC(),
	})
}

// verifySlackSignature checks the v0 request signature and rejects
// timestamps more than five minutes from now.
func verifySlackSignature(secret string, h http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(h, secret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func stripMention(text, botUserID string) string {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
	}
	return strings.TrimSpace(text)
}
