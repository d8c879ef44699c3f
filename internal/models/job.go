package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Trigger kinds recorded on a Run.
const (
	TriggerSlackMention = "slack_mention"
	TriggerAPI          = "api"
)

// SlackContext carries the origin conversation when a job was triggered from Slack.
type SlackContext struct {
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
	UserID    string `json:"user_id,omitempty"`
	BotUserID string `json:"bot_user_id,omitempty"`
}

// EnrichmentJob is the immutable queue payload that triggers one pipeline run.
type EnrichmentJob struct {
	TenantID    string            `json:"tenant_id"`
	ThreadKey   string            `json:"thread_key"`
	UserMessage string            `json:"user_message"`
	Slack       *SlackContext     `json:"slack,omitempty"`
	Origin      map[string]string `json:"origin,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// ID derives the stable job id used for queue de-duplication.
func (j EnrichmentJob) ID() string {
	return JobID(j.TenantID, j.ThreadKey)
}

// Trigger reports how the job was started.
func (j EnrichmentJob) Trigger() string {
	if j.Slack != nil {
		return TriggerSlackMention
	}
	return TriggerAPI
}

// JobID is deterministic in (tenantID, threadKey) so concurrent triggers of the
// same conversation collapse onto one queued job.
func JobID(tenantID, threadKey string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + threadKey))
	return "enrich:" + hex.EncodeToString(sum[:12])
}
