package models

import "encoding/json"

// ProviderConfig is one LLM provider entry of a tenant's fallback chain.
type ProviderConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

// LLMSettings is the decrypted per-tenant LLM configuration blob.
type LLMSettings struct {
	Providers []ProviderConfig `json:"providers"`
}

// DefaultLLMSettings is used for tenants without stored settings. Every entry is
// disabled, so such a tenant has an empty chain until configured.
func DefaultLLMSettings() LLMSettings {
	return LLMSettings{Providers: []ProviderConfig{
		{Provider: "openai", Model: "gpt-5-mini", Enabled: false, Priority: 1},
		{Provider: "anthropic", Model: "claude-sonnet-4-6", Enabled: false, Priority: 2},
		{Provider: "gemini", Model: "gemini-2.5-flash", Enabled: false, Priority: 3},
	}}
}

// ConnectorRecord is an enabled integration as loaded from the credential store.
// Config holds the decrypted JSON document, or nil when DecryptErr is set.
type ConnectorRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"-"`
	DecryptErr error           `json:"-"`
}
