package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"company-intel/internal/models"
)

// EnabledConnectors returns the tenant's enabled integrations with decrypted
// configs. A row that fails to decrypt is returned with DecryptErr set so the
// caller can record it as a failed step instead of aborting.
func (s *Store) EnabledConnectors(ctx context.Context, tenantID string) ([]models.ConnectorRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, type, name, encrypted_config
		FROM integration_configs
		WHERE tenant_id = $1 AND enabled
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []models.ConnectorRecord
	for rows.Next() {
		var (
			rec    models.ConnectorRecord
			sealed string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Type, &rec.Name, &sealed); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		box, err := s.sealer()
		if err != nil {
			return nil, err
		}
		plain, err := box.Open(sealed)
		if err != nil {
			rec.DecryptErr = fmt.Errorf("decrypt %s config: %w", rec.Type, err)
		} else {
			rec.Config = plain
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveConnector seals cfg and upserts it by (tenant, type, name).
func (s *Store) SaveConnector(ctx context.Context, tenantID, typ, name string, cfg json.RawMessage, enabled bool) (string, error) {
	box, err := s.sealer()
	if err != nil {
		return "", err
	}
	sealed, err := box.Seal(cfg)
	if err != nil {
		return "", fmt.Errorf("seal connector config: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO integration_configs (id, tenant_id, type, name, encrypted_config, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, type, name)
		DO UPDATE SET encrypted_config = EXCLUDED.encrypted_config, enabled = EXCLUDED.enabled, updated_at = NOW()
		RETURNING id
	`, uuid.New().String(), tenantID, typ, name, sealed, enabled).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert connector: %w", err)
	}
	return id, nil
}

// LLMSettings returns the tenant's decrypted provider settings, or the
// all-disabled defaults when none are stored.
func (s *Store) LLMSettings(ctx context.Context, tenantID string) (models.LLMSettings, error) {
	var sealed pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT encrypted_llm_settings FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !sealed.Valid) {
		return models.DefaultLLMSettings(), nil
	}
	if err != nil {
		return models.LLMSettings{}, fmt.Errorf("query llm settings: %w", err)
	}
	box, err := s.sealer()
	if err != nil {
		return models.LLMSettings{}, err
	}
	plain, err := box.Open(sealed.String)
	if err != nil {
		return models.LLMSettings{}, fmt.Errorf("decrypt llm settings: %w", err)
	}
	var settings models.LLMSettings
	if err := json.Unmarshal(plain, &settings); err != nil {
		return models.LLMSettings{}, fmt.Errorf("decode llm settings: %w", err)
	}
	return settings, nil
}

// ProviderChain returns the tenant's providers ordered by priority. Filtering
// of disabled and keyless entries is left to the chain.
func (s *Store) ProviderChain(ctx context.Context, tenantID string) ([]models.ProviderConfig, error) {
	settings, err := s.LLMSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := append([]models.ProviderConfig(nil), settings.Providers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// SaveLLMSettings seals and stores the tenant's provider settings.
func (s *Store) SaveLLMSettings(ctx context.Context, tenantID string, settings models.LLMSettings) error {
	box, err := s.sealer()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal llm settings: %w", err)
	}
	sealed, err := box.Seal(raw)
	if err != nil {
		return fmt.Errorf("seal llm settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_settings (tenant_id, encrypted_llm_settings, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET encrypted_llm_settings = EXCLUDED.encrypted_llm_settings, updated_at = NOW()
	`, tenantID, sealed)
	if err != nil {
		return fmt.Errorf("upsert llm settings: %w", err)
	}
	return nil
}

// SlackWorkspace is an installed Slack team mapped to a tenant.
type SlackWorkspace struct {
	TeamID    string
	TenantID  string
	BotUserID string
	BotToken  string
}

// SlackWorkspace looks up an installation by Slack team id and decrypts its bot token.
func (s *Store) SlackWorkspace(ctx context.Context, teamID string) (SlackWorkspace, error) {
	var (
		ws     = SlackWorkspace{TeamID: teamID}
		botID  pgtype.Text
		sealed string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, bot_user_id, encrypted_bot_token FROM slack_workspaces WHERE team_id = $1
	`, teamID).Scan(&ws.TenantID, &botID, &sealed)
	if err != nil {
		return SlackWorkspace{}, notFound(err, "slack workspace "+teamID)
	}
	ws.BotUserID = botID.String
	box, err := s.sealer()
	if err != nil {
		return SlackWorkspace{}, err
	}
	if ws.BotToken, err = box.OpenString(sealed); err != nil {
		return SlackWorkspace{}, fmt.Errorf("decrypt bot token: %w", err)
	}
	return ws, nil
}

// SlackBotToken resolves the reply credentials for a tenant's Slack team.
func (s *Store) SlackBotToken(ctx context.Context, tenantID, teamID string) (string, error) {
	ws, err := s.SlackWorkspace(ctx, teamID)
	if err != nil {
		return "", err
	}
	if ws.TenantID != tenantID {
		return "", fmt.Errorf("slack workspace %s for tenant %s: %w", teamID, tenantID, ErrNotFound)
	}
	return ws.BotToken, nil
}

// SaveSlackWorkspace seals the bot token and upserts the installation.
func (s *Store) SaveSlackWorkspace(ctx context.Context, ws SlackWorkspace) error {
	box, err := s.sealer()
	if err != nil {
		return err
	}
	sealed, err := box.SealString(ws.BotToken)
	if err != nil {
		return fmt.Errorf("seal bot token: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO slack_workspaces (team_id, tenant_id, bot_user_id, encrypted_bot_token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, bot_user_id = EXCLUDED.bot_user_id, encrypted_bot_token = EXCLUDED.encrypted_bot_token
	`, ws.TeamID, ws.TenantID, ws.BotUserID, sealed)
	if err != nil {
		return fmt.Errorf("upsert slack workspace: %w", err)
	}
	return nil
}
