package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"company-intel/internal/llm"
	"company-intel/internal/models"
	"company-intel/internal/store"
)

func (a *app) llmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Manage tenant LLM provider settings",
	}

	var tenant, cfgPath string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace a tenant's provider chain from a JSON document",
		Long: `Reads {"providers":[{"provider":"openai","model":"gpt-5-mini","apiKey":"...","enabled":true,"priority":1}]}
and stores it encrypted. Providers are tried in ascending priority order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			var settings models.LLMSettings
			if err := json.Unmarshal(raw, &settings); err != nil {
				return fmt.Errorf("decode settings: %w", err)
			}
			if err := validateSettings(settings); err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				if err := st.SaveLLMSettings(cmd.Context(), tenant, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d providers for %s\n", len(settings.Providers), tenant)
				return nil
			})
		},
	}
	set.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	set.Flags().StringVarP(&cfgPath, "config", "c", "-", "Path to the JSON settings, - for stdin")
	_ = set.MarkFlagRequired("tenant")

	var showTenant string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective provider chain with keys masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				chain, err := st.ProviderChain(cmd.Context(), showTenant)
				if err != nil {
					return err
				}
				if len(chain) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no enabled providers")
					return nil
				}
				for i, p := range chain {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s %s key=%s\n", i+1, p.Provider, p.Model, maskKey(p.APIKey))
				}
				return nil
			})
		},
	}
	show.Flags().StringVarP(&showTenant, "tenant", "t", "", "Tenant id")
	_ = show.MarkFlagRequired("tenant")

	cmd.AddCommand(set, show)
	return cmd
}

func validateSettings(s models.LLMSettings) error {
	for i, p := range s.Providers {
		switch strings.ToLower(p.Provider) {
		case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini:
		default:
			return fmt.Errorf("providers[%d]: unknown provider %q", i, p.Provider)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("providers[%d]: model is required", i)
		}
		if p.Enabled && p.APIKey == "" {
			return fmt.Errorf("providers[%d]: enabled provider needs an apiKey", i)
		}
	}
	return nil
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}

func (a *app) slackWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack-workspace",
		Short: "Manage Slack installations",
	}

	var ws store.SlackWorkspace
	add := &cobra.Command{
		Use:   "add",
		Short: "Map a Slack team to a tenant and store its bot token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ws.BotToken == "" {
				ws.BotToken = os.Getenv("SLACK_BOT_TOKEN")
			}
			switch {
			case ws.TeamID == "" || ws.TenantID == "":
				return errors.New("--team and --tenant are required")
			case !strings.HasPrefix(ws.BotToken, "xoxb-"):
				return errors.New("bot token must start with xoxb- (flag --token or SLACK_BOT_TOKEN)")
			}
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				if err := st.SaveSlackWorkspace(cmd.Context(), ws); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "slack team %s mapped to %s\n", ws.TeamID, ws.TenantID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&ws.TeamID, "team", "", "Slack team id")
	add.Flags().StringVarP(&ws.TenantID, "tenant", "t", "", "Tenant id")
	add.Flags().StringVar(&ws.BotUserID, "bot-user", "", "Bot user id, stripped from mentions")
	add.Flags().StringVar(&ws.BotToken, "token", "", "Bot token")

	cmd.AddCommand(add)
	return cmd
}
