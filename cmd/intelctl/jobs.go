package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"company-intel/internal/models"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		tenant, thread string
		team, channel  string
		threadTS, user string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [message]",
		Short: "Enqueue an enrichment job for a thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.TrimSpace(strings.Join(args, " "))
			if tenant == "" || thread == "" || msg == "" {
				return errors.New("--tenant, --thread and a message are required")
			}
			job := models.EnrichmentJob{
				TenantID:    tenant,
				ThreadKey:   thread,
				UserMessage: msg,
				EnqueuedAt:  time.Now().UTC(),
			}
			if team != "" || channel != "" {
				if team == "" || channel == "" || threadTS == "" {
					return errors.New("slack replies need --slack-team, --slack-channel and --slack-thread-ts")
				}
				job.Slack = &models.SlackContext{TeamID: team, ChannelID: channel, ThreadTS: threadTS, UserID: user}
			}

			q, closeQueue, err := a.openQueue()
			if err != nil {
				return err
			}
			defer closeQueue()

			id, dup, err := q.Enqueue(cmd.Context(), job)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			if dup {
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate: %s is already queued\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", id, job.Trigger())
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	cmd.Flags().StringVar(&thread, "thread", "", "Thread key")
	cmd.Flags().StringVar(&team, "slack-team", "", "Slack team id to reply in")
	cmd.Flags().StringVar(&channel, "slack-channel", "", "Slack channel id to reply in")
	cmd.Flags().StringVar(&threadTS, "slack-thread-ts", "", "Slack thread timestamp to reply in")
	cmd.Flags().StringVar(&user, "slack-user", "", "Slack user id of the asker")
	return cmd
}
