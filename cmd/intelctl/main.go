package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"company-intel/internal/config"
	"company-intel/internal/logging"
	"company-intel/internal/models"
	"company-intel/internal/queue"
	"company-intel/internal/secretbox"
	"company-intel/internal/store"
)

var Version = "dev"

// JobQueue is the producer side of the queue transport.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.EnrichmentJob) (string, bool, error)
}

// app carries process-wide dependencies. Resources are opened per command so
// commands that only touch the network never need Postgres or Redis.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	openStore func(ctx context.Context) (*store.Store, error)
	openQueue func() (JobQueue, func(), error)
}

func newApp() *app {
	cfg := config.Load()
	a := &app{cfg: cfg, logger: logging.New(cfg.LogLevel, cfg.LogFormat)}
	a.openStore = func(ctx context.Context) (*store.Store, error) {
		box, err := secretbox.New(a.cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
		return store.New(ctx, a.cfg.PostgresDSN, box)
	}
	a.openQueue = func() (JobQueue, func(), error) {
		client := queue.NewClient(a.cfg)
		return queue.NewRedisQueue(client, a.cfg), func() { _ = client.Close() }, nil
	}
	return a
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intelctl",
		Short:         "Operate the company intelligence enrichment pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(a.enqueueCmd())
	root.AddCommand(a.testConnectorCmd())
	root.AddCommand(a.connectorCmd())
	root.AddCommand(a.runsCmd())
	root.AddCommand(a.threadsCmd())
	root.AddCommand(a.llmCmd())
	root.AddCommand(a.slackWorkspaceCmd())
	return root
}

// withStore opens Postgres for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(*store.Store) error) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newApp().rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
