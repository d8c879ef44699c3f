package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"company-intel/internal/connector"
	"company-intel/internal/store"
)

// readConfig loads a connector config document from a file, or stdin for "-".
func readConfig(cmd *cobra.Command, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("config is not valid JSON")
	}
	return raw, nil
}

func (a *app) connectorOptions() connector.Options {
	return connector.Options{
		HTTPClient:     &http.Client{},
		DefaultTimeout: a.cfg.ConnectorTimeout,
	}
}

func (a *app) testConnectorCmd() *cobra.Command {
	var typ, cfgPath, query string
	cmd := &cobra.Command{
		Use:   "test-connector",
		Short: "Validate a connector config and check it can reach its source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := connector.ParseType(typ)
			if err != nil {
				return err
			}
			raw, err := readConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			c, err := connector.Build(t, raw, a.connectorOptions())
			if err != nil {
				return err
			}
			if err := c.TestConnection(cmd.Context()); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: connection ok\n", t)
			if query == "" {
				return nil
			}
			return printJSON(cmd.OutOrStdout(), c.RunEnrichment(cmd.Context(), query))
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Connector type ("+typeList()+")")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "-", "Path to the JSON config, - for stdin")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Also run an enrichment query and print the normalized result")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (a *app) connectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Manage tenant connector configs",
	}

	var tenant, typ, name, cfgPath string
	var disabled bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Validate, encrypt and store a connector config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenant == "" || name == "" {
				return errors.New("--tenant and --name are required")
			}
			t, err := connector.ParseType(typ)
			if err != nil {
				return err
			}
			raw, err := readConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			if _, err := connector.Build(t, raw, a.connectorOptions()); err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(st *store.Store) error {
				id, err := st.SaveConnector(cmd.Context(), tenant, string(t), name, raw, !disabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved connector %s\n", id)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant id")
	add.Flags().StringVar(&typ, "type", "", "Connector type ("+typeList()+")")
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVarP(&cfgPath, "config", "c", "-", "Path to the JSON config, - for stdin")
	add.Flags().BoolVar(&disabled, "disabled", false, "Store the connector disabled")
	_ = add.MarkFlagRequired("type")

	cmd.AddCommand(add)
	return cmd
}

func typeList() string {
	out := ""
	for i, t := range connector.Types {
		if i > 0 {
			out += ", "
		}
		out += string(t)
	}
	return out
}
