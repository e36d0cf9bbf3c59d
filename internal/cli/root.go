// Package cli implements importctl, the operator command line for the import API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		output, _ := root.PersistentFlags().GetString("output")
		if output == "json" {
			obj := map[string]any{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				obj["http_status"] = apiErr.HTTPStatus
				obj["code"] = apiErr.Code
			}
			_ = printJSON(os.Stdout, obj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func NewRootCmd() *cobra.Command {
	var (
		host      string
		principal string
		output    string
	)
	client := &Client{}

	root := &cobra.Command{
		Use:           "importctl",
		Short:         "Operate the import orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("IMPORTCTL_HOST"); v != "" {
					host = v
				}
			}
			if !cmd.Flags().Changed("principal") {
				if v := os.Getenv("IMPORTCTL_PRINCIPAL"); v != "" {
					principal = v
				}
			}
			if output != "table" && output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
			}
			*client = *NewClient(host, principal)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "API base URL")
	root.PersistentFlags().StringVar(&principal, "principal", defaultPrincipal(), "principal sent as X-Principal")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")

	root.AddCommand(
		newEnqueueCmd(client),
		newStatusCmd(client),
		newListCmd(client),
		newCancelCmd(client),
		newRollbackCmd(client),
		newAuditCmd(client),
		newLocksCmd(client),
		newSchedulesCmd(client),
	)
	return root
}

func defaultPrincipal() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "importctl"
}

func outputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
