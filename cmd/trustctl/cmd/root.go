// Package cmd implements the trustctl CLI commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	serverURL    string
	tenantID     string
	userID       string
	userRoles    []string
	outputFormat string
	debug        bool
)

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "Field access grants and audit ledger administration",
	Long: `trustctl talks to the trustd admin API.

It manages per-tenant field permission grants, resolves effective field
levels, and lists, exports and verifies the hash-chained audit ledger.

The server, principal and tenant default to TRUSTCTL_SERVER, TRUSTCTL_USER,
TRUSTCTL_ROLES and TRUSTCTL_TENANT.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("TRUSTCTL_SERVER", "http://localhost:8080"), "trustd API base URL")
	flags.StringVarP(&tenantID, "tenant", "t", os.Getenv("TRUSTCTL_TENANT"), "Tenant ID")
	flags.StringVar(&userID, "user", os.Getenv("TRUSTCTL_USER"), "Acting user ID (X-User-ID)")
	flags.StringSliceVar(&userRoles, "as-roles", splitList(os.Getenv("TRUSTCTL_ROLES")), "Admin roles presented to the server (X-User-Roles)")
	flags.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	flags.BoolVar(&debug, "debug", false, "Log API requests to stderr")
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newClient(cmd *cobra.Command) *TrustClient {
	client := NewTrustClient(serverURL, userID, userRoles)
	if debug {
		client.WithLogger(observability.NewTextLogger(observability.DebugLevel, cmd.ErrOrStderr()))
	}
	return client
}

func requireTenant() (string, error) {
	if tenantID == "" {
		return "", errors.New("--tenant is required (or set TRUSTCTL_TENANT)")
	}
	return tenantID, nil
}

// formatOutput writes data as json or yaml. It reports false for table output,
// which each command renders itself.
func formatOutput(w io.Writer, data interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}
