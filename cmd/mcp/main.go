// Command chatshield-mcp exposes the message gate to LLM agents as MCP
// tools over stdio. It talks to a running chatshield server over HTTP.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mbd888/chatshield/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := mcpserver.Config{Version: Version}

	cmd := &cobra.Command{
		Use:          "chatshield-mcp",
		Short:        "Serve chatshield tools to MCP clients on stdio",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.APIURL == "" {
				return fmt.Errorf("--api-url is required")
			}
			// stdout carries the protocol; diagnostics go to stderr.
			if cfg.AdminSecret == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "no admin secret set; list_rollups will be rejected")
			}
			return server.ServeStdio(mcpserver.NewMCPServer(cfg))
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.APIURL, "api-url", envOr("CHATSHIELD_API_URL", "http://localhost:8080"), "chatshield server base URL")
	f.StringVar(&cfg.AdminSecret, "admin-secret", os.Getenv("CHATSHIELD_ADMIN_SECRET"), "X-Admin-Secret for admin tools")
	f.StringVar(&cfg.ClientID, "client-id", envOr("CHATSHIELD_CLIENT_ID", "mcp"), "X-Client-ID sent for rate limiting")
	f.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "per-request HTTP timeout")
	f.IntVar(&cfg.Retries, "retries", 2, "extra attempts for reads that fail with 429, 502, 503 or a network error")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
