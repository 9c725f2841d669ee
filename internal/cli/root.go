// Package cli implements the pharosctl commands.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// ServerEnv overrides the default API address.
const ServerEnv = "PHAROS_SERVER"

// TokenEnv supplies the API bearer token.
const TokenEnv = "PHAROS_TOKEN"

const defaultServer = "http://localhost:8080"

// NewRootCommand creates the root pharosctl command.
func NewRootCommand() *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "pharosctl",
		Short: "Submit and watch Pharos automation tasks",
		Long: `pharosctl talks to a running pharosd.

It submits automation jobs, reports their status and follows a task's
live log stream with colored levels.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&server, "server", serverFromEnv(), "pharosd base URL (env "+ServerEnv+")")

	cmd.PersistentFlags().StringVar(&token, "token", "", "API bearer token (env "+TokenEnv+")")

	client := func() *Client {
		if token == "" {
			token = os.Getenv(TokenEnv)
		}
		return NewClient(server).WithToken(token)
	}
	cmd.AddCommand(NewWatchCommand(client))
	cmd.AddCommand(NewSubmitCommand(client))
	cmd.AddCommand(NewStatusCommand(client))
	return cmd
}

func serverFromEnv() string {
	if v := strings.TrimSpace(os.Getenv(ServerEnv)); v != "" {
		return v
	}
	return defaultServer
}
