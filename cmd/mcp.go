package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amq-cli/amq/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients inspect and manage amq sessions. Configure with:

  {
    "mcpServers": {
      "amq": { "command": "amq", "args": ["mcp"] }
    }
  }

Available tools: amq_list_sessions, amq_session_status,
amq_cleanup_sessions, amq_dispatch_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, err := buildCoordinator(false)
		if err != nil {
			return err
		}
		hist, err := getHistory()
		if err != nil {
			ui.Warning("dispatch history disabled: %v", err)
			hist = nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return mcp.NewServer(coord, hist).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
