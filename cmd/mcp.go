package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Xinyu/server/internal/mcp"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func mcpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the narrative tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(*configPath)
		},
	}
}

func runMCP(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs stay on stderr.
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(a.services.Engine, a.services.Snapshots, version, logger)
	return server.Run(ctx, &sdk.StdioTransport{})
}
