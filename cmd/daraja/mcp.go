package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tool registry over MCP stdio",
	Long: `Start an MCP (Model Context Protocol) server on stdin/stdout.
An AI assistant connecting over stdio sees run_script plus the read-only
platform tools. All tool calls run as the configured session user.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Logs go to stderr; stdout belongs to the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("DARAJA_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv, err := mcpserver.New(sc.Registry, mcpserver.Config{
		User: cfg.MCP.SessionUser(),
	}, version, logger)
	if err != nil {
		return err
	}

	return srv.ServeStdio()
}
