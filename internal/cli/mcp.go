package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/logging"
	gatemcp "github.com/ppiankov/hivegate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for advisor agents",
	Long: "Runs an MCP (Model Context Protocol) server over stdio, backed by the\n" +
		"running gateway. Exposes read-only tools: check, receipts, verify,\n" +
		"pending, merkle. Nothing it exposes can change node state.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	// stdout carries the protocol; logging.New writes to stderr.
	logCfg := logging.DefaultConfig()
	logCfg.Format = "console"
	logCfg.Level = "warn"
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	srv := gatemcp.New(gw, gatemcp.Config{Version: version, Logger: logger})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintln(os.Stderr, "hivegate MCP server running on stdio")
	return srv.Run(ctx)
}
