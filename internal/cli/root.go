package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/client"
	"github.com/ppiankov/hivegate/internal/config"
)

var (
	configPath  string
	gatewayAddr string
)

var rootCmd = &cobra.Command{
	Use:   "hivegate",
	Short: "Authorization and settlement gateway for Lightning node management",
	Long: "Verifies signed management commands from advisors, checks payment and policy,\n" +
		"holds risky commands for an operator and records every decision in a\n" +
		"hash-chained receipt ledger.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "", "Gateway address (default: listen_addr from config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// dial connects to the running gateway named by --addr or the config file.
func dial() (*client.Client, error) {
	addr := gatewayAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.ListenAddr
	}
	return client.New(addr)
}
