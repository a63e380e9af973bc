package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hivegate/internal/config"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/systemd"
)

var (
	initMode           string
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.hivegate) or system (/etc/hivegate)")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the hivegate.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config and policy files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap hivegate configuration",
	Long: `Creates the config directory with config.yaml, policy.yaml, the pending
confirmation directory and the node signing key.

User mode (default):  writes to ~/.hivegate/
System mode:          writes to /etc/hivegate/ (requires root)

With --install-systemd: installs hivegate.service running
  hivegate serve --config <dir>/config.yaml
and records its hash so doctor can detect later edits.

The node key is never overwritten, even with --force: receipts signed with
it would no longer verify.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string
	cfg := config.Default(configDir)

	if err := os.MkdirAll(cfg.PendingDir, 0o755); err != nil {
		return fmt.Errorf("create pending directory: %w", err)
	}

	configFile := filepath.Join(configDir, "config.yaml")
	content, err := defaultConfigYAML(cfg)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(configFile, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configFile)
	}

	if wrote, err := writeIfMissing(cfg.PolicyPath, policy.DefaultDocumentYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, cfg.PolicyPath)
	}

	_, statErr := os.Stat(cfg.Node.KeyFile)
	node, err := cfg.NodeSigner()
	if err != nil {
		return err
	}
	if os.IsNotExist(statErr) {
		created = append(created, cfg.Node.KeyFile)
	}

	if initInstallSystemd {
		path, err := installSystemd(configFile, cfg.DataDir)
		if err != nil {
			return err
		}
		created = append(created, path)
	}

	fmt.Println("hivegate init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Printf("Node public key: %s\n", hex.EncodeToString(node.PublicKey()))
	fmt.Println()
	fmt.Println("Next:")
	fmt.Println("  add advisor grants to policy.yaml and operator keys to config.yaml")
	fmt.Printf("  hivegate doctor --config %s\n", configFile)
	if initInstallSystemd {
		fmt.Println("  systemctl enable --now hivegate")
	} else {
		fmt.Printf("  hivegate serve --config %s\n", configFile)
	}
	return nil
}

func installSystemd(configFile, dataDir string) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("--install-systemd is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return "", fmt.Errorf("--install-systemd requires root; run with sudo")
	}
	binary, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate hivegate binary: %w", err)
	}
	content := systemd.ServeTemplate(systemd.Unit{Binary: binary, ConfigPath: configFile, DataDir: dataDir})
	if err := os.WriteFile(systemd.UnitPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write systemd unit: %w", err)
	}
	if err := systemd.RecordUnitFileHash(systemd.UnitPath, systemd.HashPath(dataDir)); err != nil {
		return "", err
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}
	return systemd.UnitPath, nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/hivegate", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".hivegate"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML(cfg config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	header := "# hivegate gateway configuration.\n" +
		"# ${VAR} references are expanded from the environment,\n" +
		"# e.g. node.signing_seed: ${HIVEGATE_NODE_SEED}.\n" +
		"#\n" +
		"# operators:\n" +
		"#   - id: alice\n" +
		"#     public_key: <hex ed25519 public key>\n\n"
	return header + string(data), nil
}
