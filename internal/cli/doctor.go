package cli

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/client"
	"github.com/ppiankov/hivegate/internal/config"
	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/systemd"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, policy, keys and the receipt chain",
	Long: "Validates the config file and policy document, checks the node key\n" +
		"and operator keys, verifies the stored receipt chain offline and\n" +
		"pings the running gateway.",
	RunE: runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := doctorChecks(context.Background(), configPath)

	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

// doctorChecks stops at the first check later ones depend on.
func doctorChecks(ctx context.Context, path string) []checkResult {
	var checks []checkResult

	if _, err := os.Stat(path); err != nil {
		checks = append(checks, checkResult{label: "config file", detail: "missing (using defaults)", ok: true})
	}
	cfg, err := config.Load(path)
	if err != nil {
		return append(checks, checkResult{label: "config", detail: err.Error(), fix: "edit " + path})
	}
	checks = append(checks, checkResult{label: "config", ok: true, detail: path})

	doc, hash, err := policy.LoadDocument(cfg.PolicyPath)
	if err != nil {
		return append(checks, checkResult{label: "policy", detail: err.Error(), fix: "edit " + cfg.PolicyPath})
	}
	checks = append(checks, checkResult{
		label:  "policy",
		ok:     true,
		detail: fmt.Sprintf("preset %s, %d grants (%s)", doc.Preset, len(doc.Grants), hash[:19]),
	})
	if len(doc.Grants) == 0 {
		checks = append(checks, checkResult{label: "grants", detail: "none: every command will be denied", fix: "add grants to " + cfg.PolicyPath})
	}

	node, err := cfg.NodeSigner()
	if err != nil {
		return append(checks, checkResult{label: "node key", detail: err.Error(), fix: "hivegate init"})
	}
	checks = append(checks, checkResult{label: "node key", ok: true, detail: fmt.Sprintf("%x", node.PublicKey())})

	if _, err := confirm.NewAuthenticator(cfg.Operators); err != nil {
		checks = append(checks, checkResult{label: "operators", detail: err.Error(), fix: "edit operators in " + path})
	} else if len(cfg.Operators) == 0 {
		checks = append(checks, checkResult{label: "operators", detail: "none: pending commands can only expire", fix: "add operators to " + path})
	} else {
		checks = append(checks, checkResult{label: "operators", ok: true, detail: fmt.Sprintf("%d configured", len(cfg.Operators))})
	}

	if msg := systemd.CheckUnitFileIntegrity(systemd.UnitPath, systemd.HashPath(cfg.DataDir)); msg != "" {
		checks = append(checks, checkResult{label: "service unit", detail: msg, fix: "hivegate init --mode system --install-systemd --force"})
	}

	checks = append(checks, chainCheck(ctx, cfg, node.PublicKey()))
	checks = append(checks, gatewayCheck(ctx, cfg))
	return checks
}

func chainCheck(ctx context.Context, cfg config.Config, nodeKey ed25519.PublicKey) checkResult {
	if cfg.Database == config.Memory {
		return checkResult{label: "receipt chain", ok: true, detail: "in-memory database, nothing to verify"}
	}
	st, err := openStores(cfg)
	if err != nil {
		return checkResult{label: "receipt chain", detail: err.Error()}
	}
	defer st.close()

	ledger, err := receipt.Open(ctx, receipt.Options{Store: st.receipts})
	if err != nil {
		return checkResult{label: "receipt chain", detail: err.Error()}
	}
	res, err := ledger.VerifyChain(ctx, 0, 0, receipt.VerifyOptions{NodeKey: nodeKey})
	if err != nil {
		return checkResult{label: "receipt chain", detail: err.Error()}
	}
	if !res.Valid {
		return checkResult{label: "receipt chain", detail: fmt.Sprintf("broken at receipt %d: %s", res.BrokenAt, res.Error)}
	}
	return checkResult{label: "receipt chain", ok: true, detail: fmt.Sprintf("%d receipts verified", res.Checked)}
}

func gatewayCheck(ctx context.Context, cfg config.Config) checkResult {
	addr := gatewayAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	gw, err := client.New(addr)
	if err != nil {
		return checkResult{label: "gateway", detail: err.Error()}
	}
	defer gw.Close()
	if _, err := gw.ListPending(ctx, false); err != nil {
		return checkResult{label: "gateway", detail: "unreachable at " + addr, fix: "hivegate serve"}
	}
	return checkResult{label: "gateway", ok: true, detail: "serving on " + addr}
}
