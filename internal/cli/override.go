package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	overrideDuration time.Duration
	overrideReason   string
)

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideSetCmd, overrideClearCmd, overrideListCmd)
	overrideSetCmd.Flags().DurationVar(&overrideDuration, "duration", time.Hour, "How long the override lasts (max 168h)")
	overrideSetCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the override is needed")
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage temporary policy overrides",
	Long:  "Temporary overrides replace one rule value until they expire.\nThey take precedence over the policy document and its preset.",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set <rule> <value>",
	Short: "Set a temporary override",
	Long:  "Sets rule to value for --duration. The value is YAML: 25, 12.5, [a, b].",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverrideSet,
}

var overrideClearCmd = &cobra.Command{
	Use:   "clear <rule>",
	Short: "Remove a temporary override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideClear,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active temporary overrides",
	RunE:  runOverrideList,
}

func runOverrideSet(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	setBy := os.Getenv("USER")
	o, err := gw.SetOverride(context.Background(), args[0], args[1], overrideDuration, overrideReason, setBy)
	if err != nil {
		return err
	}
	fmt.Printf("Override %s = %v until %s\n", o.Rule, o.Value, o.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func runOverrideClear(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.ClearOverride(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleared override %s\n", args[0])
	return nil
}

func runOverrideList(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	list, err := gw.ListOverrides(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No active overrides.")
		return nil
	}
	fmt.Printf("%-28s %-12s %-20s %-12s %s\n", "RULE", "VALUE", "EXPIRES", "SET BY", "REASON")
	for _, o := range list {
		fmt.Printf("%-28s %-12v %-20s %-12s %s\n",
			o.Rule,
			o.Value,
			o.ExpiresAt.Local().Format("2006-01-02 15:04:05"),
			truncate(o.SetBy, 12),
			o.Reason,
		)
	}
	return nil
}
