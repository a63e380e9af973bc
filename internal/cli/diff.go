package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two policy documents and show what changes",
	Long: "Loads two policy documents and shows the effective rule changes,\n" +
		"danger score changes and grants added, removed or changed.\n" +
		"Run it before editing the live document: the gateway reloads on save.",
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldDoc, _, err := policy.LoadDocument(args[0])
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}
	newDoc, _, err := policy.LoadDocument(args[1])
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result, err := policydiff.Diff(oldDoc, newDoc)
	if err != nil {
		return err
	}
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch diffFormat {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(policydiff.FormatText(result))
	}
	return nil
}
