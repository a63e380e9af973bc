package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pendingAll bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include resolved and expired confirmations")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List confirmations waiting for an operator",
	Long:  "Shows commands held for operator confirmation with their danger score and expiry.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	list, err := gw.ListPending(context.Background(), pendingAll)
	if err != nil {
		return fmt.Errorf("failed to list confirmations: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No pending confirmations.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-38s %-18s %-20s %-28s %-6s %s\n", "ID", "STATE", "ISSUER", "SCHEMA", "DANGER", "EXPIRES")
	for _, c := range list {
		expires := c.ExpiresAt.Sub(now).Round(time.Second).String()
		if !c.ExpiresAt.After(now) {
			expires = "expired"
		}
		fmt.Printf("%-38s %-18s %-20s %-28s %-6d %s\n",
			c.ID,
			c.State,
			truncate(c.Command.Issuer, 20),
			truncate(c.Command.SchemaType, 28),
			c.Danger,
			expires,
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
