package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/model"
)

var checkFormat string

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(submitCmd)
	for _, c := range []*cobra.Command{checkCmd, submitCmd} {
		c.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	}
}

var checkCmd = &cobra.Command{
	Use:   "check <command.json>",
	Short: "Dry-run a signed command",
	Long: "Sends a signed command to the gateway for evaluation without consuming\n" +
		"its nonce, reserving budget or writing a receipt. Use - to read stdin.\n\n" +
		"Exit code 0 on allow or pending, 1 on deny.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], true)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <command.json>",
	Short: "Submit a signed command for a decision",
	Long:  "Submits a signed command. The decision is recorded in the receipt ledger.\nUse - to read stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], false)
	},
}

func readCommand(path string) (*model.Command, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var c model.Command
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	return &c, nil
}

func runDecide(path string, dryRun bool) error {
	c, err := readCommand(path)
	if err != nil {
		return err
	}
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	var res *gateway.Result
	if dryRun {
		res, err = gw.Check(context.Background(), c)
	} else {
		res, err = gw.Submit(context.Background(), c)
	}
	if res != nil {
		printResult(res)
	}
	if err != nil {
		return err
	}
	if res.Verdict == model.Deny {
		os.Exit(1)
	}
	return nil
}

func printResult(res *gateway.Result) {
	if checkFormat == "json" {
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Printf("verdict:   %s\n", res.Verdict)
	if res.Reason != "" {
		fmt.Printf("reason:    %s (step %s)\n", res.Reason, res.Step)
	}
	if res.Resource != "" {
		fmt.Printf("resource:  %s\n", res.Resource)
	}
	if res.Message != "" {
		fmt.Printf("message:   %s\n", res.Message)
	}
	fmt.Printf("danger:    %d\n", res.Danger)
	if res.Settlement != "" {
		fmt.Printf("settled:   %s\n", res.Settlement)
	}
	if res.ConfirmationID != "" {
		fmt.Printf("confirm:   %s", res.ConfirmationID)
		if res.ExpiresAt != nil {
			fmt.Printf(" (expires %s)", res.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
		}
		fmt.Println()
	}
	if res.ReceiptID != 0 {
		fmt.Printf("receipt:   #%d %s\n", res.ReceiptID, res.ReceiptHash)
	}
}
