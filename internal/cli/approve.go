package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/confirm"
)

// operatorSeedEnv holds the operator's hex seed when --key is not given.
const operatorSeedEnv = "HIVEGATE_OPERATOR_SEED"

var (
	operatorID      string
	operatorKeyFile string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&operatorID, "operator", "", "Operator ID as configured on the gateway (required)")
		c.Flags().StringVar(&operatorKeyFile, "key", "", "File holding the operator's hex ed25519 seed (default: $"+operatorSeedEnv+")")
		c.MarkFlagRequired("operator")
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <confirmation-id>",
	Short: "Approve a pending confirmation",
	Long:  "Signs and sends an approval. The gateway re-checks the command and settles it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <confirmation-id>",
	Short: "Reject a pending confirmation",
	Long:  "Signs and sends a rejection. The command is denied and its escrow lock refunded.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(args[0], false)
	},
}

func operatorSigner() (*canon.KeySigner, error) {
	seed := os.Getenv(operatorSeedEnv)
	if operatorKeyFile != "" {
		data, err := os.ReadFile(operatorKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read operator key: %w", err)
		}
		seed = string(data)
	}
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return nil, errors.New("no operator key: use --key or set " + operatorSeedEnv)
	}
	return canon.SignerFromSeedHex(seed)
}

func runResolve(id string, approve bool) error {
	signer, err := operatorSigner()
	if err != nil {
		return err
	}
	r := confirm.Resolution{ConfirmationID: id, Approve: approve, OperatorID: operatorID}
	if err := r.Sign(signer); err != nil {
		return err
	}

	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	res, err := gw.Resolve(context.Background(), r)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		return err
	}
	fmt.Printf("\nResolved %s\n", id)
	return nil
}
