package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/rpc"
)

var (
	receiptsIssuer   string
	receiptsDecision string
	receiptsSince    time.Duration
	receiptsLimit    int
	receiptsFormat   string

	verifyFrom uint64
	verifyTo   uint64

	merkleFrom    string
	merkleTo      string
	merkleReceipt uint64
)

func init() {
	rootCmd.AddCommand(receiptsCmd)
	receiptsCmd.Flags().StringVar(&receiptsIssuer, "issuer", "", "Only receipts for this issuer")
	receiptsCmd.Flags().StringVar(&receiptsDecision, "decision", "", "Only this decision (allow|deny|pending)")
	receiptsCmd.Flags().DurationVar(&receiptsSince, "since", 0, "Only receipts newer than this (e.g. 24h)")
	receiptsCmd.Flags().IntVarP(&receiptsLimit, "lines", "n", 20, "Maximum receipts to show")
	receiptsCmd.Flags().StringVarP(&receiptsFormat, "format", "f", "text", "Output format (text|json)")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First receipt ID (default: genesis)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last receipt ID (default: head)")

	rootCmd.AddCommand(merkleCmd)
	merkleCmd.Flags().StringVar(&merkleFrom, "from", "", "Range start, RFC 3339 (default: 24h ago)")
	merkleCmd.Flags().StringVar(&merkleTo, "to", "", "Range end, RFC 3339 (default: now)")
	merkleCmd.Flags().Uint64Var(&merkleReceipt, "receipt", 0, "Print the inclusion proof for this receipt instead")
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "List decision receipts",
	Long:  "Queries the receipt ledger, newest first.",
	RunE:  runReceipts,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify receipt chain integrity",
	Long:  "Recomputes every receipt hash and checks each prev_hash link and signature.\nExits 0 if valid, 1 if the chain is broken.",
	RunE:  runVerify,
}

var merkleCmd = &cobra.Command{
	Use:   "merkle",
	Short: "Compute a merkle root over receipts, or prove one receipt",
	RunE:  runMerkle,
}

func runReceipts(cmd *cobra.Command, args []string) error {
	req := &rpc.ReceiptsRequest{
		Issuer:   receiptsIssuer,
		Decision: model.Verdict(receiptsDecision),
		Limit:    receiptsLimit,
	}
	if receiptsSince > 0 {
		from := time.Now().Add(-receiptsSince)
		req.From = &from
	}

	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	list, err := gw.Receipts(context.Background(), req)
	if err != nil {
		return err
	}
	if receiptsFormat == "json" {
		out, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	if len(list) == 0 {
		fmt.Println("No receipts.")
		return nil
	}
	fmt.Printf("%-6s %-20s %-16s %-24s %-8s %-28s %-6s %s\n", "ID", "TIME", "ISSUER", "SCHEMA", "DECISION", "REASON", "DANGER", "SETTLEMENT")
	for _, r := range list {
		fmt.Printf("%-6s %-20s %-16s %-24s %-8s %-28s %-6d %s\n",
			strconv.FormatUint(r.ID, 10),
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			truncate(r.Issuer, 16),
			truncate(r.SchemaType, 24),
			r.Decision,
			truncate(string(r.Reason), 28),
			r.Danger,
			r.Settlement,
		)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	res, err := gw.VerifyChain(context.Background(), verifyFrom, verifyTo)
	if err != nil {
		return err
	}
	if res.Halted != "" {
		fmt.Fprintf(os.Stderr, "WARNING: ledger halted: %s\n", res.Halted)
	}
	if !res.Valid {
		fmt.Fprintf(os.Stderr, "FAILED at receipt %d: %s\n", res.BrokenAt, res.Error)
		os.Exit(1)
	}
	fmt.Printf("OK: %d receipts verified (head #%d %s)\n", res.Checked, res.HeadID, res.HeadHash)
	if res.IssuerUnchecked > 0 {
		fmt.Printf("    %d issuer signatures not checked (no key on record)\n", res.IssuerUnchecked)
	}
	return nil
}

func runMerkle(cmd *cobra.Command, args []string) error {
	gw, err := dial()
	if err != nil {
		return err
	}
	defer gw.Close()

	if merkleReceipt != 0 {
		p, err := gw.Proof(context.Background(), merkleReceipt)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(p, "", "  ")
		fmt.Println(string(out))
		if !p.Valid {
			os.Exit(1)
		}
		return nil
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if merkleFrom != "" {
		if from, err = time.Parse(time.RFC3339, merkleFrom); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if merkleTo != "" {
		if to, err = time.Parse(time.RFC3339, merkleTo); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}
	res, err := gw.MerkleRoot(context.Background(), from, to)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%d receipts, %s .. %s)\n", res.Root, res.Count, from.Format(time.RFC3339), to.Format(time.RFC3339))
	return nil
}
