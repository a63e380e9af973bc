package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/rpc"
)

// --- Input/Output types ---

// CheckInput carries the signed command to dry-run.
type CheckInput struct {
	Command model.Command `json:"command" jsonschema:"signed management command"`
}

// CheckOutput is the verdict the command would get.
type CheckOutput struct {
	Verdict  string `json:"verdict"`
	Reason   string `json:"reason,omitempty"`
	Step     string `json:"step,omitempty"`
	Resource string `json:"resource,omitempty"`
	Message  string `json:"message,omitempty"`
	Danger   int    `json:"danger_score"`
}

// ReceiptsInput filters the receipt listing.
type ReceiptsInput struct {
	Issuer   string `json:"issuer,omitempty" jsonschema:"only receipts for this issuer"`
	Decision string `json:"decision,omitempty" jsonschema:"allow, deny or pending"`
	Since    string `json:"since,omitempty" jsonschema:"only receipts newer than this duration (e.g. 24h)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum receipts to return (default 20)"`
}

// ReceiptItem summarizes one receipt.
type ReceiptItem struct {
	ID         uint64 `json:"receipt_id"`
	Timestamp  string `json:"ts"`
	Issuer     string `json:"issuer"`
	SchemaType string `json:"schema_type"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	Danger     int    `json:"danger_score"`
	Settlement string `json:"settlement"`
	Hash       string `json:"receipt_hash"`
}

// ReceiptsOutput lists matching receipts.
type ReceiptsOutput struct {
	Receipts []ReceiptItem `json:"receipts"`
}

// VerifyInput bounds the verified range. Zero means the whole chain.
type VerifyInput struct {
	From uint64 `json:"from,omitempty" jsonschema:"first receipt ID"`
	To   uint64 `json:"to,omitempty" jsonschema:"last receipt ID"`
}

// VerifyOutput reports chain integrity.
type VerifyOutput struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Error    string `json:"error,omitempty"`
	HeadID   uint64 `json:"head_id"`
	HeadHash string `json:"head_hash"`
	Halted   string `json:"halted,omitempty"`
}

// PendingInput selects which confirmations to list.
type PendingInput struct {
	All bool `json:"all,omitempty" jsonschema:"include resolved and expired confirmations"`
}

// PendingItem describes one confirmation.
type PendingItem struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Issuer     string `json:"issuer"`
	SchemaType string `json:"schema_type"`
	Danger     int    `json:"danger_score"`
	ExpiresAt  string `json:"expires_at"`
}

// PendingOutput lists confirmations.
type PendingOutput struct {
	Confirmations []PendingItem `json:"confirmations"`
}

// MerkleInput is an RFC 3339 time range.
type MerkleInput struct {
	From string `json:"from" jsonschema:"range start (RFC 3339)"`
	To   string `json:"to" jsonschema:"range end (RFC 3339)"`
}

// MerkleOutput is the root over the range.
type MerkleOutput struct {
	Root  string `json:"merkle_root"`
	Count int    `json:"count"`
}

const defaultReceiptLimit = 20

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	cmd := input.Command
	res, err := s.gw.Check(ctx, &cmd)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	s.log.Debug("mcp check",
		zap.String("issuer", cmd.Issuer),
		zap.String("schema_type", cmd.SchemaType),
		zap.String("verdict", string(res.Verdict)))
	return nil, CheckOutput{
		Verdict:  string(res.Verdict),
		Reason:   string(res.Reason),
		Step:     string(res.Step),
		Resource: res.Resource,
		Message:  res.Message,
		Danger:   res.Danger,
	}, nil
}

func (s *Server) handleReceipts(ctx context.Context, req *mcpsdk.CallToolRequest, input ReceiptsInput) (*mcpsdk.CallToolResult, ReceiptsOutput, error) {
	q := &rpc.ReceiptsRequest{
		Issuer:   input.Issuer,
		Decision: model.Verdict(input.Decision),
		Limit:    input.Limit,
	}
	switch q.Decision {
	case "", model.Allow, model.Deny, model.Pending:
	default:
		return nil, ReceiptsOutput{}, fmt.Errorf("invalid decision %q", input.Decision)
	}
	if q.Limit <= 0 {
		q.Limit = defaultReceiptLimit
	}
	if input.Since != "" {
		d, err := time.ParseDuration(input.Since)
		if err != nil {
			return nil, ReceiptsOutput{}, fmt.Errorf("invalid since %q: %w", input.Since, err)
		}
		from := s.now().Add(-d)
		q.From = &from
	}

	list, err := s.gw.Receipts(ctx, q)
	if err != nil {
		return nil, ReceiptsOutput{}, err
	}
	items := make([]ReceiptItem, len(list))
	for i, r := range list {
		items[i] = ReceiptItem{
			ID:         r.ID,
			Timestamp:  r.Timestamp.Format(time.RFC3339),
			Issuer:     r.Issuer,
			SchemaType: r.SchemaType,
			Decision:   string(r.Decision),
			Reason:     string(r.Reason),
			Danger:     r.Danger,
			Settlement: string(r.Settlement),
			Hash:       r.Hash,
		}
	}
	return nil, ReceiptsOutput{Receipts: items}, nil
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	res, err := s.gw.VerifyChain(ctx, input.From, input.To)
	if err != nil {
		return nil, VerifyOutput{}, err
	}
	out := VerifyOutput{
		Valid:    res.Valid,
		Checked:  res.Checked,
		BrokenAt: res.BrokenAt,
		Error:    res.Error,
		HeadID:   res.HeadID,
		HeadHash: res.HeadHash,
		Halted:   res.Halted,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.gw.ListPending(ctx, input.All)
	if err != nil {
		return nil, PendingOutput{}, err
	}
	items := make([]PendingItem, len(list))
	for i, c := range list {
		items[i] = PendingItem{
			ID:         c.ID,
			State:      string(c.State),
			Issuer:     c.Command.Issuer,
			SchemaType: c.Command.SchemaType,
			Danger:     c.Danger,
			ExpiresAt:  c.ExpiresAt.Format(time.RFC3339),
		}
	}
	return nil, PendingOutput{Confirmations: items}, nil
}

func (s *Server) handleMerkle(ctx context.Context, req *mcpsdk.CallToolRequest, input MerkleInput) (*mcpsdk.CallToolResult, MerkleOutput, error) {
	from, err := time.Parse(time.RFC3339, input.From)
	if err != nil {
		return nil, MerkleOutput{}, fmt.Errorf("invalid from %q: %w", input.From, err)
	}
	to, err := time.Parse(time.RFC3339, input.To)
	if err != nil {
		return nil, MerkleOutput{}, fmt.Errorf("invalid to %q: %w", input.To, err)
	}
	res, err := s.gw.MerkleRoot(ctx, from, to)
	if err != nil {
		return nil, MerkleOutput{}, err
	}
	return nil, MerkleOutput{Root: res.Root, Count: res.Count}, nil
}
