package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/rpc"
)

// DefaultTimeout bounds every call that has no earlier deadline.
const DefaultTimeout = 5 * time.Second

// Client connects to a hivegate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	client  *rpc.GatewayClient
	timeout time.Duration
}

// New creates a gRPC client for the given address. The connection is
// established lazily on the first call.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	return &Client{conn: conn, client: rpc.NewGatewayClient(conn), timeout: DefaultTimeout}, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Submit sends a signed command for a decision.
func (c *Client) Submit(ctx context.Context, cmd *model.Command) (*gateway.Result, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Submit(ctx, &rpc.SubmitRequest{Command: *cmd})
}

// Check dry-runs a command. Fail-closed: an unreachable gateway yields a
// Deny, never an Allow.
func (c *Client) Check(ctx context.Context, cmd *model.Command) (*gateway.Result, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := c.client.Check(ctx, &rpc.SubmitRequest{Command: *cmd})
	if err != nil {
		return &gateway.Result{
			Verdict: model.Deny,
			Reason:  model.ReasonInternal,
			Message: fmt.Sprintf("gateway unreachable: %v", err),
		}, nil
	}
	return res, nil
}

// Resolve sends an operator's signed resolution.
func (c *Client) Resolve(ctx context.Context, r confirm.Resolution) (*gateway.Result, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Resolve(ctx, &rpc.ResolveRequest{
		ConfirmationID: r.ConfirmationID,
		Approve:        r.Approve,
		OperatorID:     r.OperatorID,
		Signature:      r.Signature,
	})
}

// ListPending returns confirmations awaiting an operator; all=true
// includes resolved ones.
func (c *Client) ListPending(ctx context.Context, all bool) ([]*confirm.Confirmation, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.client.ListPending(ctx, &rpc.ListPendingRequest{All: all})
	if err != nil {
		return nil, err
	}
	return resp.Confirmations, nil
}

// Receipts exports receipts matching the filter.
func (c *Client) Receipts(ctx context.Context, req *rpc.ReceiptsRequest) ([]*receipt.Receipt, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.client.Receipts(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Receipts, nil
}

// VerifyChain asks the gateway to re-verify [from, to]; to == 0 is the tail.
func (c *Client) VerifyChain(ctx context.Context, from, to uint64) (*rpc.VerifyChainResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.VerifyChain(ctx, &rpc.VerifyChainRequest{From: from, To: to})
}

// MerkleRoot returns the root over receipts in [from, to).
func (c *Client) MerkleRoot(ctx context.Context, from, to time.Time) (*rpc.MerkleRootResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.MerkleRoot(ctx, &rpc.MerkleRootRequest{From: from, To: to})
}

// Proof returns the inclusion proof of a sealed receipt.
func (c *Client) Proof(ctx context.Context, id uint64) (*rpc.ProofResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Proof(ctx, &rpc.ProofRequest{ReceiptID: id})
}

// SetOverride installs a temporary override. value is parsed as YAML.
func (c *Client) SetOverride(ctx context.Context, rule, value string, d time.Duration, reason, setBy string) (*policy.TemporaryOverride, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.SetOverride(ctx, &rpc.SetOverrideRequest{
		Rule:     rule,
		Value:    value,
		Duration: d.String(),
		Reason:   reason,
		SetBy:    setBy,
	})
}

// ClearOverride removes the temporary override for rule.
func (c *Client) ClearOverride(ctx context.Context, rule string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	_, err := c.client.ClearOverride(ctx, &rpc.ClearOverrideRequest{Rule: rule})
	return err
}

// ListOverrides returns the temporary overrides.
func (c *Client) ListOverrides(ctx context.Context) ([]policy.TemporaryOverride, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.client.ListOverrides(ctx, &rpc.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Overrides, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
