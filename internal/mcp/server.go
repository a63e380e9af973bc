package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/rpc"
)

// Gateway is the read-only slice of the gateway API the MCP tools expose.
// *client.Client satisfies it.
type Gateway interface {
	Check(ctx context.Context, cmd *model.Command) (*gateway.Result, error)
	ListPending(ctx context.Context, all bool) ([]*confirm.Confirmation, error)
	Receipts(ctx context.Context, req *rpc.ReceiptsRequest) ([]*receipt.Receipt, error)
	VerifyChain(ctx context.Context, from, to uint64) (*rpc.VerifyChainResponse, error)
	MerkleRoot(ctx context.Context, from, to time.Time) (*rpc.MerkleRootResponse, error)
}

// Config holds MCP server configuration.
type Config struct {
	Version string
	Logger  *zap.Logger
	Now     func() time.Time
}

// Server exposes gateway queries as MCP tools. Nothing here can change
// node state: commands are only dry-run and confirmations are only listed.
type Server struct {
	mcpServer *mcpsdk.Server
	gw        Gateway
	log       *zap.Logger
	now       func() time.Time
}

// New creates an MCP server backed by gw.
func New(gw Gateway, cfg Config) *Server {
	s := &Server{gw: gw, log: cfg.Logger, now: cfg.Now}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "hivegate", Version: version}, nil)
	s.registerTools()
	return s
}

// Run serves on the stdio transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hivegate_check",
		Description: "Dry-run a signed management command against the gateway. Reports the verdict it would get without consuming the nonce, spending budget or writing a receipt.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hivegate_receipts",
		Description: "List decision receipts, newest first, optionally filtered by issuer, decision and age.",
	}, s.handleReceipts)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hivegate_verify",
		Description: "Verify the receipt hash chain and report the first broken link, if any.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hivegate_pending",
		Description: "List confirmations waiting for an operator.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hivegate_merkle",
		Description: "Compute the merkle root over receipts in a time range.",
	}, s.handleMerkle)
}
