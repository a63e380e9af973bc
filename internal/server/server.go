package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/metrics"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/rpc"
)

// Config holds gRPC server configuration.
type Config struct {
	ListenAddr string
	PolicyPath string
}

// Server implements the hivegate.v1.Gateway gRPC service on top of a
// gateway.Gateway.
type Server struct {
	gw      *gateway.Gateway
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Recorder

	reloadMu   sync.Mutex
	grpcServer *grpc.Server
}

var _ rpc.GatewayServer = (*Server)(nil)

// New builds the gRPC front end. Logger and metrics may be nil.
func New(gw *gateway.Gateway, cfg Config, logger *zap.Logger, rec *metrics.Recorder) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{gw: gw, cfg: cfg, log: logger, metrics: rec}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.intercept))
	rpc.RegisterGatewayServer(s.grpcServer, s)
	return s
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.log.Info("gateway listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// ServeOn serves on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// ReloadPolicy re-reads the policy document and swaps it in together with
// its grant table. An invalid document leaves the previous one in force.
// Called by the hot-reloader on file change.
func (s *Server) ReloadPolicy() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	doc, hash, err := policy.LoadDocument(s.cfg.PolicyPath)
	if err != nil {
		s.metrics.ObservePolicyReload("error")
		return fmt.Errorf("failed to reload policy: %w", err)
	}
	if err := s.gw.Engine().SetDocument(doc, hash); err != nil {
		s.metrics.ObservePolicyReload("error")
		return fmt.Errorf("failed to apply policy: %w", err)
	}
	s.gw.Verifier().Grants().Replace(doc.Grants)
	s.metrics.ObservePolicyReload("ok")
	s.log.Info("policy reloaded",
		zap.String("policy_hash", hash),
		zap.String("preset", doc.Preset),
		zap.Int("grants", len(doc.Grants)))
	return nil
}

// intercept maps domain errors to status codes and logs every call.
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	err = toStatus(err)
	s.log.Debug("rpc",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("took", time.Since(start)))
	return resp, err
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, confirm.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, confirm.ErrNotFound), errors.Is(err, receipt.ErrNotFound),
		errors.Is(err, policy.ErrOverrideNotFound), errors.Is(err, escrow.ErrLockNotFound):
		code = codes.NotFound
	case errors.Is(err, confirm.ErrAlreadyResolved), errors.Is(err, confirm.ErrExpired),
		errors.Is(err, gateway.ErrAlreadyRecorded):
		code = codes.FailedPrecondition
	case errors.Is(err, gateway.ErrInFlight), errors.Is(err, gateway.ErrUnsettled):
		code = codes.Aborted
	case errors.Is(err, receipt.ErrChainBroken), errors.Is(err, receipt.ErrDuplicateReceiptID):
		code = codes.DataLoss
	case errors.Is(err, policy.ErrUnknownRule), errors.Is(err, policy.ErrInvalidRuleValue),
		errors.Is(err, policy.ErrOverrideDuration), errors.Is(err, errInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, credential.ErrIdentityUnavailable), errors.Is(err, context.DeadlineExceeded):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

var errInvalidArgument = errors.New("invalid argument")

// Submit runs a command through the pipeline. An Allow that failed to
// settle returns Aborted naming the receipt.
func (s *Server) Submit(ctx context.Context, req *rpc.SubmitRequest) (*rpc.Result, error) {
	res, err := s.gw.Submit(ctx, &req.Command)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("receipt %d: %w", res.ReceiptID, err)
		}
		return nil, err
	}
	return res, nil
}

// Check dry-runs a command.
func (s *Server) Check(ctx context.Context, req *rpc.SubmitRequest) (*rpc.Result, error) {
	return s.gw.Check(ctx, &req.Command)
}

// Resolve applies an operator's signed resolution.
func (s *Server) Resolve(ctx context.Context, req *rpc.ResolveRequest) (*rpc.Result, error) {
	if req.ConfirmationID == "" {
		return nil, fmt.Errorf("%w: confirmation_id is required", errInvalidArgument)
	}
	res, err := s.gw.Resolve(ctx, req.Resolution())
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("receipt %d: %w", res.ReceiptID, err)
		}
		return nil, err
	}
	return res, nil
}

// ListPending lists confirmations awaiting an operator, or all of them.
func (s *Server) ListPending(ctx context.Context, req *rpc.ListPendingRequest) (*rpc.ListPendingResponse, error) {
	var (
		list []*confirm.Confirmation
		err  error
	)
	if req.All {
		list, err = s.gw.Confirmations().List()
	} else {
		list, err = s.gw.Confirmations().Pending()
	}
	if err != nil {
		return nil, err
	}
	return &rpc.ListPendingResponse{Confirmations: list}, nil
}

// Receipts exports receipts matching the filter.
func (s *Server) Receipts(ctx context.Context, req *rpc.ReceiptsRequest) (*rpc.ReceiptsResponse, error) {
	list, err := s.gw.Receipts().Query(ctx, req.Query())
	if err != nil {
		return nil, err
	}
	return &rpc.ReceiptsResponse{Receipts: list}, nil
}

// VerifyChain re-verifies the chain over [from, to].
func (s *Server) VerifyChain(ctx context.Context, req *rpc.VerifyChainRequest) (*rpc.VerifyChainResponse, error) {
	res, err := s.gw.Receipts().VerifyChain(ctx, req.From, req.To, s.gw.VerifyOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	out := &rpc.VerifyChainResponse{VerifyResult: res}
	out.HeadID, out.HeadHash = s.gw.Receipts().Head()
	if h := s.gw.Receipts().Halted(); h != nil {
		out.Halted = h.Error()
	}
	return out, nil
}

// MerkleRoot computes the root over receipts in [from, to).
func (s *Server) MerkleRoot(ctx context.Context, req *rpc.MerkleRootRequest) (*rpc.MerkleRootResponse, error) {
	if !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: to is before from", errInvalidArgument)
	}
	root, n, err := s.gw.Receipts().MerkleRoot(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return &rpc.MerkleRootResponse{Root: root, Count: n}, nil
}

// Proof returns the inclusion proof of a receipt in its sealed batch.
func (s *Server) Proof(ctx context.Context, req *rpc.ProofRequest) (*rpc.ProofResponse, error) {
	p, b, err := s.gw.Receipts().Proof(ctx, req.ReceiptID)
	if err != nil {
		return nil, err
	}
	return &rpc.ProofResponse{Proof: p, Batch: b, Valid: receipt.VerifyProof(p) && p.Root == b.Root}, nil
}

// SetOverride installs a temporary rule override.
func (s *Server) SetOverride(ctx context.Context, req *rpc.SetOverrideRequest) (*rpc.Override, error) {
	value, err := policy.ParseValue(req.Value)
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		return nil, fmt.Errorf("%w: duration %q: %v", errInvalidArgument, req.Duration, err)
	}
	o, err := s.gw.Engine().Overrides().Set(req.Rule, value, d, req.Reason, req.SetBy)
	if err != nil {
		return nil, err
	}
	s.log.Info("temporary override set",
		zap.String("rule", o.Rule),
		zap.Any("value", o.Value),
		zap.Time("expires_at", o.ExpiresAt),
		zap.String("set_by", o.SetBy))
	return o, nil
}

// ClearOverride removes the temporary override for a rule.
func (s *Server) ClearOverride(ctx context.Context, req *rpc.ClearOverrideRequest) (*rpc.Empty, error) {
	if err := s.gw.Engine().Overrides().Clear(req.Rule); err != nil {
		return nil, err
	}
	s.log.Info("temporary override cleared", zap.String("rule", req.Rule))
	return &rpc.Empty{}, nil
}

// ListOverrides lists temporary overrides, including lapsed ones not yet
// pruned.
func (s *Server) ListOverrides(ctx context.Context, _ *rpc.Empty) (*rpc.ListOverridesResponse, error) {
	return &rpc.ListOverridesResponse{Overrides: s.gw.Engine().Overrides().List()}, nil
}
