package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GatewayClient is the client stub for hivegate.v1.Gateway.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := FromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *GatewayClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*Result, error) {
	return invoke[SubmitRequest, Result](ctx, c.cc, MethodSubmit, in, opts...)
}

func (c *GatewayClient) Check(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*Result, error) {
	return invoke[SubmitRequest, Result](ctx, c.cc, MethodCheck, in, opts...)
}

func (c *GatewayClient) Resolve(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*Result, error) {
	return invoke[ResolveRequest, Result](ctx, c.cc, MethodResolve, in, opts...)
}

func (c *GatewayClient) ListPending(ctx context.Context, in *ListPendingRequest, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	return invoke[ListPendingRequest, ListPendingResponse](ctx, c.cc, MethodListPending, in, opts...)
}

func (c *GatewayClient) Receipts(ctx context.Context, in *ReceiptsRequest, opts ...grpc.CallOption) (*ReceiptsResponse, error) {
	return invoke[ReceiptsRequest, ReceiptsResponse](ctx, c.cc, MethodReceipts, in, opts...)
}

func (c *GatewayClient) VerifyChain(ctx context.Context, in *VerifyChainRequest, opts ...grpc.CallOption) (*VerifyChainResponse, error) {
	return invoke[VerifyChainRequest, VerifyChainResponse](ctx, c.cc, MethodVerifyChain, in, opts...)
}

func (c *GatewayClient) MerkleRoot(ctx context.Context, in *MerkleRootRequest, opts ...grpc.CallOption) (*MerkleRootResponse, error) {
	return invoke[MerkleRootRequest, MerkleRootResponse](ctx, c.cc, MethodMerkleRoot, in, opts...)
}

func (c *GatewayClient) Proof(ctx context.Context, in *ProofRequest, opts ...grpc.CallOption) (*ProofResponse, error) {
	return invoke[ProofRequest, ProofResponse](ctx, c.cc, MethodProof, in, opts...)
}

func (c *GatewayClient) SetOverride(ctx context.Context, in *SetOverrideRequest, opts ...grpc.CallOption) (*Override, error) {
	return invoke[SetOverrideRequest, Override](ctx, c.cc, MethodSetOverride, in, opts...)
}

func (c *GatewayClient) ClearOverride(ctx context.Context, in *ClearOverrideRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[ClearOverrideRequest, Empty](ctx, c.cc, MethodClearOverride, in, opts...)
}

func (c *GatewayClient) ListOverrides(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ListOverridesResponse, error) {
	return invoke[Empty, ListOverridesResponse](ctx, c.cc, MethodListOverrides, in, opts...)
}
