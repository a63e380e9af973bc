// Package rpc defines the hivegate.v1.Gateway gRPC service. Messages travel
// as google.protobuf.Struct envelopes carrying the JSON form of the typed
// requests below, so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "hivegate.v1.Gateway"

// Method names.
const (
	MethodSubmit        = "Submit"
	MethodCheck         = "Check"
	MethodResolve       = "Resolve"
	MethodListPending   = "ListPending"
	MethodReceipts      = "Receipts"
	MethodVerifyChain   = "VerifyChain"
	MethodMerkleRoot    = "MerkleRoot"
	MethodProof         = "Proof"
	MethodSetOverride   = "SetOverride"
	MethodClearOverride = "ClearOverride"
	MethodListOverrides = "ListOverrides"
)

// FullMethod returns "/hivegate.v1.Gateway/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// GatewayServer is implemented by the gateway's gRPC front end.
type GatewayServer interface {
	Submit(context.Context, *SubmitRequest) (*Result, error)
	Check(context.Context, *SubmitRequest) (*Result, error)
	Resolve(context.Context, *ResolveRequest) (*Result, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	Receipts(context.Context, *ReceiptsRequest) (*ReceiptsResponse, error)
	VerifyChain(context.Context, *VerifyChainRequest) (*VerifyChainResponse, error)
	MerkleRoot(context.Context, *MerkleRootRequest) (*MerkleRootResponse, error)
	Proof(context.Context, *ProofRequest) (*ProofResponse, error)
	SetOverride(context.Context, *SetOverrideRequest) (*Override, error)
	ClearOverride(context.Context, *ClearOverrideRequest) (*Empty, error)
	ListOverrides(context.Context, *Empty) (*ListOverridesResponse, error)
}

// ServiceDesc describes hivegate.v1.Gateway for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmit, GatewayServer.Submit),
		unary(MethodCheck, GatewayServer.Check),
		unary(MethodResolve, GatewayServer.Resolve),
		unary(MethodListPending, GatewayServer.ListPending),
		unary(MethodReceipts, GatewayServer.Receipts),
		unary(MethodVerifyChain, GatewayServer.VerifyChain),
		unary(MethodMerkleRoot, GatewayServer.MerkleRoot),
		unary(MethodProof, GatewayServer.Proof),
		unary(MethodSetOverride, GatewayServer.SetOverride),
		unary(MethodClearOverride, GatewayServer.ClearOverride),
		unary(MethodListOverrides, GatewayServer.ListOverrides),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hivegate/v1/gateway",
}

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(GatewayServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := FromStruct(req.(*structpb.Struct), r); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(GatewayServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return ToStruct(resp)
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

// ToStruct converts v to a Struct through its JSON form. Numbers become
// float64, so integers above 2^53 lose precision.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
