package toolgatewayv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name, also used for health checks.
const ServiceName = "palisade.tool_gateway.v1.ToolGatewayService"

const (
	ToolGatewayService_ListTools_FullMethodName = "/" + ServiceName + "/ListTools"
	ToolGatewayService_CallTool_FullMethodName  = "/" + ServiceName + "/CallTool"
)

// ToolGatewayServiceServer is the server API for ToolGatewayService.
type ToolGatewayServiceServer interface {
	ListTools(context.Context, *ListToolsRequest) (*ListToolsResponse, error)
	CallTool(context.Context, *CallToolRequest) (*CallToolResponse, error)
}

// UnimplementedToolGatewayServiceServer can be embedded for forward compatibility.
type UnimplementedToolGatewayServiceServer struct{}

func (UnimplementedToolGatewayServiceServer) ListTools(context.Context, *ListToolsRequest) (*ListToolsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListTools not implemented")
}

func (UnimplementedToolGatewayServiceServer) CallTool(context.Context, *CallToolRequest) (*CallToolResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CallTool not implemented")
}

// RegisterToolGatewayServiceServer registers srv on s.
func RegisterToolGatewayServiceServer(s grpc.ServiceRegistrar, srv ToolGatewayServiceServer) {
	s.RegisterService(&ToolGatewayService_ServiceDesc, srv)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListToolsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGatewayServiceServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ToolGatewayService_ListTools_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGatewayServiceServer).ListTools(ctx, req.(*ListToolsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func callToolHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CallToolRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGatewayServiceServer).CallTool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ToolGatewayService_CallTool_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGatewayServiceServer).CallTool(ctx, req.(*CallToolRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ToolGatewayService_ServiceDesc is the grpc.ServiceDesc for ToolGatewayService.
var ToolGatewayService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTools", Handler: listToolsHandler},
		{MethodName: "CallTool", Handler: callToolHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "palisade/tool_gateway/v1/tool_gateway.json",
}
