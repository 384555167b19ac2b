package toolgatewayv1

import (
	"context"

	"google.golang.org/grpc"
)

// ToolGatewayServiceClient is the client API for ToolGatewayService.
type ToolGatewayServiceClient interface {
	ListTools(ctx context.Context, in *ListToolsRequest, opts ...grpc.CallOption) (*ListToolsResponse, error)
	CallTool(ctx context.Context, in *CallToolRequest, opts ...grpc.CallOption) (*CallToolResponse, error)
}

type toolGatewayServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewToolGatewayServiceClient returns a client that always uses the JSON codec.
func NewToolGatewayServiceClient(cc grpc.ClientConnInterface) ToolGatewayServiceClient {
	return &toolGatewayServiceClient{cc: cc}
}

func (c *toolGatewayServiceClient) ListTools(ctx context.Context, in *ListToolsRequest, opts ...grpc.CallOption) (*ListToolsResponse, error) {
	out := new(ListToolsResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ToolGatewayService_ListTools_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *toolGatewayServiceClient) CallTool(ctx context.Context, in *CallToolRequest, opts ...grpc.CallOption) (*CallToolResponse, error) {
	out := new(CallToolResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ToolGatewayService_CallTool_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
