// Package server exposes the dispatcher as palisade.tool_gateway.v1.ToolGatewayService.
package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/workato-devs/dewy-resort-sub000/internal/dispatcher"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	toolgatewayv1 "github.com/workato-devs/dewy-resort-sub000/pkg/toolgatewayv1"
)

// Trailer keys carrying error details alongside a non-OK status.
const (
	TrailerErrorKind     = "x-gateway-error-kind"
	TrailerToken         = "x-gateway-token"
	TrailerCorrelationID = "x-gateway-correlation-id"
)

// Gateway is the part of the dispatcher the server needs.
type Gateway interface {
	ListTools(ctx context.Context, id *identity.Identity, role string) (*dispatcher.ToolList, error)
	CallTool(ctx context.Context, id *identity.Identity, req dispatcher.CallRequest) (*dispatcher.CallResponse, error)
}

// ToolGatewayServer implements the ToolGatewayService gRPC service.
type ToolGatewayServer struct {
	toolgatewayv1.UnimplementedToolGatewayServiceServer
	gateway Gateway
	logger  *zap.Logger
}

// NewToolGatewayServer creates a new ToolGatewayServer with the given dependencies.
func NewToolGatewayServer(gw Gateway, logger *zap.Logger) *ToolGatewayServer {
	return &ToolGatewayServer{gateway: gw, logger: logger}
}

// ListTools implements the ToolGatewayService.ListTools RPC.
func (s *ToolGatewayServer) ListTools(ctx context.Context, req *toolgatewayv1.ListToolsRequest) (*toolgatewayv1.ListToolsResponse, error) {
	id, err := identity.FromMetadata(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "identity required: %v", err)
	}

	list, err := s.gateway.ListTools(ctx, id, req.Role)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return ListResponse(list), nil
}

// CallTool implements the ToolGatewayService.CallTool RPC.
func (s *ToolGatewayServer) CallTool(ctx context.Context, req *toolgatewayv1.CallToolRequest) (*toolgatewayv1.CallToolResponse, error) {
	id, err := identity.FromMetadata(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "identity required: %v", err)
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	resp, err := s.gateway.CallTool(ctx, id, dispatcher.CallRequest{
		Role:      req.Role,
		Name:      req.Name,
		Arguments: req.Arguments,
		Token:     req.Token,
	})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return CallResponse(resp), nil
}

// toStatus converts a dispatcher error into a gRPC status. The kind, token and
// correlation ID travel in trailers so clients can resubmit.
func (s *ToolGatewayServer) toStatus(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request canceled")
	}
	code := Code(err)
	if code == codes.Internal {
		s.logger.Error("tool gateway request failed", zap.Error(err))
	}

	md := metadata.MD{}
	if kind := gatewayerr.KindOf(err); kind != "" {
		md.Set(TrailerErrorKind, string(kind))
	}
	if ge, ok := gatewayerr.As(err); ok {
		if ge.Token != "" {
			md.Set(TrailerToken, ge.Token)
		}
		if ge.CorrelationID != "" {
			md.Set(TrailerCorrelationID, ge.CorrelationID)
		}
	}
	if len(md) > 0 {
		if terr := grpc.SetTrailer(ctx, md); terr != nil {
			s.logger.Debug("set trailer failed", zap.Error(terr))
		}
	}
	return status.Error(code, gatewayerr.SafeMessage(err))
}

// Code maps an error kind onto a gRPC status code.
func Code(err error) codes.Code {
	switch gatewayerr.KindOf(err) {
	case gatewayerr.KindToolNotFound:
		return codes.NotFound
	case gatewayerr.KindSchemaValidation, gatewayerr.KindInvalidToken:
		return codes.InvalidArgument
	case gatewayerr.KindRoleDenied:
		return codes.PermissionDenied
	case gatewayerr.KindTimeout:
		return codes.DeadlineExceeded
	case gatewayerr.KindTransport, gatewayerr.KindUpstreamUnavailable, gatewayerr.KindConfiguration:
		return codes.Unavailable
	case gatewayerr.KindUpstreamRejected:
		return codes.FailedPrecondition
	}
	return codes.Internal
}

// ListResponse converts a dispatcher tool list to its wire form.
func ListResponse(list *dispatcher.ToolList) *toolgatewayv1.ListToolsResponse {
	out := &toolgatewayv1.ListToolsResponse{
		Role:    list.Role,
		Version: list.Version,
		Tools:   make([]toolgatewayv1.Tool, 0, len(list.Tools)),
	}
	for _, t := range list.Tools {
		out.Tools = append(out.Tools, toolgatewayv1.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	for _, w := range list.Warnings {
		out.Warnings = append(out.Warnings, toolgatewayv1.ProviderWarning{
			Provider:      w.Provider,
			Kind:          w.Kind,
			Message:       w.Message,
			CorrelationID: w.CorrelationID,
		})
	}
	return out
}

// CallResponse converts a dispatcher call response to its wire form.
func CallResponse(resp *dispatcher.CallResponse) *toolgatewayv1.CallToolResponse {
	return &toolgatewayv1.CallToolResponse{
		Result:        resp.Result,
		Token:         resp.Token,
		IsError:       resp.IsError,
		ErrorMessage:  resp.ErrorMessage,
		ErrorKind:     resp.ErrorKind,
		ReferenceIDs:  resp.ReferenceIDs,
		State:         resp.State,
		CorrelationID: resp.CorrelationID,
	}
}
