package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const clientName = "tool-gateway"

// MCPTransport talks to a streamable-HTTP MCP server. Each attempt opens a
// session, initializes it and closes it, so per-call headers can be attached.
type MCPTransport struct {
	url        string
	token      string
	headers    map[string]string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func NewMCPTransport(url, token string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *MCPTransport {
	return &MCPTransport{
		url:        url,
		token:      token,
		headers:    headers,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		logger:     logger,
	}
}

func (t *MCPTransport) Do(ctx context.Context, call *Call) (json.RawMessage, error) {
	c, err := t.connect(ctx, call)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.logger.Debug("failed to close mcp client", zap.Error(err))
		}
	}()

	var result any
	switch call.Method {
	case MethodListTools:
		result, err = c.ListTools(ctx, mcp.ListToolsRequest{})
	case MethodCallTool:
		result, err = c.CallTool(ctx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{
				Name:      call.Tool,
				Arguments: call.Arguments,
			},
		})
	default:
		return nil, fmt.Errorf("MCPTransport.Do: unsupported method %q", call.Method)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return raw, nil
}

func (t *MCPTransport) connect(ctx context.Context, call *Call) (*client.Client, error) {
	headers := make(map[string]string, len(t.headers)+3)
	for k, v := range t.headers {
		headers[k] = v
	}
	headers["X-Correlation-ID"] = call.CorrelationID
	if call.IdempotencyKey != "" {
		headers["Idempotency-Key"] = call.IdempotencyKey
	}
	if t.token != "" {
		headers["Authorization"] = "Bearer " + t.token
	}

	c, err := client.NewStreamableHttpClient(
		t.url,
		transport.WithHTTPTimeout(t.timeout),
		transport.WithHTTPBasicClient(t.httpClient),
		transport.WithHTTPHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp client: %w", err)
	}
	return c, nil
}
