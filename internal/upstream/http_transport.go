package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseSize = 10 << 20

// HTTPTransport speaks JSON-RPC 2.0 over HTTP POST.
type HTTPTransport struct {
	url     string
	token   string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport creates a JSON-RPC transport. token may be empty.
func NewHTTPTransport(url, token string, headers map[string]string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{url: url, token: token, headers: headers, client: client}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (t *HTTPTransport) Do(ctx context.Context, call *Call) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: call.CorrelationID, Method: call.Method}
	switch call.Method {
	case MethodListTools:
		req.Params = map[string]any{}
	case MethodCallTool:
		req.Params = callParams{Name: call.Tool, Arguments: call.Arguments}
	default:
		return nil, fmt.Errorf("HTTPTransport.Do: unsupported method %q", call.Method)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPTransport.Do: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPTransport.Do: %w", err)
	}
	// Configured headers go first so they cannot replace the gateway-managed ones.
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", call.CorrelationID)
	if call.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", call.IdempotencyKey)
	}
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	if rpcResp.Error != nil {
		return nil, &StatusError{Code: rpcStatus(rpcResp.Error.Code), Message: rpcResp.Error.Message}
	}
	if len(rpcResp.Result) == 0 {
		return nil, &ProtocolError{Err: fmt.Errorf("response has neither result nor error")}
	}
	return rpcResp.Result, nil
}

// rpcStatus maps JSON-RPC error codes onto HTTP-like statuses.
// Providers that put an HTTP status in the code are passed through.
func rpcStatus(code int) int {
	switch {
	case code >= 400 && code <= 599:
		return code
	case code == -32600, code == -32602, code == -32700:
		return http.StatusBadRequest
	case code == -32601:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func errorMessage(raw []byte, fallback string) string {
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err == nil && rpcResp.Error != nil && rpcResp.Error.Message != "" {
		return rpcResp.Error.Message
	}
	var generic struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &generic); err == nil {
		if generic.Message != "" {
			return generic.Message
		}
		if generic.Error != "" {
			return generic.Error
		}
	}
	return fallback
}
