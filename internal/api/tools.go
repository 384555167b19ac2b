package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/dispatcher"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
)

// handleListTools implements POST /v1/tools/list. An empty body lists the
// identity's own role.
func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	var req ListToolsReq
	if err := readJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	id, _ := identity.FromContext(r.Context())
	list, err := d.Gateway.ListTools(r.Context(), id, req.Role)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCallTool implements POST /v1/tools/call. Upstream failures are reported
// with 200 and isError set, like the gRPC service.
func (d *Dependencies) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.CallRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	id, _ := identity.FromContext(r.Context())
	resp, err := d.Gateway.CallTool(r.Context(), id, req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) writeError(w http.ResponseWriter, err error) {
	status := gatewayerr.HTTPStatus(err)
	body := ErrorResp{Detail: gatewayerr.SafeMessage(err), Kind: string(gatewayerr.KindOf(err))}
	if ge, ok := gatewayerr.As(err); ok {
		body.Token = ge.Token
		body.CorrelationID = ge.CorrelationID
	}
	if status == http.StatusInternalServerError {
		d.Logger.Error("tool gateway request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}
