package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

// handleReload implements POST /admin/reload.
func (d *Dependencies) handleReload(w http.ResponseWriter, r *http.Request) {
	if d.Reload == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "reload not available"})
		return
	}
	if err := d.Reload(r.Context()); err != nil {
		d.Logger.Warn("admin reload rejected", zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{
			Detail: err.Error(),
			Kind:   string(gatewayerr.KindOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, ReloadResp{Status: "reloaded"})
}

// handleInvalidate implements POST /admin/providers/{provider}/invalidate.
func (d *Dependencies) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if d.HasProvider != nil && !d.HasProvider(provider) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "unknown provider " + provider})
		return
	}
	d.Registry.Invalidate(provider)
	w.WriteHeader(http.StatusNoContent)
}
