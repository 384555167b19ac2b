package api

// ListToolsReq is the JSON body for POST /v1/tools/list.
type ListToolsReq struct {
	Role string `json:"role,omitempty"`
}

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail        string `json:"detail"`
	Kind          string `json:"kind,omitempty"`
	Token         string `json:"token,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ReloadResp is the body of a successful POST /admin/reload.
type ReloadResp struct {
	Status string `json:"status"`
}
