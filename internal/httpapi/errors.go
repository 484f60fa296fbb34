package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// writeError answers err in the client's own wire protocol shape (spec
// 4.H): OpenAI-style {"error":{...}} for chat/responses, Anthropic's
// {"type":"error","error":{...}} for messages. The status code comes from
// the error's Kind unless the caller already picked one (see
// writeErrorStatus, used for boundary-level auth failures that must
// answer 401 regardless of how ErrAuthError maps for provider errors).
func writeError(w http.ResponseWriter, protocol canon.WireProtocol, err error) {
	ce, ok := canon.AsError(err)
	status := http.StatusInternalServerError
	kind := canon.ErrServerError
	message := err.Error()
	if ok {
		status = ce.Kind.HTTPStatus()
		kind = ce.Kind
		message = ce.Message
		if message == "" {
			message = ce.Error()
		}
	}
	writeErrorStatus(w, protocol, status, kind.String(), message)
}

// writeErrorStatus writes an error body in the client's wire protocol shape
// with an explicit status, bypassing the Kind->HTTPStatus mapping. Used
// where the boundary itself dictates the status rather than an upstream
// error classification (missing API key -> 401, unhandled panic -> 500).
func writeErrorStatus(w http.ResponseWriter, protocol canon.WireProtocol, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	switch protocol {
	case canon.ProtocolAnthropic:
		json.NewEncoder(w).Encode(map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    kind,
				"message": message,
			},
		})
	default: // chat, responses
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    kind,
				"code":    status,
			},
		})
	}
}
