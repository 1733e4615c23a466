package ingress

import (
	"io"
	"net/http"

	"shipbot/internal/redact"
)

// handleVCSWebhook verifies the HMAC signature of the raw body before any
// parsing, then hands the delivery to the event sink by type.
func (r *Runtime) handleVCSWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.opts.MaxBodyBytes))
	if err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}

	signature := req.Header.Get(vcsSignatureHeader)
	if !VerifyVCSSignature(r.opts.VCSWebhookSecret, signature, body) {
		if r.logger != nil {
			r.logger.Printf("vcs webhook rejected: bad signature sig=%s", redact.Tail(signature))
		}
		writeAPIError(w, http.StatusUnauthorized, "authentication_failed", "authentication failed")
		return
	}

	eventType := req.Header.Get(vcsEventHeader)
	if eventType == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_event_type", "event type header is required")
		return
	}
	if r.vcs == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	if err := r.vcs.HandleVCSEvent(req.Context(), eventType, body); err != nil {
		if r.logger != nil {
			r.logger.Printf("vcs webhook handler failed event=%s: %v", eventType, err)
		}
		writeAPIError(w, http.StatusInternalServerError, "event_handling_failed", "event handling failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
