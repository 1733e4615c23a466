package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"shipbot/internal/model"
	"shipbot/internal/redact"
)

const (
	interactionTypePing    = 1
	interactionTypeCommand = 2

	responseTypePong    = 1
	responseTypeMessage = 4

	messageFlagEphemeral = 64
)

type chatInteraction struct {
	Type      int    `json:"type"`
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Member    *struct {
		User chatUser `json:"user"`
	} `json:"member"`
	User *chatUser `json:"user"`
	Data struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

type chatUser struct {
	ID string `json:"id"`
}

// handleChatWebhook verifies the Ed25519 signature before reading anything
// else out of the payload. Pings are answered before command routing.
func (r *Runtime) handleChatWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.opts.MaxBodyBytes))
	if err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}

	signature := req.Header.Get(chatSignatureHeader)
	timestamp := req.Header.Get(chatTimestampHeader)
	if !VerifyChatSignature(r.opts.ChatPublicKeyHex, signature, timestamp, body) {
		if r.logger != nil {
			r.logger.Printf("chat webhook rejected: bad signature sig=%s ts=%s", redact.Tail(signature), timestamp)
		}
		writeAPIError(w, http.StatusUnauthorized, "authentication_failed", "authentication failed")
		return
	}

	var interaction chatInteraction
	if err := json.Unmarshal(body, &interaction); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed_payload", "payload is not valid JSON")
		return
	}

	switch interaction.Type {
	case interactionTypePing:
		writeJSON(w, http.StatusOK, map[string]int{"type": responseTypePong})
	case interactionTypeCommand:
		inv := interaction.toInvocation()
		resp := r.commands.Handle(req.Context(), inv)
		data := map[string]any{"content": resp.Text}
		if resp.Ephemeral {
			data["flags"] = messageFlagEphemeral
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type": responseTypeMessage,
			"data": data,
		})
	default:
		writeAPIError(w, http.StatusBadRequest, "unsupported_interaction", "unsupported interaction type")
	}
}

// toInvocation flattens a slash-command payload. Option values arrive as
// strings, numbers, or booleans; everything is carried as a string.
func (in chatInteraction) toInvocation() model.Invocation {
	inv := model.Invocation{
		TraceID:   uuid.NewString(),
		Command:   in.Data.Name,
		Options:   map[string]string{},
		ChannelID: in.ChannelID,
	}
	if in.Member != nil {
		inv.ActorID = in.Member.User.ID
	} else if in.User != nil {
		inv.ActorID = in.User.ID
	}
	for _, opt := range in.Data.Options {
		value := decodeOptionValue(opt.Value)
		inv.Options[opt.Name] = value
		inv.Args = append(inv.Args, value)
	}
	return inv
}

func decodeOptionValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return string(raw)
}
