// Package convo tracks propose/confirm/execute flows for sensitive commands.
// The delivery channel cannot route a free-text "yes" back to the original
// command context, so confirmation is an explicit token bound to a
// conversation id.
package convo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"shipbot/internal/model"
)

type ConversationStore interface {
	SaveConversation(ctx context.Context, conv model.ConversationState, ttl time.Duration) error
	GetConversation(ctx context.Context, conversationID string) (*model.ConversationState, error)
	TransitionConversation(ctx context.Context, conversationID string, from model.ConversationStatus, to model.ConversationStatus) (*model.ConversationState, error)
}

type Machine struct {
	store ConversationStore
	now   func() time.Time
}

func NewMachine(store ConversationStore) *Machine {
	return &Machine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Propose records a pending sensitive action and returns the conversation id
// plus the one-time confirmation token. Only the token's hash is stored.
func (m *Machine) Propose(ctx context.Context, ownerID string, command string, proposedChange string, ttl time.Duration) (string, string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", "", fmt.Errorf("owner id is required")
	}
	if ttl <= 0 {
		return "", "", fmt.Errorf("conversation ttl must be > 0")
	}
	token, err := newToken()
	if err != nil {
		return "", "", err
	}
	now := m.now()
	conv := model.ConversationState{
		ConversationID: shortuuid.New(),
		OwnerID:        ownerID,
		Command:        command,
		ProposedChange: proposedChange,
		TokenHash:      hashToken(token),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Status:         model.ConversationStatusProposed,
	}
	if err := m.store.SaveConversation(ctx, conv, ttl); err != nil {
		return "", "", err
	}
	return conv.ConversationID, token, nil
}

// Confirm moves proposed -> confirmed. It denies when the conversation is
// missing or expired, the requester is not the owner, the token does not
// match, or the conversation already advanced.
func (m *Machine) Confirm(ctx context.Context, conversationID string, requesterID string, token string) (*model.ConversationState, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, &model.ConflictError{Reason: "conversation not found or expired"}
	}
	if !m.now().Before(conv.ExpiresAt) {
		return nil, &model.ConflictError{Reason: "conversation has expired"}
	}
	if strings.TrimSpace(requesterID) != conv.OwnerID {
		return nil, &model.AuthorizationError{Capability: "conversation owner"}
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(conv.TokenHash)) != 1 {
		return nil, &model.ConflictError{Reason: "confirmation token does not match"}
	}
	return m.store.TransitionConversation(ctx, conversationID, model.ConversationStatusProposed, model.ConversationStatusConfirmed)
}

// ConsumeAndExecute atomically moves confirmed -> executed and then runs the
// executor exactly once. A second call finds the conversation already
// executed and fails without re-running the side effect.
func (m *Machine) ConsumeAndExecute(ctx context.Context, conversationID string, executor func(model.ConversationState) error) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return &model.ConflictError{Reason: "conversation not found or expired"}
	}
	if conv.Status == model.ConversationStatusExecuted {
		return &model.ConflictError{Reason: "conversation already executed"}
	}
	updated, err := m.store.TransitionConversation(ctx, conversationID, model.ConversationStatusConfirmed, model.ConversationStatusExecuted)
	if err != nil {
		return err
	}
	return executor(*updated)
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}
