// Package audit keeps the append-only record of every security-sensitive
// action. Raw payloads never reach the store, only their fingerprint.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"shipbot/internal/model"
)

type AuditStore interface {
	AppendAudit(ctx context.Context, record model.AuditRecord) error
	GetAudit(ctx context.Context, auditID string) (*model.AuditRecord, error)
	AuditByActor(ctx context.Context, actorID string, limit int) ([]model.AuditRecord, error)
}

type Ledger struct {
	store  AuditStore
	logger *log.Logger
	now    func() time.Time
}

func NewLedger(store AuditStore, logger *log.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Fingerprint is the deterministic one-way hash stored in place of a
// payload.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Record writes one audit record. The generated audit id is returned even
// when the write fails, so the failure itself stays traceable through logs.
func (l *Ledger) Record(ctx context.Context, traceID string, actorID string, command string, target string, payload []byte, result model.AuditResult, metadata map[string]string) (string, error) {
	auditID := uuid.NewString()
	record := model.AuditRecord{
		AuditID:            auditID,
		TraceID:            traceID,
		ActorID:            actorID,
		Command:            command,
		Target:             target,
		PayloadFingerprint: Fingerprint(payload),
		Timestamp:          l.now(),
		Result:             result,
		Metadata:           metadata,
	}
	if err := l.store.AppendAudit(ctx, record); err != nil {
		if l.logger != nil {
			l.logger.Printf("audit write failed audit_id=%s trace_id=%s command=%s: %v", auditID, traceID, command, err)
		}
		return auditID, fmt.Errorf("record audit %s: %w", auditID, err)
	}
	return auditID, nil
}

func (l *Ledger) GetByAuditID(ctx context.Context, auditID string) (*model.AuditRecord, error) {
	return l.store.GetAudit(ctx, auditID)
}

func (l *Ledger) QueryByActor(ctx context.Context, actorID string, limit int) ([]model.AuditRecord, error) {
	return l.store.AuditByActor(ctx, actorID, limit)
}
