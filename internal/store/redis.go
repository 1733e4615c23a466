package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shipbot/internal/hsm"
	"shipbot/internal/model"
)

// RedisStore backs runs, conversations, audit records and runtime overrides.
// All access patterns are point lookups or small ordered scans; secondary
// ordering lives in sorted sets keyed by time.
type RedisStore struct {
	client *redis.Client
}

const (
	runKeyPrefix          = "run:"
	runIndexPrefix        = "runs:index:"
	runInFlightKey        = "runs:inflight"
	conversationKeyPrefix = "conversation:"
	auditKeyPrefix        = "audit:"
	auditActorPrefix      = "audit:actor:"
	overridesKey          = "overrides"
)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// SaveRun upserts a run and keeps the per-workflow time index current.
// Terminal runs are removed from the in-flight set so the refresher stops
// touching them.
func (s *RedisStore) SaveRun(ctx context.Context, run model.Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	existing, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	if existing != nil {
		if !hsm.CanTransitionRun(existing.Status, run.Status) {
			return &model.ConflictError{Reason: fmt.Sprintf("run %s cannot move from %s to %s", run.RunID, existing.Status, run.Status)}
		}
		// A terminal conclusion is immutable.
		if existing.Terminal() && run.Conclusion != existing.Conclusion {
			return &model.ConflictError{Reason: fmt.Sprintf("run %s already concluded %s", run.RunID, existing.Conclusion)}
		}
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKeyPrefix+run.RunID, data, 0)
	pipe.ZAdd(ctx, runIndexPrefix+run.WorkflowName, redis.Z{
		Score:  float64(run.StartedAt.Unix()),
		Member: run.RunID,
	})
	if run.Terminal() || run.Status == model.RunStatusCompleted {
		pipe.SRem(ctx, runInFlightKey, run.RunID)
	} else {
		pipe.SAdd(ctx, runInFlightKey, run.RunID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	data, err := s.client.Get(ctx, runKeyPrefix+strings.TrimSpace(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	return &run, nil
}

// RecentRuns returns runs for the workflow started at or after since, newest
// first.
func (s *RedisStore) RecentRuns(ctx context.Context, workflowName string, since time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRangeByScore(ctx, runIndexPrefix+workflowName, &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.Unix(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan runs for %s: %w", workflowName, err)
	}
	runs := make([]model.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

func (s *RedisStore) InFlightRunIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, runInFlightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list in-flight runs: %w", err)
	}
	return ids, nil
}

// SaveConversation writes a conversation with its TTL. Expiry is enforced by
// the store; a read after TTL elapse returns nothing.
func (s *RedisStore) SaveConversation(ctx context.Context, conv model.ConversationState, ttl time.Duration) error {
	if strings.TrimSpace(conv.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("conversation ttl must be > 0")
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conv.ConversationID, err)
	}
	if err := s.client.Set(ctx, conversationKeyPrefix+conv.ConversationID, data, ttl).Err(); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) GetConversation(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	data, err := s.client.Get(ctx, conversationKeyPrefix+strings.TrimSpace(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	var conv model.ConversationState
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// TransitionConversation compare-and-sets the conversation status. Two
// concurrent transitions on the same conversation cannot both succeed: the
// key is watched and the write aborts if it changed underneath us.
func (s *RedisStore) TransitionConversation(ctx context.Context, conversationID string, from model.ConversationStatus, to model.ConversationStatus) (*model.ConversationState, error) {
	if !hsm.CanTransitionConversation(from, to) {
		return nil, &model.ConflictError{Reason: fmt.Sprintf("conversation cannot move from %s to %s", from, to)}
	}
	key := conversationKeyPrefix + strings.TrimSpace(conversationID)
	var updated model.ConversationState
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &model.ConflictError{Reason: "conversation not found or expired"}
		}
		if err != nil {
			return err
		}
		var conv model.ConversationState
		if err := json.Unmarshal(data, &conv); err != nil {
			return fmt.Errorf("parse conversation %s: %w", conversationID, err)
		}
		if conv.Status != from {
			return &model.ConflictError{Reason: fmt.Sprintf("conversation is %s, not %s", conv.Status, from)}
		}
		conv.Status = to
		next, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation %s: %w", conversationID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = conv
		return nil
	}
	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, &model.ConflictError{Reason: "conversation was modified concurrently"}
		}
		var conflict *model.ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, fmt.Errorf("transition conversation %s: %w", conversationID, err)
	}
	return &updated, nil
}

// AppendAudit writes an audit record exactly once. Records are never updated
// or deleted; a duplicate id is an error.
func (s *RedisStore) AppendAudit(ctx context.Context, record model.AuditRecord) error {
	if strings.TrimSpace(record.AuditID) == "" {
		return fmt.Errorf("audit id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit %s: %w", record.AuditID, err)
	}
	pipe := s.client.TxPipeline()
	created := pipe.SetNX(ctx, auditKeyPrefix+record.AuditID, data, 0)
	pipe.ZAddNX(ctx, auditActorPrefix+record.ActorID, redis.Z{
		Score:  float64(record.Timestamp.UnixNano()),
		Member: record.AuditID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audit %s: %w", record.AuditID, err)
	}
	if !created.Val() {
		return fmt.Errorf("audit record %s already exists", record.AuditID)
	}
	return nil
}

func (s *RedisStore) GetAudit(ctx context.Context, auditID string) (*model.AuditRecord, error) {
	data, err := s.client.Get(ctx, auditKeyPrefix+strings.TrimSpace(auditID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit %s: %w", auditID, err)
	}
	var record model.AuditRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse audit %s: %w", auditID, err)
	}
	return &record, nil
}

// AuditByActor returns the actor's records, newest first.
func (s *RedisStore) AuditByActor(ctx context.Context, actorID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, auditActorPrefix+strings.TrimSpace(actorID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan audit for %s: %w", actorID, err)
	}
	records := make([]model.AuditRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetAudit(ctx, id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	return records, nil
}

// Runtime overrides hold admin-applied settings (e.g. a replacement API base
// URL) that outlive a single process without editing the policy file.
func (s *RedisStore) SetOverride(ctx context.Context, name string, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("override name is required")
	}
	if err := s.client.HSet(ctx, overridesKey, name, value).Err(); err != nil {
		return fmt.Errorf("set override %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) GetOverride(ctx context.Context, name string) (string, error) {
	value, err := s.client.HGet(ctx, overridesKey, strings.TrimSpace(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get override %s: %w", name, err)
	}
	return value, nil
}
