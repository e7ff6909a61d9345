package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
)

const defaultRedisPrefix = "scoop:"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (default "scoop:").
	Prefix string
	// TTL expires idle sessions; 0 keeps them forever.
	TTL time.Duration
}

// RedisStore keeps sessions in Redis so several gateway nodes can share them.
//
// Keys:
//
//	<prefix>meta:<id>     session JSON
//	<prefix>history:<id>  list of message JSON
//	<prefix>runs:<id>     list of run record JSON
//	<prefix>user:<uid>    set of session ids
//	<prefix>sessions      set of all session ids
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to cfg.Addr and pings it.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	observability.EnsureRegistered()
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "session").Str("backend", "redis").Logger(),
	}
}

func (r *RedisStore) metaKey(id string) string    { return r.prefix + "meta:" + id }
func (r *RedisStore) historyKey(id string) string { return r.prefix + "history:" + id }
func (r *RedisStore) runsKey(id string) string    { return r.prefix + "runs:" + id }
func (r *RedisStore) userKey(uid string) string   { return r.prefix + "user:" + uid }
func (r *RedisStore) indexKey() string            { return r.prefix + "sessions" }

func (r *RedisStore) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

func (r *RedisStore) span(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return tracing.StartSpan(ctx, "scoop.session", "session."+op,
		attribute.String("session_id", id),
		attribute.String("backend", "redis"),
	)
}

// touch refreshes the expiry of every key belonging to id.
func (r *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, id string) {
	if r.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, r.metaKey(id), r.ttl)
	pipe.Expire(ctx, r.historyKey(id), r.ttl)
	pipe.Expire(ctx, r.runsKey(id), r.ttl)
}

// NewSession stores s unless the id is already taken.
func (r *RedisStore) NewSession(ctx context.Context, s *Session) (err error) {
	ctx, span := r.span(ctx, "create", s.ID)
	defer func() { tracing.EndSpan(span, err) }()

	if err := r.check(); err != nil {
		return err
	}
	if err := validateID(s.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.metaKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, r.indexKey(), s.ID)
	if s.UserID != "" {
		pipe.SAdd(ctx, r.userKey(s.UserID), s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session created")
	return nil
}

// GetSession loads the metadata of id.
func (r *RedisStore) GetSession(ctx context.Context, id string) (s *Session, err error) {
	ctx, span := r.span(ctx, "get", id)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := r.check(); err != nil {
		return nil, err
	}
	return r.load(ctx, id)
}

func (r *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) exists(ctx context.Context, id string) error {
	n, err := r.client.Exists(ctx, r.metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SaveSession overwrites the metadata of an existing session.
func (r *RedisStore) SaveSession(ctx context.Context, s *Session) (err error) {
	ctx, span := r.span(ctx, "save", s.ID)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := r.check(); err != nil {
		return err
	}
	if err := r.exists(ctx, s.ID); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.metaKey(s.ID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), s.ID)
	if s.UserID != "" {
		pipe.SAdd(ctx, r.userKey(s.UserID), s.ID)
	}
	r.touch(ctx, pipe, s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes id and everything stored for it.
func (r *RedisStore) DeleteSession(ctx context.Context, id string) (err error) {
	ctx, span := r.span(ctx, "delete", id)
	defer func() { tracing.EndSpan(span, err) }()

	if err := r.check(); err != nil {
		return err
	}
	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.metaKey(id), r.historyKey(id), r.runsKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if s.UserID != "" {
		pipe.SRem(ctx, r.userKey(s.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// GetHistory returns every message of id in push order.
func (r *RedisStore) GetHistory(ctx context.Context, id string) (msgs []Message, err error) {
	ctx, span := r.span(ctx, "history.load", id)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := r.check(); err != nil {
		return nil, err
	}
	if err := r.exists(ctx, id); err != nil {
		return nil, err
	}
	return lrange[Message](ctx, r.client, r.historyKey(id))
}

// PushHistory appends msgs to the history of id.
func (r *RedisStore) PushHistory(ctx context.Context, id string, msgs ...Message) (err error) {
	ctx, span := r.span(ctx, "history.push", id)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = time.Now().UTC()
		}
	}
	return rpush(ctx, r, id, r.historyKey(id), msgs)
}

// GetRuns returns the run records of id in push order.
func (r *RedisStore) GetRuns(ctx context.Context, id string) (runs []RunRecord, err error) {
	ctx, span := r.span(ctx, "runs.load", id)
	defer func() { tracing.EndSpan(span, err) }()

	if err := r.check(); err != nil {
		return nil, err
	}
	if err := r.exists(ctx, id); err != nil {
		return nil, err
	}
	return lrange[RunRecord](ctx, r.client, r.runsKey(id))
}

// BatchPushRuns appends runs to id in one round trip.
func (r *RedisStore) BatchPushRuns(ctx context.Context, id string, runs []RunRecord) (err error) {
	ctx, span := r.span(ctx, "runs.push", id)
	defer func() { tracing.EndSpan(span, err) }()
	return rpush(ctx, r, id, r.runsKey(id), runs)
}

func rpush[T any](ctx context.Context, r *RedisStore, id, key string, items []T) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.exists(ctx, id); err != nil {
		return err
	}

	values, err := marshalAll(items)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	r.touch(ctx, pipe, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// GetUserSessions returns the sessions owned by userID, most recent first.
func (r *RedisStore) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.members(ctx, r.userKey(userID))
}

// ListSessions returns every stored session, most recent first.
func (r *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.members(ctx, r.indexKey())
}

// members loads every session id in set. Ids whose metadata has expired
// are dropped from the set.
func (r *RedisStore) members(ctx context.Context, set string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			r.client.SRem(ctx, set, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	sortRecent(sessions)
	return sessions, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func marshalAll[T any](items []T) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshal entry: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func lrange[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	raw, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
