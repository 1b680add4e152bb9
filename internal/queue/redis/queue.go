// Package redis implements the durable work queue on Redis. Every state change
// is a single Lua script so slot ownership, visibility and cancellation flags
// move atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// Config captures broker connection and queue behaviour.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	// MaxRetries bounds go-redis command retries; negative disables them.
	MaxRetries int

	// ConnectAttempts bounds the initial connection attempts made by Open.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	Visibility   time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "audit"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 500 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Queue is the Redis implementation of audit.Queue.
type Queue struct {
	client  *goredis.Client
	cfg     Config
	clock   audit.Clock
	logger  *zap.Logger
	closeCh chan struct{}
	once    sync.Once
}

// Open dials Redis with bounded attempts and returns a ready queue. It fails
// with audit.ErrQueueUnavailable when every attempt fails.
func Open(ctx context.Context, cfg Config, clock audit.Clock, logger *zap.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	})

	var lastErr error
	backoff := cfg.ConnectBackoff
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("redis queue connected", zap.String("addr", cfg.Addr), zap.Int("attempt", attempt))
			return New(client, cfg, clock, logger), nil
		}
		logger.Warn("redis connect attempt failed",
			zap.String("addr", cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, audit.QueueUnavailable("connect", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	_ = client.Close()
	return nil, audit.QueueUnavailable("connect",
		fmt.Errorf("%d attempts to %s failed: %w", cfg.ConnectAttempts, cfg.Addr, lastErr))
}

// New wraps an existing client. Open is the normal entry point.
func New(client *goredis.Client, cfg Config, clock audit.Clock, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:  client,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
}

// Enqueue makes task visible and assigns it the unit slot.
func (q *Queue) Enqueue(ctx context.Context, task audit.Task) error {
	args := append([]any{task.ID, q.score(q.clock.Now()), q.taskPrefix()}, encodeTask(task)...)
	ok, err := enqueueScript.Run(ctx, q.client,
		[]string{q.unitKey(task.UnitID), q.taskKey(task.ID), q.readyKey()},
		args...,
	).Int64()
	if err != nil {
		return audit.QueueUnavailable("enqueue", err)
	}
	if ok == 0 {
		return audit.NewError(audit.KindAlreadyRunning,
			fmt.Sprintf("unit %s already has a live task", task.UnitID), nil)
	}
	return nil
}

// Handoff replaces from with to in the unit slot, visible after delay.
func (q *Queue) Handoff(ctx context.Context, from, to audit.Task, delay time.Duration) error {
	visibleAt := q.clock.Now().Add(delay)
	args := append([]any{from.ID, to.ID, q.score(visibleAt)}, encodeTask(to)...)
	ok, err := handoffScript.Run(ctx, q.client,
		[]string{q.unitKey(from.UnitID), q.taskKey(from.ID), q.taskKey(to.ID), q.readyKey()},
		args...,
	).Int64()
	if err != nil {
		return audit.QueueUnavailable("handoff", err)
	}
	if ok == 0 {
		return audit.ErrStaleTask
	}
	return nil
}

// Dequeue claims the earliest visible task, polling until one appears.
func (q *Queue) Dequeue(ctx context.Context) (audit.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, ok, err := q.tryClaim(ctx)
		if err != nil {
			return audit.Task{}, err
		}
		if ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return audit.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.closeCh:
			return audit.Task{}, audit.ErrQueueClosed
		case <-ticker.C:
		}
	}
}

// tryClaim claims the next visible task. A task whose stored fields cannot be
// decoded is moved to a dead-letter key and the next one is tried.
func (q *Queue) tryClaim(ctx context.Context) (audit.Task, bool, error) {
	for {
		now := q.clock.Now()
		raw, err := dequeueScript.Run(ctx, q.client,
			[]string{q.readyKey(), q.claimedKey()},
			q.score(now), q.score(now.Add(q.cfg.Visibility)), q.taskPrefix(),
		).Slice()
		if errors.Is(err, goredis.Nil) {
			return audit.Task{}, false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return audit.Task{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return audit.Task{}, false, audit.QueueUnavailable("dequeue", err)
		}
		id, task, err := decodeClaim(raw)
		if err == nil {
			return task, true, nil
		}
		metrics.ObserveQueueError("decode")
		q.logger.Error("dead-lettering undecodable task", zap.String("task_id", id), zap.Error(err))
		if id == "" {
			return audit.Task{}, false, err
		}
		if err := q.deadLetter(ctx, id); err != nil {
			return audit.Task{}, false, err
		}
	}
}

func (q *Queue) deadLetter(ctx context.Context, id string) error {
	err := deadLetterScript.Run(ctx, q.client,
		[]string{q.claimedKey(), q.taskKey(id), q.deadKey(id)},
		id, q.unitPrefix(),
	).Err()
	if err != nil {
		return audit.QueueUnavailable("dead letter", err)
	}
	return nil
}

func decodeClaim(raw []any) (string, audit.Task, error) {
	if len(raw) != 2 {
		return "", audit.Task{}, fmt.Errorf("decode claim: unexpected reply length %d", len(raw))
	}
	id, ok := raw[0].(string)
	if !ok {
		return "", audit.Task{}, fmt.Errorf("decode claim: unexpected id type %T", raw[0])
	}
	list, ok := raw[1].([]any)
	if !ok {
		return id, audit.Task{}, fmt.Errorf("decode task %s: unexpected fields type %T", id, raw[1])
	}
	fields, err := pairs(list)
	if err != nil {
		return id, audit.Task{}, err
	}
	task, err := decodeTask(fields)
	if err != nil {
		return id, audit.Task{}, err
	}
	return id, task, nil
}

// Extend pushes the claim deadline and reports the cancel flag. A claim that
// was redelivered to another consumer is lost.
func (q *Queue) Extend(ctx context.Context, task audit.Task, visibility time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, q.client,
		[]string{q.claimedKey(), q.taskKey(task.ID)},
		task.ID, q.score(q.clock.Now().Add(visibility)), strconv.Itoa(task.Deliveries),
	).Int64()
	if err != nil {
		return false, audit.QueueUnavailable("extend", err)
	}
	switch res {
	case -1:
		return false, audit.ErrClaimLost
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Ack removes a finished task and frees its slot if it still holds it.
func (q *Queue) Ack(ctx context.Context, task audit.Task) error {
	err := ackScript.Run(ctx, q.client,
		[]string{q.claimedKey(), q.readyKey(), q.taskKey(task.ID), q.unitKey(task.UnitID)},
		task.ID,
	).Err()
	if err != nil {
		return audit.QueueUnavailable("ack", err)
	}
	return nil
}

// RemoveIfQueued drops the unit's task when it has not been claimed.
func (q *Queue) RemoveIfQueued(ctx context.Context, unitID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.unitKey(unitID), q.readyKey()},
		q.taskPrefix(),
	).Int64()
	if err != nil {
		return false, audit.QueueUnavailable("remove", err)
	}
	return n == 1, nil
}

// RequestCancel flags the unit's live task.
func (q *Queue) RequestCancel(ctx context.Context, unitID string) (bool, error) {
	n, err := cancelScript.Run(ctx, q.client, []string{q.unitKey(unitID)}, q.taskPrefix()).Int64()
	if err != nil {
		return false, audit.QueueUnavailable("cancel", err)
	}
	return n == 1, nil
}

// Cancelled reads the task's cancel flag. A task that is missing or no longer
// holds its unit slot counts as cancelled.
func (q *Queue) Cancelled(ctx context.Context, task audit.Task) (bool, error) {
	n, err := cancelledScript.Run(ctx, q.client,
		[]string{q.unitKey(task.UnitID), q.taskKey(task.ID)},
		task.ID,
	).Int64()
	if err != nil {
		return false, audit.QueueUnavailable("cancel check", err)
	}
	return n == 1, nil
}

// Stats reports ready and claimed depth.
func (q *Queue) Stats(ctx context.Context) (audit.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	claimed := pipe.ZCard(ctx, q.claimedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return audit.QueueStats{}, audit.QueueUnavailable("stats", err)
	}
	return audit.QueueStats{Ready: ready.Val(), Claimed: claimed.Val()}, nil
}

// Ping checks broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return audit.QueueUnavailable("ping", err)
	}
	return nil
}

// Close stops blocked consumers and closes the client.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.closeCh)
		if cerr := q.client.Close(); cerr != nil {
			err = fmt.Errorf("close redis client: %w", cerr)
		}
	})
	return err
}

func (q *Queue) score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *Queue) readyKey() string           { return q.cfg.Prefix + ":ready" }
func (q *Queue) claimedKey() string         { return q.cfg.Prefix + ":claimed" }
func (q *Queue) taskPrefix() string         { return q.cfg.Prefix + ":task:" }
func (q *Queue) taskKey(id string) string   { return q.taskPrefix() + id }
func (q *Queue) unitPrefix() string         { return q.cfg.Prefix + ":unit:" }
func (q *Queue) unitKey(unit string) string { return q.unitPrefix() + unit }
func (q *Queue) deadKey(id string) string   { return q.cfg.Prefix + ":dead:" + id }

const (
	fieldID         = "id"
	fieldUnit       = "unit_id"
	fieldOwner      = "owner_id"
	fieldStage      = "stage"
	fieldAttempt    = "attempt"
	fieldEnqueuedAt = "enqueued_at"
	fieldCancel     = "cancel_requested"
	fieldDeliveries = "deliveries"
	fieldConfig     = "config"
	fieldInput      = "input"
)

func encodeTask(t audit.Task) []any {
	cancel := "0"
	if t.CancelRequested {
		cancel = "1"
	}
	return []any{
		fieldID, t.ID,
		fieldUnit, t.UnitID,
		fieldOwner, t.OwnerID,
		fieldStage, string(t.Stage),
		fieldAttempt, strconv.Itoa(t.Attempt),
		fieldEnqueuedAt, t.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldCancel, cancel,
		fieldDeliveries, strconv.Itoa(t.Deliveries),
		fieldConfig, string(t.Config),
		fieldInput, string(t.Input),
	}
}

func decodeTask(f map[string]string) (audit.Task, error) {
	stage, err := audit.ParseStage(f[fieldStage])
	if err != nil {
		return audit.Task{}, fmt.Errorf("decode task %s: %w", f[fieldID], err)
	}
	attempt, err := strconv.Atoi(f[fieldAttempt])
	if err != nil {
		return audit.Task{}, fmt.Errorf("decode task %s attempt: %w", f[fieldID], err)
	}
	deliveries, err := strconv.Atoi(f[fieldDeliveries])
	if err != nil {
		return audit.Task{}, fmt.Errorf("decode task %s deliveries: %w", f[fieldID], err)
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, f[fieldEnqueuedAt])
	if err != nil {
		return audit.Task{}, fmt.Errorf("decode task %s enqueued_at: %w", f[fieldID], err)
	}
	return audit.Task{
		ID:              f[fieldID],
		UnitID:          f[fieldUnit],
		OwnerID:         f[fieldOwner],
		Stage:           stage,
		Attempt:         attempt,
		EnqueuedAt:      enqueuedAt,
		CancelRequested: f[fieldCancel] != "0",
		Deliveries:      deliveries,
		Config:          rawOrNil(f[fieldConfig]),
		Input:           rawOrNil(f[fieldInput]),
	}, nil
}

func pairs(raw []any) (map[string]string, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("decode task: odd field count %d", len(raw))
	}
	out := make(map[string]string, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		k, ok1 := raw[i].(string)
		v, ok2 := raw[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("decode task: unexpected field types %T/%T", raw[i], raw[i+1])
		}
		out[k] = v
	}
	return out, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
