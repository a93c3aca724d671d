package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateDone      = "done"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

var ErrStatusNotFound = errors.New("batch status not found")

// Status is the latest known state of a batch.
type Status struct {
	BatchID       string    `json:"batch_id"`
	Subject       string    `json:"subject,omitempty"`
	State         string    `json:"state"`
	Step          int       `json:"step"`
	Total         int       `json:"total"`
	Month         string    `json:"month,omitempty"`
	AffectedNames []string  `json:"affected_names,omitempty"`
	Summary       *Summary  `json:"summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusFromEvent folds ev into the status it implies.
func StatusFromEvent(ev Event, at time.Time) Status {
	st := Status{
		BatchID:       ev.BatchID,
		Subject:       ev.Subject,
		State:         StateRunning,
		Step:          ev.Step,
		Total:         ev.Total,
		Month:         ev.Month,
		AffectedNames: ev.AffectedNames,
		UpdatedAt:     at.UTC(),
	}
	switch ev.Kind {
	case KindQueued:
		st.State = StateQueued
	case KindFailed:
		st.State = StateFailed
		st.Error = ev.Error
	case KindSummary:
		st.State = StateDone
		st.Summary = ev.Summary
		if ev.Summary != nil && ev.Summary.Cancelled {
			st.State = StateCancelled
		}
	}
	return st
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Timeout     time.Duration
	Prefix      string
	TTL         time.Duration
}

// RedisStatus keeps the last status of every batch in redis so any API
// instance can answer status queries.
type RedisStatus struct {
	raw    *goredis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStatus connects and pings redis.
func NewRedisStatus(cfg RedisConfig) (*RedisStatus, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStatus(rdb, cfg), nil
}

func newRedisStatus(rdb *goredis.Client, cfg RedisConfig) *RedisStatus {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "feeledger:batch:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatus{raw: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStatus) key(batchID string) string { return s.prefix + batchID }

// Notify stores the status implied by ev.
func (s *RedisStatus) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(StatusFromEvent(ev, s.now()))
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.raw.Set(ctx, s.key(ev.BatchID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store status %s: %w", ev.BatchID, err)
	}
	return nil
}

// Get returns the last stored status of batchID.
func (s *RedisStatus) Get(ctx context.Context, batchID string) (Status, error) {
	raw, err := s.raw.Get(ctx, s.key(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Status{}, ErrStatusNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("load status %s: %w", batchID, err)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, fmt.Errorf("decode status %s: %w", batchID, err)
	}
	return st, nil
}

// Ping reports whether redis is reachable.
func (s *RedisStatus) Ping(ctx context.Context) error {
	return s.raw.Ping(ctx).Err()
}

func (s *RedisStatus) Close() error {
	if s == nil || s.raw == nil {
		return nil
	}
	return s.raw.Close()
}
