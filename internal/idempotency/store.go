// Package idempotency deduplicates order submissions by client key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"premium-hedge-bot/internal/state"

	"go.uber.org/zap"
)

const backendPrefix = "idem:"

type Status string

const (
	StatusNew      Status = "new"
	StatusPending  Status = "pending"
	StatusConflict Status = "conflict"
	StatusReplay   Status = "replay"
)

type RecordState string

const (
	RecordPending   RecordState = "pending"
	RecordCompleted RecordState = "completed"
)

var (
	ErrExists   = errors.New("idempotency key already exists")
	ErrConflict = errors.New("idempotency key reused with a different request")
	ErrEmptyKey = errors.New("idempotency key is empty")
)

type Record struct {
	Key         string      `json:"key"`
	Fingerprint string      `json:"fingerprint"`
	State       RecordState `json:"state"`
	StatusCode  int         `json:"status_code,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Options struct {
	TTL        time.Duration
	MaxEntries int
	// Backend, when set, receives every record so pending and completed
	// keys survive a restart.
	Backend state.Store
	Log     *zap.Logger
	Now     func() time.Time
}

type Store struct {
	ttl        time.Duration
	maxEntries int
	backend    state.Store
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

func New(opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		backend:    opts.Backend,
		log:        log,
		now:        now,
		records:    make(map[string]Record),
	}
}

// Load restores persisted records. Pending records stay pending: the
// outcome of their order is unknown and must be reconciled on the venue.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	raw, err := s.backend.List(ctx, backendPrefix)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, payload := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.log.Warn("dropping unreadable idempotency record", zap.String("key", key), zap.Error(err))
			_ = s.backend.Delete(ctx, key)
			continue
		}
		s.records[rec.Key] = rec
	}
	s.evictLocked(ctx)
	return len(s.records), nil
}

// Lookup classifies key against fingerprint without mutating the store.
func (s *Store) Lookup(ctx context.Context, key, fingerprint string) (Status, Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(ctx)
	return s.classifyLocked(key, fingerprint)
}

// Acquire is Lookup followed by Begin under one lock. Only StatusNew
// leaves a fresh pending record behind.
func (s *Store) Acquire(ctx context.Context, key, fingerprint string) (Status, Record, error) {
	if strings.TrimSpace(key) == "" {
		return "", Record{}, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(ctx)
	status, rec := s.classifyLocked(key, fingerprint)
	if status != StatusNew {
		return status, rec, nil
	}
	rec, err := s.beginLocked(ctx, key, fingerprint)
	return StatusNew, rec, err
}

func (s *Store) Begin(ctx context.Context, key, fingerprint string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(ctx)
	if _, ok := s.records[key]; ok {
		return ErrExists
	}
	_, err := s.beginLocked(ctx, key, fingerprint)
	return err
}

func (s *Store) Complete(ctx context.Context, key string, statusCode int, body []byte, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(ctx)
	rec, ok := s.records[key]
	if ok && rec.Fingerprint != fingerprint {
		return ErrConflict
	}
	if !ok {
		rec = Record{Key: key, Fingerprint: fingerprint, CreatedAt: s.now()}
	}
	rec.State = RecordCompleted
	rec.StatusCode = statusCode
	rec.Body = append([]byte(nil), body...)
	s.records[key] = rec
	s.persistLocked(ctx, rec)
	return nil
}

// Fail drops a pending record so the client may retry with the same key.
// Completed records are left untouched.
func (s *Store) Fail(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.State != RecordPending {
		return
	}
	s.removeLocked(ctx, key)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) classifyLocked(key, fingerprint string) (Status, Record) {
	rec, ok := s.records[key]
	if !ok {
		return StatusNew, Record{}
	}
	if rec.Fingerprint != fingerprint {
		return StatusConflict, rec
	}
	if rec.State == RecordCompleted {
		rec.Body = append([]byte(nil), rec.Body...)
		return StatusReplay, rec
	}
	return StatusPending, rec
}

func (s *Store) beginLocked(ctx context.Context, key, fingerprint string) (Record, error) {
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       RecordPending,
		CreatedAt:   s.now(),
	}
	s.records[key] = rec
	s.persistLocked(ctx, rec)
	return rec, nil
}

func (s *Store) evictLocked(ctx context.Context) {
	if s.ttl > 0 {
		cutoff := s.now().Add(-s.ttl)
		for key, rec := range s.records {
			if rec.CreatedAt.Before(cutoff) {
				s.removeLocked(ctx, key)
			}
		}
	}
	if s.maxEntries <= 0 || len(s.records) <= s.maxEntries {
		return
	}
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.records[keys[i]], s.records[keys[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return keys[i] < keys[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, key := range keys[:len(keys)-s.maxEntries] {
		s.removeLocked(ctx, key)
	}
}

func (s *Store) removeLocked(ctx context.Context, key string) {
	delete(s.records, key)
	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, backendPrefix+key); err != nil {
		s.log.Warn("idempotency record delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) persistLocked(ctx context.Context, rec Record) {
	if s.backend == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("idempotency record encode failed", zap.String("key", rec.Key), zap.Error(err))
		return
	}
	if err := s.backend.Set(ctx, backendPrefix+rec.Key, string(payload)); err != nil {
		s.log.Warn("idempotency record persist failed", zap.String("key", rec.Key), zap.Error(err))
	}
}
