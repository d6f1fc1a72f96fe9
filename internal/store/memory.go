package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/visiongate/visiongate/internal/model"
)

// MemoryStore is a process-local KeyStore. All operations take a single
// mutex, which makes every method atomic.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*model.APIKeyRecord
	logs []model.UsageLogEntry

	results map[string]*model.Classification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[string]*model.APIKeyRecord),
		results: make(map[string]*model.Classification),
	}
}

func (s *MemoryStore) Put(_ context.Context, rec *model.APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.KeyHash]; ok {
		return ErrDuplicateKey
	}
	s.keys[rec.KeyHash] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keyHash string) (*model.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, keyHash string, upd model.KeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyHash]
	if !ok {
		return ErrNotFound
	}
	upd.Apply(rec)
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, keyHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyHash]
	if !ok {
		return false, ErrNotFound
	}
	if !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	return true, nil
}

func (s *MemoryStore) QueryByField(_ context.Context, field Field, value string) ([]model.APIKeyRecord, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("query by field: unsupported field %q", field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.APIKeyRecord
	for _, rec := range s.keys {
		var v string
		switch field {
		case FieldUserID:
			v = rec.UserID
		case FieldName:
			v = rec.Name
		}
		if v == value {
			out = append(out, *rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]model.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.APIKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, *rec.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyHash]; !ok {
		return ErrNotFound
	}
	delete(s.keys, keyHash)
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *model.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	if rec, ok := s.keys[entry.KeyHash]; ok {
		rec.UsageCount++
		ts := entry.Timestamp
		rec.LastUsedAt = &ts
	}
	return nil
}

func (s *MemoryStore) QueryLogs(_ context.Context, keyHash string, since time.Time) ([]model.UsageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UsageLogEntry
	for _, e := range s.logs {
		if e.KeyHash == keyHash && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b model.UsageLogEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) SaveClassification(_ context.Context, rec *model.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[rec.ID]; ok {
		return ErrDuplicateKey
	}
	s.results[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetClassification(_ context.Context, id string) (*model.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListClassifications(_ context.Context, userID string, limit int) ([]model.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Classification
	for _, rec := range s.results {
		if rec.UserID == userID {
			out = append(out, *rec.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b model.Classification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func sortNewestFirst(recs []model.APIKeyRecord) {
	slices.SortStableFunc(recs, func(a, b model.APIKeyRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.KeyHash, b.KeyHash)
	})
}
