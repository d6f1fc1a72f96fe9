// Package store persists API key records, their usage log and the
// classification history.
//
// Records are addressed by the SHA-256 digest of the raw key (see HashKey).
// Every backend guarantees that AppendLog increments the referenced key's
// usage counter atomically with the log insert, so concurrent usage events
// are never lost.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/visiongate/visiongate/internal/model"
)

var (
	// ErrNotFound is returned when the addressed key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned by Put when a record with the same key
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Field names a record attribute that can be used in QueryByField.
type Field string

const (
	FieldUserID Field = "user_id"
	FieldName   Field = "name"
)

// Valid reports whether f is a queryable field.
func (f Field) Valid() bool {
	return f == FieldUserID || f == FieldName
}

// KeyStore is the storage abstraction behind the key manager.
type KeyStore interface {
	// Put inserts a new record. It never overwrites.
	Put(ctx context.Context, rec *model.APIKeyRecord) error

	// Get returns the record for keyHash or ErrNotFound.
	Get(ctx context.Context, keyHash string) (*model.APIKeyRecord, error)

	// Update atomically applies a partial update.
	Update(ctx context.Context, keyHash string, upd model.KeyUpdate) error

	// Deactivate marks the key inactive. It reports whether this call
	// performed the transition; an already inactive key yields false.
	Deactivate(ctx context.Context, keyHash string) (bool, error)

	// QueryByField returns all records whose field equals value.
	QueryByField(ctx context.Context, field Field, value string) ([]model.APIKeyRecord, error)

	// List returns every record, newest first.
	List(ctx context.Context) ([]model.APIKeyRecord, error)

	// Delete removes the record. Usage log entries are kept.
	Delete(ctx context.Context, keyHash string) error

	// AppendLog appends entry and, if the referenced key exists, increments
	// its usage_count and sets last_used_at to the entry timestamp in the
	// same atomic operation.
	AppendLog(ctx context.Context, entry *model.UsageLogEntry) error

	// QueryLogs returns entries for keyHash with timestamp >= since,
	// newest first.
	QueryLogs(ctx context.Context, keyHash string, since time.Time) ([]model.UsageLogEntry, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ClassificationStore keeps classification results for the history
// endpoints.
type ClassificationStore interface {
	// SaveClassification inserts rec. IDs are assigned by the caller.
	SaveClassification(ctx context.Context, rec *model.Classification) error

	// GetClassification returns the result with id or ErrNotFound.
	GetClassification(ctx context.Context, id string) (*model.Classification, error)

	// ListClassifications returns at most limit results of userID, newest
	// first.
	ListClassifications(ctx context.Context, userID string, limit int) ([]model.Classification, error)
}

// Store is a backend that holds both keys and classification history.
// Every backend in this package implements it.
type Store interface {
	KeyStore
	ClassificationStore
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*FirestoreStore)(nil)
)

// HashKey returns the hex-encoded SHA-256 digest of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
