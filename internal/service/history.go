package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/store"
)

const (
	// DefaultHistoryLimit is the page size of History.List when none is given.
	DefaultHistoryLimit = 20

	// MaxHistoryLimit caps History.List.
	MaxHistoryLimit = 100
)

// ErrClassificationNotFound is returned for unknown classification IDs.
var ErrClassificationNotFound = errors.New("classification not found")

// History records classification results and serves them back to the
// user that requested them.
type History struct {
	store  store.ClassificationStore
	logger *slog.Logger
	now    func() time.Time
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryClock replaces time.Now.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *History) { h.now = now }
}

// NewHistory creates a History over s.
func NewHistory(s store.ClassificationStore, logger *slog.Logger, opts ...HistoryOption) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{store: s, logger: logger, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Record stores rec on behalf of the key rawKey and returns the assigned ID.
func (h *History) Record(ctx context.Context, rawKey string, rec *model.Classification) (string, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return "", fmt.Errorf("%w: classification without user id", ErrInvalidArgument)
	}
	rec.ID = uuid.Must(uuid.NewV7()).String()
	rec.KeyHash = store.HashKey(rawKey)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = h.now().UTC()
	}
	if err := h.store.SaveClassification(ctx, rec); err != nil {
		return "", h.storeErr("record classification", err)
	}
	return rec.ID, nil
}

// List returns the newest classifications of userID. limit is clamped to
// [1, MaxHistoryLimit]; zero or less means DefaultHistoryLimit.
func (h *History) List(ctx context.Context, userID string, limit int) ([]model.Classification, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	out, err := h.store.ListClassifications(ctx, userID, limit)
	if err != nil {
		return nil, h.storeErr("list classifications", err)
	}
	if out == nil {
		out = []model.Classification{}
	}
	return out, nil
}

// Get returns one classification of userID. A result owned by someone else
// yields ErrForbidden.
func (h *History) Get(ctx context.Context, userID, id string) (*model.Classification, error) {
	rec, err := h.store.GetClassification(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrClassificationNotFound
		}
		return nil, h.storeErr("get classification", err)
	}
	if rec.UserID != userID {
		h.logger.Warn("classification access denied", "classification_id", id, "user_id", userID)
		return nil, ErrForbidden
	}
	return rec, nil
}

func (h *History) storeErr(op string, err error) error {
	h.logger.Error("classification store failure", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
