package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/visiongate/visiongate/internal/model"
)

const (
	keysCollection           = "api_keys"
	usageCollection          = "api_usage"
	classificationCollection = "classifications"
)

// FirestoreStore is a KeyStore backed by Cloud Firestore. Key documents are
// addressed by key hash; usage entries live in their own collection.
type FirestoreStore struct {
	client *firestore.Client
}

// FirestoreConfig selects the project and credentials. With
// FIRESTORE_EMULATOR_HOST set the client talks to the emulator instead.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// OpenFirestore creates a Firestore client for the configured project.
func OpenFirestore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("open firestore: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

type keyDoc struct {
	KeyPrefix   string     `firestore:"key_prefix"`
	UserID      string     `firestore:"user_id"`
	Name        string     `firestore:"name"`
	Permissions []string   `firestore:"permissions"`
	IPWhitelist []string   `firestore:"ip_whitelist"`
	CreatedAt   time.Time  `firestore:"created_at"`
	ExpiresAt   *time.Time `firestore:"expires_at"`
	IsActive    bool       `firestore:"is_active"`
	LastUsedAt  *time.Time `firestore:"last_used_at"`
	UsageCount  int64      `firestore:"usage_count"`
}

func keyDocFromModel(rec *model.APIKeyRecord) keyDoc {
	return keyDoc{
		KeyPrefix:   rec.KeyPrefix,
		UserID:      rec.UserID,
		Name:        rec.Name,
		Permissions: rec.Permissions,
		IPWhitelist: rec.IPWhitelist,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		IsActive:    rec.IsActive,
		LastUsedAt:  rec.LastUsedAt,
		UsageCount:  rec.UsageCount,
	}
}

func (d keyDoc) toModel(keyHash string) model.APIKeyRecord {
	return model.APIKeyRecord{
		KeyHash:     keyHash,
		KeyPrefix:   d.KeyPrefix,
		UserID:      d.UserID,
		Name:        d.Name,
		Permissions: d.Permissions,
		IPWhitelist: d.IPWhitelist,
		CreatedAt:   d.CreatedAt.UTC(),
		ExpiresAt:   utcPtr(d.ExpiresAt),
		IsActive:    d.IsActive,
		LastUsedAt:  utcPtr(d.LastUsedAt),
		UsageCount:  d.UsageCount,
	}
}

type usageDoc struct {
	KeyHash      string    `firestore:"key_hash"`
	ClientIP     string    `firestore:"client_ip"`
	Endpoint     string    `firestore:"endpoint"`
	Timestamp    time.Time `firestore:"timestamp"`
	ResponseCode int       `firestore:"response_code"`
}

func (s *FirestoreStore) keyRef(keyHash string) *firestore.DocumentRef {
	return s.client.Collection(keysCollection).Doc(keyHash)
}

func (s *FirestoreStore) Put(ctx context.Context, rec *model.APIKeyRecord) error {
	if _, err := s.keyRef(rec.KeyHash).Create(ctx, keyDocFromModel(rec)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, keyHash string) (*model.APIKeyRecord, error) {
	snap, err := s.keyRef(keyHash).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key document: %w", err)
	}
	rec, err := decodeKey(snap)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FirestoreStore) Update(ctx context.Context, keyHash string, upd model.KeyUpdate) error {
	var updates []firestore.Update
	if upd.Name != nil {
		updates = append(updates, firestore.Update{Path: "name", Value: *upd.Name})
	}
	if upd.SetPermissions {
		updates = append(updates, firestore.Update{Path: "permissions", Value: upd.Permissions})
	}
	if upd.SetIPWhitelist {
		updates = append(updates, firestore.Update{Path: "ip_whitelist", Value: upd.IPWhitelist})
	}
	if upd.ClearExpiry {
		updates = append(updates, firestore.Update{Path: "expires_at", Value: nil})
	} else if upd.ExpiresAt != nil {
		updates = append(updates, firestore.Update{Path: "expires_at", Value: *upd.ExpiresAt})
	}

	if len(updates) == 0 {
		_, err := s.Get(ctx, keyHash)
		return err
	}
	// DocumentRef.Update fails with NotFound when the document is missing.
	if _, err := s.keyRef(keyHash).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("update api key document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Deactivate(ctx context.Context, keyHash string) (bool, error) {
	ref := s.keyRef(keyHash)
	var transitioned bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		transitioned = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		active, err := snap.DataAt("is_active")
		if err != nil {
			return err
		}
		if on, _ := active.(bool); !on {
			return nil
		}
		transitioned = true
		return tx.Update(ref, []firestore.Update{{Path: "is_active", Value: false}})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("deactivate api key document: %w", err)
	}
	return transitioned, nil
}

func (s *FirestoreStore) QueryByField(ctx context.Context, field Field, value string) ([]model.APIKeyRecord, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("query by field: unsupported field %q", field)
	}
	q := s.client.Collection(keysCollection).Where(string(field), "==", value)
	out, err := s.collectKeys(q.Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("query api keys by %s: %w", field, err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]model.APIKeyRecord, error) {
	out, err := s.collectKeys(s.client.Collection(keysCollection).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, keyHash string) error {
	if _, err := s.keyRef(keyHash).Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("delete api key document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) AppendLog(ctx context.Context, entry *model.UsageLogEntry) error {
	keyRef := s.keyRef(entry.KeyHash)
	logRef := s.client.Collection(usageCollection).Doc(entry.ID)
	doc := usageDoc{
		KeyHash:      entry.KeyHash,
		ClientIP:     entry.ClientIP,
		Endpoint:     entry.Endpoint,
		Timestamp:    entry.Timestamp,
		ResponseCode: entry.ResponseCode,
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Transactions require all reads before writes.
		_, err := tx.Get(keyRef)
		exists := err == nil
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err := tx.Create(logRef, doc); err != nil {
			return err
		}
		if !exists {
			return nil
		}
		return tx.Update(keyRef, []firestore.Update{
			{Path: "usage_count", Value: firestore.Increment(1)},
			{Path: "last_used_at", Value: entry.Timestamp},
		})
	})
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

func (s *FirestoreStore) QueryLogs(ctx context.Context, keyHash string, since time.Time) ([]model.UsageLogEntry, error) {
	q := s.client.Collection(usageCollection).
		Where("key_hash", "==", keyHash).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Desc)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []model.UsageLogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query usage log: %w", err)
		}
		var d usageDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode usage entry %s: %w", snap.Ref.ID, err)
		}
		out = append(out, model.UsageLogEntry{
			ID:           snap.Ref.ID,
			KeyHash:      d.KeyHash,
			ClientIP:     d.ClientIP,
			Endpoint:     d.Endpoint,
			Timestamp:    d.Timestamp.UTC(),
			ResponseCode: d.ResponseCode,
		})
	}
	return out, nil
}

type predictionDoc struct {
	Label      string  `firestore:"label"`
	Confidence float64 `firestore:"confidence"`
}

type classificationDoc struct {
	UserID       string          `firestore:"user_id"`
	KeyHash      string          `firestore:"key_hash"`
	ImageName    string          `firestore:"image_name"`
	ContentType  string          `firestore:"content_type"`
	Predictions  []predictionDoc `firestore:"predictions"`
	Model        string          `firestore:"model"`
	ProcessingMS float64         `firestore:"processing_ms"`
	CreatedAt    time.Time       `firestore:"created_at"`
}

func (d classificationDoc) toModel(id string) model.Classification {
	preds := make([]model.Prediction, len(d.Predictions))
	for i, p := range d.Predictions {
		preds[i] = model.Prediction{Label: p.Label, Confidence: p.Confidence}
	}
	return model.Classification{
		ID:           id,
		UserID:       d.UserID,
		KeyHash:      d.KeyHash,
		ImageName:    d.ImageName,
		ContentType:  d.ContentType,
		Predictions:  preds,
		Model:        d.Model,
		ProcessingMS: d.ProcessingMS,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

func (s *FirestoreStore) SaveClassification(ctx context.Context, rec *model.Classification) error {
	doc := classificationDoc{
		UserID:       rec.UserID,
		KeyHash:      rec.KeyHash,
		ImageName:    rec.ImageName,
		ContentType:  rec.ContentType,
		Predictions:  make([]predictionDoc, len(rec.Predictions)),
		Model:        rec.Model,
		ProcessingMS: rec.ProcessingMS,
		CreatedAt:    rec.CreatedAt,
	}
	for i, p := range rec.Predictions {
		doc.Predictions[i] = predictionDoc{Label: p.Label, Confidence: p.Confidence}
	}
	if _, err := s.client.Collection(classificationCollection).Doc(rec.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create classification document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetClassification(ctx context.Context, id string) (*model.Classification, error) {
	snap, err := s.client.Collection(classificationCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get classification document: %w", err)
	}
	var d classificationDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode classification %s: %w", id, err)
	}
	c := d.toModel(id)
	return &c, nil
}

func (s *FirestoreStore) ListClassifications(ctx context.Context, userID string, limit int) ([]model.Classification, error) {
	q := s.client.Collection(classificationCollection).
		Where("user_id", "==", userID).
		OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []model.Classification
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list classifications: %w", err)
		}
		var d classificationDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode classification %s: %w", snap.Ref.ID, err)
		}
		out = append(out, d.toModel(snap.Ref.ID))
	}
}

// Ping issues a single-document read against the keys collection.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	iter := s.client.Collection(keysCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) collectKeys(iter *firestore.DocumentIterator) ([]model.APIKeyRecord, error) {
	defer iter.Stop()
	var out []model.APIKeyRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeKey(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func decodeKey(snap *firestore.DocumentSnapshot) (model.APIKeyRecord, error) {
	var d keyDoc
	if err := snap.DataTo(&d); err != nil {
		return model.APIKeyRecord{}, fmt.Errorf("decode api key %s: %w", snap.Ref.ID, err)
	}
	return d.toModel(snap.Ref.ID), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
