package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/visiongate/visiongate/internal/model"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutDuplicate", func(t *testing.T) { testPutDuplicate(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Deactivate", func(t *testing.T) { testDeactivate(t, newStore(t)) })
	t.Run("QueryByField", func(t *testing.T) { testQueryByField(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("AppendLog", func(t *testing.T) { testAppendLog(t, newStore(t)) })
	t.Run("ConcurrentAppendLog", func(t *testing.T) { testConcurrentAppendLog(t, newStore(t)) })
	t.Run("Classifications", func(t *testing.T) { testClassifications(t, newStore(t)) })
}

var suiteTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(raw, userID, name string) *model.APIKeyRecord {
	exp := suiteTime.Add(365 * 24 * time.Hour)
	return &model.APIKeyRecord{
		KeyHash:     HashKey(raw),
		KeyPrefix:   raw[:min(len(raw), 8)],
		UserID:      userID,
		Name:        name,
		Permissions: []string{model.PermRead, model.PermClassify},
		CreatedAt:   suiteTime,
		ExpiresAt:   &exp,
		IsActive:    true,
	}
}

func mustPut(t *testing.T, s KeyStore, rec *model.APIKeyRecord) {
	t.Helper()
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func testPutGet(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_putget", "alice", "laptop")
	rec.IPWhitelist = []string{"10.0.0.1", "10.0.0.2"}
	mustPut(t, s, rec)

	got, err := s.Get(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "alice" || got.Name != "laptop" {
		t.Errorf("got user=%q name=%q, want alice/laptop", got.UserID, got.Name)
	}
	if len(got.Permissions) != 2 || !got.HasPermission(model.PermClassify) {
		t.Errorf("got permissions %v, want [read classify]", got.Permissions)
	}
	if len(got.IPWhitelist) != 2 || got.IPWhitelist[1] != "10.0.0.2" {
		t.Errorf("got whitelist %v", got.IPWhitelist)
	}
	if !got.CreatedAt.Equal(suiteTime) {
		t.Errorf("got created_at %v, want %v", got.CreatedAt, suiteTime)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*rec.ExpiresAt) {
		t.Errorf("got expires_at %v, want %v", got.ExpiresAt, rec.ExpiresAt)
	}
	if !got.IsActive || got.UsageCount != 0 || got.LastUsedAt != nil {
		t.Errorf("unexpected initial state: %+v", got)
	}

	if _, err := s.Get(ctx, HashKey("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
}

func testPutDuplicate(t *testing.T, s KeyStore) {
	rec := newRecord("vg_dup", "alice", "one")
	mustPut(t, s, rec)

	again := newRecord("vg_dup", "mallory", "two")
	if err := s.Put(context.Background(), again); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second Put: got %v, want ErrDuplicateKey", err)
	}
	got, _ := s.Get(context.Background(), rec.KeyHash)
	if got.UserID != "alice" {
		t.Errorf("record overwritten: user=%q", got.UserID)
	}
}

func testUpdate(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_update", "alice", "old")
	mustPut(t, s, rec)

	name := "new"
	upd := model.KeyUpdate{
		Name:           &name,
		SetPermissions: true,
		Permissions:    []string{model.PermAdmin},
		ClearExpiry:    true,
	}
	if err := s.Update(ctx, rec.KeyHash, upd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Get(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "new" {
		t.Errorf("got name %q, want %q", got.Name, "new")
	}
	if len(got.Permissions) != 1 || got.Permissions[0] != model.PermAdmin {
		t.Errorf("got permissions %v, want [admin]", got.Permissions)
	}
	if got.ExpiresAt != nil {
		t.Errorf("got expires_at %v, want nil", got.ExpiresAt)
	}

	if err := s.Update(ctx, HashKey("missing"), upd); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing: got %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, HashKey("missing"), model.KeyUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty Update missing: got %v, want ErrNotFound", err)
	}
}

func testDeactivate(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_deact", "alice", "k")
	mustPut(t, s, rec)

	changed, err := s.Deactivate(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if !changed {
		t.Error("first Deactivate should report a transition")
	}

	changed, err = s.Deactivate(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("second Deactivate: %v", err)
	}
	if changed {
		t.Error("second Deactivate should not report a transition")
	}

	got, _ := s.Get(ctx, rec.KeyHash)
	if got.IsActive {
		t.Error("key still active after Deactivate")
	}

	if _, err := s.Deactivate(ctx, HashKey("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deactivate missing: got %v, want ErrNotFound", err)
	}
}

func testQueryByField(t *testing.T, s KeyStore) {
	ctx := context.Background()
	a1 := newRecord("vg_a1", "alice", "one")
	a2 := newRecord("vg_a2", "alice", "two")
	a2.CreatedAt = suiteTime.Add(time.Minute)
	b1 := newRecord("vg_b1", "bob", "one")
	mustPut(t, s, a1)
	mustPut(t, s, a2)
	mustPut(t, s, b1)

	got, err := s.QueryByField(ctx, FieldUserID, "alice")
	if err != nil {
		t.Fatalf("QueryByField: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].KeyHash != a2.KeyHash {
		t.Errorf("expected newest record first, got %q", got[0].Name)
	}

	byName, err := s.QueryByField(ctx, FieldName, "one")
	if err != nil {
		t.Fatalf("QueryByField name: %v", err)
	}
	if len(byName) != 2 {
		t.Errorf("got %d records named one, want 2", len(byName))
	}

	none, err := s.QueryByField(ctx, FieldUserID, "nobody")
	if err != nil {
		t.Fatalf("QueryByField nobody: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d records for unknown user, want 0", len(none))
	}

	if _, err := s.QueryByField(ctx, Field("key_hash"), "x"); err == nil {
		t.Error("expected error for unsupported field")
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List returned %d records, want 3", len(all))
	}
}

func testDelete(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_delete", "alice", "k")
	mustPut(t, s, rec)

	if err := s.Delete(ctx, rec.KeyHash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.KeyHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, rec.KeyHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: got %v, want ErrNotFound", err)
	}
}

func testAppendLog(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_logs", "alice", "k")
	mustPut(t, s, rec)

	for i, code := range []int{200, 403, 200} {
		entry := &model.UsageLogEntry{
			ID:           uuid.NewString(),
			KeyHash:      rec.KeyHash,
			ClientIP:     fmt.Sprintf("10.0.0.%d", i+1),
			Endpoint:     "/api/v1/classify",
			Timestamp:    suiteTime.Add(time.Duration(i) * time.Hour),
			ResponseCode: code,
		}
		if err := s.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	got, err := s.Get(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UsageCount != 3 {
		t.Errorf("got usage_count %d, want 3", got.UsageCount)
	}
	wantLast := suiteTime.Add(2 * time.Hour)
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(wantLast) {
		t.Errorf("got last_used_at %v, want %v", got.LastUsedAt, wantLast)
	}

	logs, err := s.QueryLogs(ctx, rec.KeyHash, suiteTime.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d entries since +30m, want 2", len(logs))
	}
	if !logs[0].Timestamp.Equal(wantLast) || logs[0].ResponseCode != 200 {
		t.Errorf("expected newest entry first, got %+v", logs[0])
	}

	// Entries for unknown keys are kept but touch no record.
	orphan := &model.UsageLogEntry{
		ID:           uuid.NewString(),
		KeyHash:      HashKey("vg_unknown"),
		ClientIP:     "10.0.0.9",
		Endpoint:     "/api/v1/classify",
		Timestamp:    suiteTime,
		ResponseCode: 401,
	}
	if err := s.AppendLog(ctx, orphan); err != nil {
		t.Fatalf("AppendLog orphan: %v", err)
	}
	orphanLogs, err := s.QueryLogs(ctx, orphan.KeyHash, time.Time{})
	if err != nil {
		t.Fatalf("QueryLogs orphan: %v", err)
	}
	if len(orphanLogs) != 1 {
		t.Errorf("got %d orphan entries, want 1", len(orphanLogs))
	}
}

func testConcurrentAppendLog(t *testing.T, s KeyStore) {
	ctx := context.Background()
	rec := newRecord("vg_concurrent", "alice", "k")
	mustPut(t, s, rec)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- s.AppendLog(ctx, &model.UsageLogEntry{
					ID:           uuid.NewString(),
					KeyHash:      rec.KeyHash,
					ClientIP:     "10.0.0.1",
					Endpoint:     "/api/v1/classify",
					Timestamp:    suiteTime.Add(time.Duration(w*perWorker+i) * time.Millisecond),
					ResponseCode: 200,
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	got, err := s.Get(ctx, rec.KeyHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UsageCount != workers*perWorker {
		t.Errorf("got usage_count %d, want %d", got.UsageCount, workers*perWorker)
	}
}

func testClassifications(t *testing.T, s ClassificationStore) {
	ctx := context.Background()
	save := func(id, userID string, at time.Time) {
		t.Helper()
		err := s.SaveClassification(ctx, &model.Classification{
			ID:          id,
			UserID:      userID,
			KeyHash:     HashKey("vg_" + userID),
			ImageName:   id + ".png",
			ContentType: "image/png",
			Predictions: []model.Prediction{
				{Label: "cat", Confidence: 0.9},
				{Label: "dog", Confidence: 0.1},
			},
			Model:        "resnet50",
			ProcessingMS: 12.5,
			CreatedAt:    at,
		})
		if err != nil {
			t.Fatalf("SaveClassification %s: %v", id, err)
		}
	}
	for i := range 3 {
		save(uuid.NewString(), "alice", suiteTime.Add(time.Duration(i)*time.Minute))
	}
	newest := uuid.NewString()
	save(newest, "alice", suiteTime.Add(time.Hour))
	save(uuid.NewString(), "bob", suiteTime)

	got, err := s.GetClassification(ctx, newest)
	if err != nil {
		t.Fatalf("GetClassification: %v", err)
	}
	if got.UserID != "alice" || got.ImageName != newest+".png" || got.Model != "resnet50" {
		t.Errorf("unexpected classification: %+v", got)
	}
	if len(got.Predictions) != 2 || got.Predictions[0].Label != "cat" || got.Predictions[0].Confidence != 0.9 {
		t.Errorf("got predictions %+v", got.Predictions)
	}
	if !got.CreatedAt.Equal(suiteTime.Add(time.Hour)) {
		t.Errorf("got created_at %v", got.CreatedAt)
	}

	list, err := s.ListClassifications(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListClassifications: %v", err)
	}
	if len(list) != 2 || list[0].ID != newest {
		t.Errorf("expected 2 results, newest first; got %+v", list)
	}
	all, err := s.ListClassifications(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListClassifications unlimited: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("got %d results for alice, want 4", len(all))
	}

	if _, err := s.GetClassification(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClassification missing: got %v, want ErrNotFound", err)
	}
}
