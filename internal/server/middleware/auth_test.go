package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/ratelimit"
	"github.com/visiongate/visiongate/internal/service"
	"github.com/visiongate/visiongate/internal/store"
)

type usageCall struct {
	key, ip, endpoint string
	status            int
}

// fakeManager serves fixed records and records usage calls.
type fakeManager struct {
	mu        sync.Mutex
	records   map[string]*model.APIKeyRecord
	err       error
	validates int
	usage     []usageCall
}

func newFakeManager() *fakeManager {
	return &fakeManager{records: make(map[string]*model.APIKeyRecord)}
}

func (f *fakeManager) ValidateAPIKey(_ context.Context, key string) (*model.APIKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validates++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[key], nil
}

func (f *fakeManager) LogAPIUsage(_ context.Context, key, ip, endpoint string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, usageCall{key, ip, endpoint, status})
}

func (f *fakeManager) calls() []usageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usageCall(nil), f.usage...)
}

// denyAll rejects every request.
type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{Limit: 1, RetryAfter: 1500 * time.Millisecond}, nil
}

// brokenLimiter fails every call.
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func guardRequest(t *testing.T, h http.Handler, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/classify", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func assertErrorBody(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, status, rr.Body.String())
	}
	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Code != status {
		t.Errorf("error.code = %d, want %d", resp.Error.Code, status)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}

func activeRecord(perms ...string) *model.APIKeyRecord {
	return &model.APIKeyRecord{UserID: "u1", Name: "k", Permissions: perms, IsActive: true}
}

func TestGuardMissingKey(t *testing.T) {
	fm := newFakeManager()
	h := Guard(fm, denyAll{}, GuardOptions{Logger: quietLogger()})(okHandler(200))

	rr := guardRequest(t, h, "")
	assertErrorBody(t, rr, http.StatusUnauthorized)
	if fm.validates != 0 {
		t.Errorf("store consulted %d times, want 0", fm.validates)
	}
	if n := len(fm.calls()); n != 0 {
		t.Errorf("logged %d usage events, want 0", n)
	}
}

func TestGuardRateLimitedBeforeLookup(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_good"] = activeRecord(model.PermClassify)
	h := Guard(fm, denyAll{}, GuardOptions{Logger: quietLogger()})(okHandler(200))

	rr := guardRequest(t, h, "vg_good")
	assertErrorBody(t, rr, http.StatusTooManyRequests)
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}
	if fm.validates != 0 {
		t.Errorf("store consulted %d times, want 0", fm.validates)
	}
	if n := len(fm.calls()); n != 0 {
		t.Errorf("logged %d usage events, want 0", n)
	}
}

func TestGuardInvalidKeyIsLogged(t *testing.T) {
	fm := newFakeManager()
	h := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(okHandler(200))

	rr := guardRequest(t, h, "vg_unknown")
	assertErrorBody(t, rr, http.StatusUnauthorized)

	calls := fm.calls()
	if len(calls) != 1 {
		t.Fatalf("logged %d usage events, want 1", len(calls))
	}
	want := usageCall{"vg_unknown", "10.0.0.1", "/api/v1/classify", 401}
	if calls[0] != want {
		t.Errorf("usage = %+v, want %+v", calls[0], want)
	}
}

func TestGuardStoreUnavailable(t *testing.T) {
	fm := newFakeManager()
	fm.err = service.ErrStoreUnavailable
	h := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(okHandler(200))

	rr := guardRequest(t, h, "vg_any")
	assertErrorBody(t, rr, http.StatusServiceUnavailable)
	if calls := fm.calls(); len(calls) != 1 || calls[0].status != 503 {
		t.Errorf("usage = %+v, want one 503 event", calls)
	}
}

func TestGuardPermission(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_reader"] = activeRecord(model.PermRead)
	fm.records["vg_admin"] = activeRecord(model.PermAdmin)
	h := Guard(fm, nil, GuardOptions{Permission: model.PermAdmin, Logger: quietLogger()})(okHandler(200))

	rr := guardRequest(t, h, "vg_reader")
	assertErrorBody(t, rr, http.StatusForbidden)

	if rr := guardRequest(t, h, "vg_admin"); rr.Code != http.StatusOK {
		t.Errorf("admin key status = %d, want 200", rr.Code)
	}

	calls := fm.calls()
	if len(calls) != 2 || calls[0].status != 403 || calls[1].status != 200 {
		t.Errorf("usage = %+v, want 403 then 200", calls)
	}
}

func TestGuardIPWhitelist(t *testing.T) {
	fm := newFakeManager()
	rec := activeRecord(model.PermClassify)
	rec.IPWhitelist = []string{"10.0.0.2"}
	fm.records["vg_pinned"] = rec

	checked := Guard(fm, nil, GuardOptions{CheckIP: true, Logger: quietLogger()})(okHandler(200))
	assertErrorBody(t, guardRequest(t, checked, "vg_pinned"), http.StatusForbidden)

	unchecked := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(okHandler(200))
	if rr := guardRequest(t, unchecked, "vg_pinned"); rr.Code != http.StatusOK {
		t.Errorf("route without IP check: status = %d, want 200", rr.Code)
	}
}

func TestGuardAdmitAttachesIdentity(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_good"] = activeRecord(model.PermClassify)

	var gotID *model.KeyIdentity
	var gotKey string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetIdentity(r.Context())
		gotKey = GetAPIKey(r.Context())
		w.WriteHeader(http.StatusCreated)
	})
	h := Guard(fm, nil, GuardOptions{Permission: model.PermClassify, Logger: quietLogger()})(inner)

	rr := guardRequest(t, h, "vg_good")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if gotID == nil || gotID.UserID != "u1" {
		t.Errorf("identity = %+v, want user u1", gotID)
	}
	if gotKey != "vg_good" {
		t.Errorf("api key = %q, want vg_good", gotKey)
	}
	if calls := fm.calls(); len(calls) != 1 || calls[0].status != 201 {
		t.Errorf("usage = %+v, want one 201 event", calls)
	}
}

func TestGuardLogsHandlerPanic(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_good"] = activeRecord()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("model exploded")
	})
	h := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(inner)

	func() {
		defer func() {
			if p := recover(); p == nil {
				t.Error("expected panic to propagate")
			}
		}()
		guardRequest(t, h, "vg_good")
	}()

	if calls := fm.calls(); len(calls) != 1 || calls[0].status != 500 {
		t.Errorf("usage = %+v, want one 500 event", calls)
	}
}

func TestGuardSkipsLogForAbortedRequest(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_good"] = activeRecord()

	ctx, cancel := context.WithCancel(context.Background())
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // client disconnects mid-request
	})
	h := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(inner)

	req := httptest.NewRequest("GET", "/api/v1/classify", nil).WithContext(ctx)
	req.Header.Set("X-API-Key", "vg_good")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if n := len(fm.calls()); n != 0 {
		t.Errorf("logged %d usage events for aborted request, want 0", n)
	}
}

func TestGuardFormFieldKey(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_form"] = activeRecord()
	h := Guard(fm, nil, GuardOptions{Logger: quietLogger()})(okHandler(200))

	form := url.Values{"api_key": {"vg_form"}}
	req := httptest.NewRequest("POST", "/api/v1/classify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}

	// Query-string keys are ignored.
	req = httptest.NewRequest("GET", "/api/v1/classify?api_key=vg_form", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("query key status = %d, want 401", rr.Code)
	}
}

func TestGuardCustomHeader(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_h"] = activeRecord()
	h := Guard(fm, nil, GuardOptions{KeyHeader: "X-Vision-Key", Logger: quietLogger()})(okHandler(200))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Vision-Key", "vg_h")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestGuardLimiterFailureAdmits(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_good"] = activeRecord()
	h := Guard(fm, brokenLimiter{}, GuardOptions{Logger: quietLogger()})(okHandler(200))

	if rr := guardRequest(t, h, "vg_good"); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter is down", rr.Code)
	}
}

func TestGuardWithKeyManager(t *testing.T) {
	km := service.NewKeyManager(store.NewMemoryStore(), quietLogger())
	limiter, _ := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 60, Window: time.Minute})
	h := Guard(km, limiter, GuardOptions{Permission: model.PermClassify, CheckIP: true, Logger: quietLogger()})(okHandler(200))
	ctx := context.Background()

	key, err := km.GenerateAPIKey(ctx, "u1", "ci", service.WithIPWhitelist("10.0.0.1"))
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	for i := 1; i <= 60; i++ {
		if rr := guardRequest(t, h, key); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rr.Code)
		}
	}
	rr := guardRequest(t, h, key)
	assertErrorBody(t, rr, http.StatusTooManyRequests)

	info, err := km.LookupKey(ctx, key)
	if err != nil {
		t.Fatalf("LookupKey: %v", err)
	}
	// The rejected 61st request never reached validation.
	if info.UsageCount != 60 {
		t.Errorf("usage_count = %d, want 60", info.UsageCount)
	}

	km.RevokeAPIKey(ctx, key)
	limiter2, _ := ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig())
	h2 := Guard(km, limiter2, GuardOptions{Logger: quietLogger()})(okHandler(200))
	assertErrorBody(t, guardRequest(t, h2, key), http.StatusUnauthorized)
}

func TestGuardEndpointName(t *testing.T) {
	fm := newFakeManager()
	fm.records["vg_admin"] = activeRecord(model.PermAdmin)

	t.Run("fixed endpoint", func(t *testing.T) {
		h := Guard(fm, nil, GuardOptions{Endpoint: "classify", Logger: quietLogger()})(okHandler(200))
		guardRequest(t, h, "vg_admin")
		calls := fm.calls()
		if got := calls[len(calls)-1].endpoint; got != "classify" {
			t.Errorf("endpoint = %q, want classify", got)
		}
	})

	t.Run("route pattern hides path parameters", func(t *testing.T) {
		r := chi.NewRouter()
		r.With(Guard(fm, nil, GuardOptions{Logger: quietLogger()})).
			Post("/api/v1/admin/users/{userID}/revoke", okHandler(200).ServeHTTP)

		req := httptest.NewRequest("POST", "/api/v1/admin/users/alice@example.com/revoke", nil)
		req.Header.Set("X-API-Key", "vg_admin")
		r.ServeHTTP(httptest.NewRecorder(), req)

		calls := fm.calls()
		if got := calls[len(calls)-1].endpoint; got != "/api/v1/admin/users/{userID}/revoke" {
			t.Errorf("endpoint = %q", got)
		}
	})
}
