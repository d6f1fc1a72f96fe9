package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visiongate/visiongate/internal/metrics"
	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/store"
)

const (
	// KeyPrefix marks tokens issued by this gateway.
	KeyPrefix = "vg_"

	// DefaultExpiryDays is the lifetime of keys generated without an
	// explicit expiry.
	DefaultExpiryDays = 365

	// MaxExpiryDays caps key lifetimes. Longer requests are clamped.
	MaxExpiryDays = 36500

	// DefaultStatsDays is the stats window used when none is given.
	DefaultStatsDays = 30

	// MaxStatsDays caps the stats window.
	MaxStatsDays = 3650

	tokenBytes        = 32
	displayPrefixLen  = len(KeyPrefix) + 8
	defaultRecentLogs = 10

	// minKeyRefLen is the shortest ID prefix ResolveKeyID accepts.
	minKeyRefLen = 6
)

// KeyManager owns the API key lifecycle. It holds no mutable state of its
// own; every mutation goes through the KeyStore, which provides atomicity.
type KeyManager struct {
	store       store.KeyStore
	logger      *slog.Logger
	now         func() time.Time
	random      io.Reader
	recentLimit int
}

// Option configures a KeyManager.
type Option func(*KeyManager)

// WithClock replaces time.Now. Tests use it to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(m *KeyManager) { m.now = now }
}

// WithRandom replaces crypto/rand as the token entropy source.
func WithRandom(r io.Reader) Option {
	return func(m *KeyManager) { m.random = r }
}

// WithRecentLimit sets how many recent log entries GetUsageStats returns.
func WithRecentLimit(n int) Option {
	return func(m *KeyManager) { m.recentLimit = n }
}

// NewKeyManager creates a manager over the given store.
func NewKeyManager(s store.KeyStore, logger *slog.Logger, opts ...Option) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &KeyManager{
		store:       s,
		logger:      logger,
		now:         time.Now,
		random:      rand.Reader,
		recentLimit: defaultRecentLogs,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

type keyOptions struct {
	permissions []string
	expiryDays  int
	noExpiry    bool
	whitelist   []string
}

// KeyOption customises a generated key.
type KeyOption func(*keyOptions)

// WithPermissions sets the key's permission set. Duplicates are dropped.
func WithPermissions(perms ...string) KeyOption {
	return func(o *keyOptions) { o.permissions = normalizeSet(perms) }
}

// WithExpiryDays sets the key lifetime in calendar days. Zero or negative
// values produce a key that is already expired; values above MaxExpiryDays
// are clamped.
func WithExpiryDays(days int) KeyOption {
	return func(o *keyOptions) { o.expiryDays = days; o.noExpiry = false }
}

// WithoutExpiry creates a key that never expires.
func WithoutExpiry() KeyOption {
	return func(o *keyOptions) { o.noExpiry = true }
}

// WithIPWhitelist restricts the key to the given client addresses.
func WithIPWhitelist(ips ...string) KeyOption {
	return func(o *keyOptions) { o.whitelist = normalizeSet(ips) }
}

// GenerateAPIKey creates and persists a new key for userID and returns the
// raw token. The token is not recoverable afterwards.
func (m *KeyManager) GenerateAPIKey(ctx context.Context, userID, name string, opts ...KeyOption) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	o := keyOptions{
		permissions: append([]string(nil), model.DefaultPermissions...),
		expiryDays:  DefaultExpiryDays,
	}
	for _, fn := range opts {
		fn(&o)
	}

	token, err := m.newToken()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}

	now := m.now().UTC()
	rec := &model.APIKeyRecord{
		KeyHash:     store.HashKey(token),
		KeyPrefix:   token[:displayPrefixLen],
		UserID:      userID,
		Name:        name,
		Permissions: o.permissions,
		CreatedAt:   now,
		IsActive:    true,
		IPWhitelist: o.whitelist,
	}
	if !o.noExpiry {
		exp := expiryFrom(now, o.expiryDays)
		rec.ExpiresAt = &exp
	}

	if err := m.store.Put(ctx, rec); err != nil {
		m.logger.Error("api key generation failed", "user_id", userID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}

	metrics.KeyLifecycle.WithLabelValues("generated").Inc()
	m.logger.Info("api key generated", "user_id", userID, "name", name, "key_prefix", rec.KeyPrefix)
	return token, nil
}

func (m *KeyManager) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func expiryFrom(now time.Time, days int) time.Time {
	if days <= 0 {
		// Expired on arrival, even when validated at the same instant.
		return now.AddDate(0, 0, days).Add(-time.Nanosecond)
	}
	return now.AddDate(0, 0, min(days, MaxExpiryDays))
}

// maxExpiry is the latest expiry an update may set.
func (m *KeyManager) maxExpiry() time.Time {
	return m.now().UTC().AddDate(0, 0, MaxExpiryDays)
}

// ---------------------------------------------------------------------------
// Key identifiers
// ---------------------------------------------------------------------------

// KeyID returns the stable identifier of a raw key. It is the value listed
// as "id" and accepted by the *ByID operations.
func KeyID(rawKey string) string {
	return store.HashKey(rawKey)
}

// ResolveKeyID maps an operator-supplied reference to a key ID. Accepted
// forms are a raw token, a full ID, a unique ID prefix of at least six hex
// characters, and a masked key as shown in listings ("vg_AbCdEfGh...").
// An unknown full ID is returned as is; the operation using it reports
// ErrKeyNotFound.
func (m *KeyManager) ResolveKeyID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", fmt.Errorf("%w: key reference is required", ErrInvalidArgument)
	case isRawToken(ref):
		return KeyID(ref), nil
	case isFullKeyID(ref):
		return strings.ToLower(ref), nil
	}

	masked := strings.TrimSuffix(ref, "...")
	if len(masked) < minKeyRefLen {
		return "", fmt.Errorf("%w: key reference %q is too short", ErrInvalidArgument, ref)
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		return "", m.storeErr("resolve key id", err)
	}
	idPrefix := strings.ToLower(masked)
	var matches []string
	for _, rec := range recs {
		if rec.KeyPrefix == masked || strings.HasPrefix(rec.KeyHash, idPrefix) {
			matches = append(matches, rec.KeyHash)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrKeyNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: key reference %q matches %d keys", ErrInvalidArgument, ref, len(matches))
	}
}

func isRawToken(ref string) bool {
	return strings.HasPrefix(ref, KeyPrefix) && !strings.HasSuffix(ref, "...") && len(ref) > displayPrefixLen
}

func isFullKeyID(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func shortID(keyID string) string {
	return keyID[:min(len(keyID), 12)]
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ValidateAPIKey returns the record for a usable key. Unknown, revoked and
// expired keys all yield (nil, nil); the reason is only logged at debug
// level. A store failure yields an error wrapping ErrStoreUnavailable.
func (m *KeyManager) ValidateAPIKey(ctx context.Context, rawKey string) (*model.APIKeyRecord, error) {
	if rawKey == "" {
		return nil, nil
	}
	rec, err := m.store.Get(ctx, store.HashKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("api key rejected", "reason", "unknown")
			return nil, nil
		}
		return nil, m.storeErr("validate api key", err)
	}

	now := m.now()
	switch {
	case !rec.IsActive:
		m.logger.Debug("api key rejected", "reason", "revoked", "key_prefix", rec.KeyPrefix)
		return nil, nil
	case !rec.Usable(now):
		m.logger.Debug("api key rejected", "reason", "expired", "key_prefix", rec.KeyPrefix)
		return nil, nil
	}
	return rec, nil
}

// Validate is ValidateAPIKey reduced to the caller-facing identity.
func (m *KeyManager) Validate(ctx context.Context, rawKey string) (*model.KeyIdentity, error) {
	rec, err := m.ValidateAPIKey(ctx, rawKey)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Identity(), nil
}

// CheckPermission reports whether the key is valid and carries permission.
// An invalid key is simply false.
func (m *KeyManager) CheckPermission(ctx context.Context, rawKey, permission string) (bool, error) {
	rec, err := m.ValidateAPIKey(ctx, rawKey)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.HasPermission(permission), nil
}

// ValidateIPAccess reports whether clientIP may use the key. Keys without a
// whitelist admit every address.
func (m *KeyManager) ValidateIPAccess(ctx context.Context, rawKey, clientIP string) (bool, error) {
	rec, err := m.ValidateAPIKey(ctx, rawKey)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.AllowsIP(clientIP), nil
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

// RevokeAPIKey deactivates the key. Revoking an already revoked key is a
// successful no-op. Unknown keys report false.
func (m *KeyManager) RevokeAPIKey(ctx context.Context, rawKey string) (bool, error) {
	return m.RevokeKeyByID(ctx, KeyID(rawKey))
}

// RevokeKeyByID is RevokeAPIKey addressed by key ID.
func (m *KeyManager) RevokeKeyByID(ctx context.Context, keyHash string) (bool, error) {
	changed, err := m.store.Deactivate(ctx, keyHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, m.storeErr("revoke api key", err)
	}
	if changed {
		metrics.KeyLifecycle.WithLabelValues("revoked").Inc()
		m.logger.Info("api key revoked", "key_id", shortID(keyHash))
	}
	return true, nil
}

// RevokeCompromisedKeys revokes every active key owned by userID and
// returns how many were actually transitioned.
func (m *KeyManager) RevokeCompromisedKeys(ctx context.Context, userID string) (int, error) {
	recs, err := m.store.QueryByField(ctx, store.FieldUserID, userID)
	if err != nil {
		return 0, m.storeErr("revoke compromised keys", err)
	}

	var count int
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		changed, err := m.store.Deactivate(ctx, rec.KeyHash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted concurrently
			}
			return count, m.storeErr("revoke compromised keys", err)
		}
		if changed {
			count++
			metrics.KeyLifecycle.WithLabelValues("revoked").Inc()
		}
	}
	m.logger.Warn("revoked compromised keys", "user_id", userID, "count", count)
	return count, nil
}

// ---------------------------------------------------------------------------
// Usage accounting
// ---------------------------------------------------------------------------

// LogAPIUsage records one usage event and bumps the key's counters. It
// never fails the caller: store errors are logged and counted only.
func (m *KeyManager) LogAPIUsage(ctx context.Context, rawKey, clientIP, endpoint string, responseCode int) {
	entry := &model.UsageLogEntry{
		ID:           uuid.NewString(),
		KeyHash:      store.HashKey(rawKey),
		ClientIP:     clientIP,
		Endpoint:     endpoint,
		Timestamp:    m.now().UTC(),
		ResponseCode: responseCode,
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		metrics.UsageLogFailures.Inc()
		m.logger.Error("usage log write failed",
			"endpoint", endpoint,
			"status", responseCode,
			"error", err,
		)
	}
}

// GetUsageStats aggregates the key's usage log over the trailing days.
// Zero or less means DefaultStatsDays; the window is capped at MaxStatsDays.
func (m *KeyManager) GetUsageStats(ctx context.Context, rawKey string, days int) (*model.UsageStats, error) {
	return m.UsageStatsByID(ctx, KeyID(rawKey), days)
}

// UsageStatsByID is GetUsageStats addressed by key ID. It does not check
// that the key still exists; deleted keys keep their log.
func (m *KeyManager) UsageStatsByID(ctx context.Context, keyHash string, days int) (*model.UsageStats, error) {
	switch {
	case days <= 0:
		days = DefaultStatsDays
	case days > MaxStatsDays:
		days = MaxStatsDays
	}
	since := m.now().AddDate(0, 0, -days)
	entries, err := m.store.QueryLogs(ctx, keyHash, since)
	if err != nil {
		return nil, m.storeErr("usage stats", err)
	}

	stats := &model.UsageStats{
		PeriodDays:    days,
		TotalRequests: len(entries),
		Endpoints:     make(map[string]int),
		Recent:        []model.UsageLogEntry{},
	}
	ips := make(map[string]struct{})
	for _, e := range entries {
		if e.ResponseCode >= 400 {
			stats.ErrorRequests++
		}
		ips[e.ClientIP] = struct{}{}
		stats.Endpoints[e.Endpoint]++
	}
	stats.UniqueIPs = len(ips)

	// Entries arrive newest first.
	n := min(len(entries), m.recentLimit)
	stats.Recent = append(stats.Recent, entries[:n]...)
	return stats, nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// GetUserKeys returns all keys owned by userID, revoked ones included.
func (m *KeyManager) GetUserKeys(ctx context.Context, userID string) ([]model.APIKeyRecord, error) {
	recs, err := m.store.QueryByField(ctx, store.FieldUserID, userID)
	if err != nil {
		return nil, m.storeErr("get user keys", err)
	}
	return recs, nil
}

// ListAPIKeys returns every stored key.
func (m *KeyManager) ListAPIKeys(ctx context.Context) ([]model.APIKeyRecord, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, m.storeErr("list api keys", err)
	}
	return recs, nil
}

// GetKeyInfo returns the self-service view of a usable key, or nil.
func (m *KeyManager) GetKeyInfo(ctx context.Context, rawKey string) (*model.KeyInfo, error) {
	rec, err := m.ValidateAPIKey(ctx, rawKey)
	if err != nil || rec == nil {
		return nil, err
	}
	return keyInfo(rec), nil
}

// LookupKey returns the record for any stored key, usable or not.
func (m *KeyManager) LookupKey(ctx context.Context, rawKey string) (*model.KeyInfo, error) {
	return m.LookupKeyByID(ctx, KeyID(rawKey))
}

// LookupKeyByID is LookupKey addressed by key ID.
func (m *KeyManager) LookupKeyByID(ctx context.Context, keyHash string) (*model.KeyInfo, error) {
	rec, err := m.store.Get(ctx, keyHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, m.storeErr("lookup api key", err)
	}
	return keyInfo(rec), nil
}

func keyInfo(rec *model.APIKeyRecord) *model.KeyInfo {
	return &model.KeyInfo{
		ID:          rec.KeyHash,
		KeyIdentity: *rec.Identity(),
		KeyPrefix:   rec.KeyPrefix,
		IsActive:    rec.IsActive,
		LastUsedAt:  rec.LastUsedAt,
		UsageCount:  rec.UsageCount,
		IPWhitelist: rec.IPWhitelist,
	}
}

// UpdateAPIKey changes mutable key attributes. It cannot reactivate a
// revoked key. An expiry beyond MaxExpiryDays from now is rejected.
func (m *KeyManager) UpdateAPIKey(ctx context.Context, rawKey string, upd model.KeyUpdate) error {
	return m.UpdateKeyByID(ctx, KeyID(rawKey), upd)
}

// UpdateKeyByID is UpdateAPIKey addressed by key ID.
func (m *KeyManager) UpdateKeyByID(ctx context.Context, keyHash string, upd model.KeyUpdate) error {
	if upd.ExpiresAt != nil && upd.ExpiresAt.After(m.maxExpiry()) {
		return fmt.Errorf("%w: expires_at is more than %d days away", ErrInvalidArgument, MaxExpiryDays)
	}
	if upd.SetPermissions {
		upd.Permissions = normalizeSet(upd.Permissions)
	}
	if upd.SetIPWhitelist {
		upd.IPWhitelist = normalizeSet(upd.IPWhitelist)
	}
	if err := m.store.Update(ctx, keyHash, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrKeyNotFound
		}
		return m.storeErr("update api key", err)
	}
	return nil
}

// DeleteAPIKey removes the key record permanently. It reports false for
// unknown keys. Prefer RevokeAPIKey; deletion loses the audit trail link.
func (m *KeyManager) DeleteAPIKey(ctx context.Context, rawKey string) (bool, error) {
	return m.DeleteKeyByID(ctx, KeyID(rawKey))
}

// DeleteKeyByID is DeleteAPIKey addressed by key ID.
func (m *KeyManager) DeleteKeyByID(ctx context.Context, keyHash string) (bool, error) {
	if err := m.store.Delete(ctx, keyHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, m.storeErr("delete api key", err)
	}
	metrics.KeyLifecycle.WithLabelValues("deleted").Inc()
	return true, nil
}

// Ping reports whether the key store is reachable.
func (m *KeyManager) Ping(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (m *KeyManager) storeErr(op string, err error) error {
	m.logger.Error("key store failure", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func normalizeSet(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
