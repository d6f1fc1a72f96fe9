package model

import (
	"slices"
	"time"
)

// Permission names understood by the gateway. Keys may carry any string;
// these are the ones routes check for.
const (
	PermRead     = "read"
	PermClassify = "classify"
	PermAdmin    = "admin"
)

// DefaultPermissions is the permission set given to keys generated without
// an explicit list.
var DefaultPermissions = []string{PermRead, PermClassify}

// APIKeyRecord is the stored form of an API key. The raw token is never
// persisted; KeyHash is its SHA-256 digest and the record identifier.
type APIKeyRecord struct {
	KeyHash     string     `json:"-" db:"key_hash"`
	KeyPrefix   string     `json:"key_prefix" db:"key_prefix"`
	UserID      string     `json:"user_id" db:"user_id"`
	Name        string     `json:"name" db:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count" db:"usage_count"`
	IPWhitelist []string   `json:"ip_whitelist,omitempty"`
}

// Usable reports whether the key is active and not expired at now.
// A key whose expiry equals now is still usable.
func (r *APIKeyRecord) Usable(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	return r.ExpiresAt == nil || !now.After(*r.ExpiresAt)
}

// HasPermission reports whether perm is in the key's permission set.
func (r *APIKeyRecord) HasPermission(perm string) bool {
	return slices.Contains(r.Permissions, perm)
}

// AllowsIP reports whether ip may use the key. An empty whitelist admits
// every address; otherwise the match is exact.
func (r *APIKeyRecord) AllowsIP(ip string) bool {
	if len(r.IPWhitelist) == 0 {
		return true
	}
	return slices.Contains(r.IPWhitelist, ip)
}

// Identity returns the caller-facing view of the record.
func (r *APIKeyRecord) Identity() *KeyIdentity {
	id := &KeyIdentity{
		UserID:      r.UserID,
		Name:        r.Name,
		Permissions: slices.Clone(r.Permissions),
		CreatedAt:   r.CreatedAt,
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		id.ExpiresAt = &t
	}
	return id
}

// Clone returns a deep copy so callers can't mutate shared state.
func (r *APIKeyRecord) Clone() *APIKeyRecord {
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	c.IPWhitelist = slices.Clone(r.IPWhitelist)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// KeyIdentity is what an admitted request knows about its caller.
type KeyIdentity struct {
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HasPermission reports whether perm is in the identity's permission set.
func (k *KeyIdentity) HasPermission(perm string) bool {
	return slices.Contains(k.Permissions, perm)
}

// KeyInfo is the self-service view of a key: identity plus usage counters.
// ID is the key hash, which administrative operations accept in place of
// the raw token.
type KeyInfo struct {
	ID string `json:"id"`
	KeyIdentity
	KeyPrefix   string     `json:"key_prefix"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
	IPWhitelist []string   `json:"ip_whitelist,omitempty"`
}

// KeyUpdate is a partial update of mutable key fields. Nil fields are left
// untouched. IsActive cannot be changed by an update.
type KeyUpdate struct {
	Name        *string
	Permissions []string
	IPWhitelist []string
	ExpiresAt   *time.Time
	ClearExpiry bool

	// SetPermissions and SetIPWhitelist distinguish "leave alone" from
	// "replace with empty".
	SetPermissions bool
	SetIPWhitelist bool
}

// Empty reports whether the update changes nothing.
func (u KeyUpdate) Empty() bool {
	return u.Name == nil && !u.SetPermissions && !u.SetIPWhitelist && u.ExpiresAt == nil && !u.ClearExpiry
}

// Apply mutates rec in place according to the update.
func (u KeyUpdate) Apply(rec *APIKeyRecord) {
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.SetPermissions {
		rec.Permissions = slices.Clone(u.Permissions)
	}
	if u.SetIPWhitelist {
		rec.IPWhitelist = slices.Clone(u.IPWhitelist)
	}
	if u.ClearExpiry {
		rec.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		rec.ExpiresAt = &t
	}
}
