package model

import (
	"testing"
	"time"
)

func TestAPIKeyRecordUsable(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		active  bool
		expires *time.Time
		want    bool
	}{
		{"active no expiry", true, nil, true},
		{"active future expiry", true, &future, true},
		{"active expires exactly now", true, &now, true},
		{"active expired", true, &past, false},
		{"revoked", false, nil, false},
		{"revoked and expired", false, &past, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &APIKeyRecord{IsActive: tt.active, ExpiresAt: tt.expires}
			if got := rec.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIKeyRecordAllowsIP(t *testing.T) {
	open := &APIKeyRecord{}
	if !open.AllowsIP("203.0.113.7") {
		t.Error("empty whitelist should admit any IP")
	}

	restricted := &APIKeyRecord{IPWhitelist: []string{"10.0.0.1", "10.0.0.2"}}
	if !restricted.AllowsIP("10.0.0.2") {
		t.Error("expected whitelisted IP to be admitted")
	}
	if restricted.AllowsIP("10.0.0.3") {
		t.Error("expected non-whitelisted IP to be rejected")
	}
	if restricted.AllowsIP("10.0.0.1 ") {
		t.Error("match must be exact")
	}
}

func TestIdentityIsACopy(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	rec := &APIKeyRecord{
		UserID:      "u1",
		Name:        "ci",
		Permissions: []string{PermRead},
		ExpiresAt:   &exp,
	}
	id := rec.Identity()
	id.Permissions[0] = PermAdmin
	*id.ExpiresAt = time.Time{}

	if rec.Permissions[0] != PermRead {
		t.Errorf("record permissions mutated through identity: %v", rec.Permissions)
	}
	if rec.ExpiresAt.IsZero() {
		t.Error("record expiry mutated through identity")
	}
	if !id.HasPermission(PermAdmin) {
		t.Error("identity should report its own permissions")
	}
}

func TestKeyUpdateApply(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &APIKeyRecord{
		Name:        "old",
		Permissions: []string{PermRead},
		IPWhitelist: []string{"10.0.0.1"},
		ExpiresAt:   &exp,
		IsActive:    false,
	}

	name := "new"
	KeyUpdate{Name: &name, SetIPWhitelist: true, ClearExpiry: true}.Apply(rec)

	if rec.Name != "new" {
		t.Errorf("Name = %q, want %q", rec.Name, "new")
	}
	if len(rec.IPWhitelist) != 0 {
		t.Errorf("IPWhitelist = %v, want empty", rec.IPWhitelist)
	}
	if rec.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", rec.ExpiresAt)
	}
	if len(rec.Permissions) != 1 || rec.Permissions[0] != PermRead {
		t.Errorf("Permissions changed without SetPermissions: %v", rec.Permissions)
	}
	if rec.IsActive {
		t.Error("update must never reactivate a key")
	}
}

func TestKeyUpdateEmpty(t *testing.T) {
	if !(KeyUpdate{}).Empty() {
		t.Error("zero KeyUpdate should be empty")
	}
	if (KeyUpdate{SetPermissions: true}).Empty() {
		t.Error("SetPermissions with nil list still replaces permissions")
	}
}
