package openapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func TestGenerate_ValidOpenAPI(t *testing.T) {
	doc := Generate(Options{BaseURL: "http://localhost:8080", Version: "1.2.3"})

	if doc.Info == nil || doc.Info.Version != "1.2.3" {
		t.Fatalf("Info not set correctly: %+v", doc.Info)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://localhost:8080" {
		t.Errorf("Servers not set correctly")
	}

	// Round-trip through the loader so component refs resolve.
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	loaded, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loaded.Validate(context.Background()); err != nil {
		t.Fatalf("generated document is invalid: %v", err)
	}
}

func TestGenerate_Paths(t *testing.T) {
	doc := Generate(Options{})

	tests := []struct {
		path   string
		method string
		id     string
	}{
		{"/healthz", "GET", "healthz"},
		{"/readyz", "GET", "readyz"},
		{"/openapi.json", "GET", "openapi"},
		{"/api/v1/classify", "POST", "classify"},
		{"/api/v1/keys/info", "GET", "get_key_info"},
		{"/api/v1/keys/stats", "GET", "get_key_stats"},
		{"/api/v1/history", "GET", "list_history"},
		{"/api/v1/history/{id}", "GET", "get_history_entry"},
		{"/api/v1/categories", "GET", "list_categories"},
		{"/api/v1/admin/keys", "GET", "list_keys"},
		{"/api/v1/admin/keys", "POST", "create_key"},
		{"/api/v1/admin/keys/update", "POST", "update_key"},
		{"/api/v1/admin/keys/revoke", "POST", "revoke_key"},
		{"/api/v1/admin/keys/delete", "POST", "delete_key"},
		{"/api/v1/admin/keys/stats", "POST", "admin_key_stats"},
		{"/api/v1/admin/users/{userID}/revoke", "POST", "revoke_user_keys"},
	}
	for _, tt := range tests {
		item := doc.Paths.Find(tt.path)
		if item == nil {
			t.Errorf("path %s missing", tt.path)
			continue
		}
		op := item.GetOperation(tt.method)
		if op == nil {
			t.Errorf("%s %s missing", tt.method, tt.path)
			continue
		}
		if op.OperationID != tt.id {
			t.Errorf("%s %s operationId = %q, want %q", tt.method, tt.path, op.OperationID, tt.id)
		}
	}
	if n := doc.Paths.Len(); n != 15 {
		t.Errorf("expected 15 paths, got %d", n)
	}
}

func TestGenerate_SecurityScheme(t *testing.T) {
	doc := Generate(Options{KeyHeader: "X-Vision-Key"})

	scheme, ok := doc.Components.SecuritySchemes["apiKey"]
	if !ok {
		t.Fatal("apiKey security scheme not found")
	}
	if scheme.Value.Type != "apiKey" || scheme.Value.In != "header" {
		t.Errorf("unexpected scheme: %+v", scheme.Value)
	}
	if scheme.Value.Name != "X-Vision-Key" {
		t.Errorf("scheme header = %q, want X-Vision-Key", scheme.Value.Name)
	}
	if len(doc.Security) != 1 {
		t.Errorf("Security requirements count = %d, want 1", len(doc.Security))
	}

	// Health checks are public.
	healthz := doc.Paths.Find("/healthz").Get
	if healthz.Security == nil || len(*healthz.Security) != 0 {
		t.Error("healthz should override global security with an empty requirement")
	}
}

func TestGenerate_GuardedResponses(t *testing.T) {
	doc := Generate(Options{})
	op := doc.Paths.Find("/api/v1/classify").Post

	for _, code := range []string{"200", "401", "403", "429", "502", "503"} {
		if op.Responses.Value(code) == nil {
			t.Errorf("classify missing %s response", code)
		}
	}
	if doc.Paths.Find("/healthz").Get.Responses.Value("401") != nil {
		t.Error("healthz should not document 401")
	}
}

func TestGenerate_ComponentSchemas(t *testing.T) {
	doc := Generate(Options{})
	for _, name := range []string{
		schemaError, schemaKeyInfo, schemaKeySummary, schemaCreateKey, schemaCreatedKey,
		schemaUpdateKey, schemaTargetKey, schemaUsageStats, schemaUsageEntry,
		schemaPrediction, schemaClassifyResult, schemaOperationResult, schemaClassification,
	} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Errorf("component schema %s missing", name)
		}
	}

	summary := doc.Components.Schemas[schemaKeySummary].Value
	if _, ok := summary.Properties["masked_key"]; !ok {
		t.Error("KeySummary should expose masked_key")
	}
	if _, ok := summary.Properties["api_key"]; ok {
		t.Error("KeySummary must not expose api_key")
	}
	if _, ok := summary.Properties["id"]; !ok {
		t.Error("KeySummary should expose id")
	}

	target := doc.Components.Schemas[schemaTargetKey].Value
	if _, ok := target.Properties["key_id"]; !ok {
		t.Error("TargetKeyRequest should accept key_id")
	}
	if len(target.Required) != 0 {
		t.Errorf("TargetKeyRequest required = %v, want none", target.Required)
	}
}
