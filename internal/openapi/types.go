package openapi

import "github.com/getkin/kin-openapi/openapi3"

// Component schema names.
const (
	schemaError           = "ErrorResponse"
	schemaKeyInfo         = "KeyInfo"
	schemaKeySummary      = "KeySummary"
	schemaCreateKey       = "CreateKeyRequest"
	schemaCreatedKey      = "CreatedKey"
	schemaUpdateKey       = "UpdateKeyRequest"
	schemaTargetKey       = "TargetKeyRequest"
	schemaUsageStats      = "UsageStats"
	schemaUsageEntry      = "UsageLogEntry"
	schemaPrediction      = "Prediction"
	schemaClassifyResult  = "ClassifyResponse"
	schemaOperationResult = "OperationResult"
	schemaClassification  = "Classification"
)

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func stringArray() *openapi3.Schema {
	return openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())
}

func described(s *openapi3.Schema, desc string) *openapi3.Schema {
	s.Description = desc
	return s
}

// identityProperties are shared by every schema that describes a key.
func identityProperties(s *openapi3.Schema) *openapi3.Schema {
	return s.
		WithProperty("id", described(openapi3.NewStringSchema(),
			"Stable key ID. Accepted as key_id by the admin operations.")).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("permissions", stringArray()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()).
		WithProperty("is_active", openapi3.NewBoolSchema()).
		WithProperty("last_used_at", openapi3.NewDateTimeSchema()).
		WithProperty("usage_count", openapi3.NewInt64Schema()).
		WithProperty("ip_whitelist", stringArray())
}

// targetProperties name the key an admin operation applies to. Exactly one
// of api_key and key_id must be given.
func targetProperties(s *openapi3.Schema) *openapi3.Schema {
	return s.
		WithProperty("api_key", described(openapi3.NewStringSchema(), "Raw token.")).
		WithProperty("key_id", described(openapi3.NewStringSchema(),
			"Key ID, a unique ID prefix of at least 6 characters, or the masked key."))
}

// componentSchemas returns the reusable schemas referenced by the paths.
func componentSchemas() openapi3.Schemas {
	errorDetail := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewInt32Schema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("context", openapi3.NewObjectSchema())

	keyInfo := identityProperties(openapi3.NewObjectSchema()).
		WithProperty("key_prefix", openapi3.NewStringSchema())

	created := identityProperties(openapi3.NewObjectSchema()).
		WithProperty("key_prefix", openapi3.NewStringSchema()).
		WithProperty("api_key", described(openapi3.NewStringSchema(),
			"Plaintext key. Returned once and never again."))

	summary := identityProperties(openapi3.NewObjectSchema()).
		WithProperty("masked_key", openapi3.NewStringSchema())

	createReq := openapi3.NewObjectSchema().
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("permissions", stringArray()).
		WithProperty("expiry_days", described(openapi3.NewInt32Schema(),
			"Days until expiry. Defaults to 365; zero or less creates an already expired key.").
			WithMax(36500)).
		WithProperty("no_expiry", openapi3.NewBoolSchema()).
		WithProperty("ip_whitelist", stringArray()).
		WithRequired([]string{"user_id"})

	updateReq := targetProperties(openapi3.NewObjectSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("permissions", stringArray()).
		WithProperty("ip_whitelist", stringArray()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()).
		WithProperty("clear_expiry", openapi3.NewBoolSchema())

	targetReq := targetProperties(openapi3.NewObjectSchema()).
		WithProperty("days", openapi3.NewInt32Schema().WithMax(3650))

	entry := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("client_ip", openapi3.NewStringSchema()).
		WithProperty("endpoint", openapi3.NewStringSchema()).
		WithProperty("timestamp", openapi3.NewDateTimeSchema()).
		WithProperty("response_code", openapi3.NewInt32Schema())

	stats := openapi3.NewObjectSchema().
		WithProperty("period_days", openapi3.NewInt32Schema()).
		WithProperty("total_requests", openapi3.NewInt32Schema()).
		WithProperty("error_requests", openapi3.NewInt32Schema()).
		WithProperty("unique_ips", openapi3.NewInt32Schema()).
		WithProperty("endpoints", openapi3.NewObjectSchema().
			WithAdditionalProperties(openapi3.NewInt32Schema())).
		WithPropertyRef("recent", &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref(schemaUsageEntry)},
		})

	prediction := openapi3.NewObjectSchema().
		WithProperty("label", openapi3.NewStringSchema()).
		WithProperty("confidence", openapi3.NewFloat64Schema())

	classify := openapi3.NewObjectSchema().
		WithPropertyRef("predictions", &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref(schemaPrediction)},
		}).
		WithProperty("model", openapi3.NewObjectSchema().
			WithProperty("name", openapi3.NewStringSchema()).
			WithProperty("endpoint", openapi3.NewStringSchema())).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("image_name", openapi3.NewStringSchema()).
		WithProperty("processing_ms", openapi3.NewFloat64Schema()).
		WithProperty("classification_id", described(openapi3.NewStringSchema(),
			"History entry of this result, readable under /api/v1/history/{id}."))

	classification := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("image_name", openapi3.NewStringSchema()).
		WithProperty("content_type", openapi3.NewStringSchema()).
		WithPropertyRef("predictions", &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref(schemaPrediction)},
		}).
		WithProperty("model", openapi3.NewStringSchema()).
		WithProperty("processing_ms", openapi3.NewFloat64Schema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema())

	result := openapi3.NewObjectSchema().
		WithProperty("success", openapi3.NewBoolSchema()).
		WithProperty("message", openapi3.NewStringSchema())

	return openapi3.Schemas{
		schemaError: openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
			WithProperty("error", errorDetail)),
		schemaKeyInfo:         openapi3.NewSchemaRef("", keyInfo),
		schemaCreatedKey:      openapi3.NewSchemaRef("", created),
		schemaKeySummary:      openapi3.NewSchemaRef("", summary),
		schemaCreateKey:       openapi3.NewSchemaRef("", createReq),
		schemaUpdateKey:       openapi3.NewSchemaRef("", updateReq),
		schemaTargetKey:       openapi3.NewSchemaRef("", targetReq),
		schemaUsageEntry:      openapi3.NewSchemaRef("", entry),
		schemaUsageStats:      openapi3.NewSchemaRef("", stats),
		schemaPrediction:      openapi3.NewSchemaRef("", prediction),
		schemaClassifyResult:  openapi3.NewSchemaRef("", classify),
		schemaOperationResult: openapi3.NewSchemaRef("", result),
		schemaClassification:  openapi3.NewSchemaRef("", classification),
	}
}
