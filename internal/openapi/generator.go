// Package openapi builds the OpenAPI description of the gateway's HTTP API.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Options parameterize the generated document.
type Options struct {
	BaseURL   string
	Version   string
	KeyHeader string
}

// Generate returns the OpenAPI 3 document for every gateway route.
func Generate(opts Options) *openapi3.T {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.KeyHeader == "" {
		opts.KeyHeader = "X-API-Key"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "VisionGate API",
			Description: "API-key protected gateway in front of an image classification model.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "header",
				Name: opts.KeyHeader,
			},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{{"apiKey": {}}}
	doc.Paths = openapi3.NewPaths()

	addSystemPaths(doc)
	addClassifyPath(doc)
	addSelfServicePaths(doc)
	addHistoryPaths(doc)
	addAdminPaths(doc)
	return doc
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	public := &openapi3.SecurityRequirements{}
	status := openapi3.NewObjectSchema().WithProperty("status", openapi3.NewStringSchema())

	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Liveness check",
		OperationID: "healthz",
		Security:    public,
		Responses:   plainResponses(200, "Process is up", openapi3.NewSchemaRef("", status)),
	}})
	readyz := plainResponses(200, "Key store reachable", openapi3.NewSchemaRef("", status))
	readyz.Set("503", response("Key store unreachable", openapi3.NewSchemaRef("", status)))
	doc.Paths.Set("/readyz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Readiness check",
		OperationID: "readyz",
		Security:    public,
		Responses:   readyz,
	}})
	doc.Paths.Set("/openapi.json", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "This document",
		OperationID: "openapi",
		Security:    public,
		Responses:   plainResponses(200, "OpenAPI document", openapi3.NewSchemaRef("", openapi3.NewObjectSchema())),
	}})
}

func addClassifyPath(doc *openapi3.T) {
	form := openapi3.NewObjectSchema().
		WithProperty("file", openapi3.NewStringSchema().WithFormat("binary")).
		WithProperty("top_k", openapi3.NewInt32Schema().WithMin(1).WithMax(100).WithDefault(5)).
		WithRequired([]string{"file"})

	responses := guardedResponses(200, "Ranked predictions", ref(schemaClassifyResult))
	responses.Set("502", errorResponse("Model server unavailable"))

	doc.Paths.Set("/api/v1/classify", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"classify"},
		Summary:     "Classify an image",
		Description: "Requires the classify permission. Keys with an IP whitelist are only accepted from listed addresses.",
		OperationID: "classify",
		RequestBody: &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithContent(openapi3.Content{
				"multipart/form-data": &openapi3.MediaType{Schema: openapi3.NewSchemaRef("", form)},
			})},
		Responses: responses,
	}})
}

func addSelfServicePaths(doc *openapi3.T) {
	days := &openapi3.ParameterRef{Value: openapi3.NewQueryParameter("days").
		WithDescription("Trailing period in days (default 30).").
		WithSchema(openapi3.NewInt32Schema())}

	doc.Paths.Set("/api/v1/keys/info", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Describe the presenting key",
		OperationID: "get_key_info",
		Responses:   guardedResponses(200, "Key details", ref(schemaKeyInfo)),
	}})
	doc.Paths.Set("/api/v1/keys/stats", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Usage statistics of the presenting key",
		OperationID: "get_key_stats",
		Parameters:  openapi3.Parameters{days},
		Responses:   guardedResponses(200, "Usage statistics", ref(schemaUsageStats)),
	}})
}

func listOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithPropertyRef("resource", &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items},
		}).
		WithProperty("meta", openapi3.NewObjectSchema().WithProperty("count", openapi3.NewInt32Schema())))
}

func addHistoryPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/history", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"history"},
		Summary:     "Recent classifications of the calling user",
		OperationID: "list_history",
		Parameters: openapi3.Parameters{{Value: openapi3.NewQueryParameter("limit").
			WithDescription("Maximum entries, newest first (default 20, at most 100).").
			WithSchema(openapi3.NewInt32Schema())}},
		Responses: guardedResponses(200, "Classifications", listOf(ref(schemaClassification))),
	}})
	doc.Paths.Set("/api/v1/history/{id}", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"history"},
		Summary:     "One classification of the calling user",
		Description: "Entries owned by another user answer 403.",
		OperationID: "get_history_entry",
		Parameters: openapi3.Parameters{{Value: openapi3.NewPathParameter("id").
			WithSchema(openapi3.NewStringSchema())}},
		Responses: guardedResponses(200, "Classification", ref(schemaClassification)),
	}})

	categories := guardedResponses(200, "Labels the model can produce",
		listOf(openapi3.NewSchemaRef("", openapi3.NewStringSchema())))
	categories.Set("502", errorResponse("Model server unavailable"))
	doc.Paths.Set("/api/v1/categories", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"classify"},
		Summary:     "List model categories",
		OperationID: "list_categories",
		Responses:   categories,
	}})
}

func addAdminPaths(doc *openapi3.T) {

	doc.Paths.Set("/api/v1/admin/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "List keys",
			OperationID: "list_keys",
			Parameters: openapi3.Parameters{{Value: openapi3.NewQueryParameter("user_id").
				WithDescription("Only list keys owned by this user.").
				WithSchema(openapi3.NewStringSchema())}},
			Responses: guardedResponses(200, "Keys with masked tokens", listOf(ref(schemaKeySummary))),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Generate a key",
			OperationID: "create_key",
			RequestBody: jsonBody(schemaCreateKey),
			Responses:   guardedResponses(201, "Generated key", ref(schemaCreatedKey)),
		},
	})

	adminOp := func(path, id, summary, body string, status int, desc string, schema *openapi3.SchemaRef) {
		doc.Paths.Set(path, &openapi3.PathItem{Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     summary,
			OperationID: id,
			RequestBody: jsonBody(body),
			Responses:   guardedResponses(status, desc, schema),
		}})
	}
	adminOp("/api/v1/admin/keys/update", "update_key", "Update a key", schemaUpdateKey,
		200, "Updated key", ref(schemaKeyInfo))
	adminOp("/api/v1/admin/keys/revoke", "revoke_key", "Revoke a key", schemaTargetKey,
		200, "Key revoked", ref(schemaOperationResult))
	adminOp("/api/v1/admin/keys/delete", "delete_key", "Delete a key permanently", schemaTargetKey,
		200, "Key deleted", ref(schemaOperationResult))
	adminOp("/api/v1/admin/keys/stats", "admin_key_stats", "Usage statistics of any key", schemaTargetKey,
		200, "Usage statistics", ref(schemaUsageStats))

	revoked := openapi3.NewObjectSchema().
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("revoked", openapi3.NewInt32Schema())
	doc.Paths.Set("/api/v1/admin/users/{userID}/revoke", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     "Revoke every active key of a user",
		OperationID: "revoke_user_keys",
		Parameters: openapi3.Parameters{{Value: openapi3.NewPathParameter("userID").
			WithSchema(openapi3.NewStringSchema())}},
		Responses: guardedResponses(200, "Number of keys revoked", openapi3.NewSchemaRef("", revoked)),
	}})
}

// ─── Response Helpers ───────────────────────────────────────────────────────

func jsonBody(schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
		WithRequired(true).
		WithJSONSchemaRef(ref(schema))}
}

func response(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().
		WithDescription(description).
		WithContent(openapi3.NewContentWithJSONSchemaRef(schema))}
}

func errorResponse(description string) *openapi3.ResponseRef {
	return response(description, ref(schemaError))
}

func plainResponses(status int, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	return openapi3.NewResponses(openapi3.WithStatus(status, response(description, schema)))
}

// guardedResponses adds the error responses every key-protected route can
// produce.
func guardedResponses(status int, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := plainResponses(status, description, schema)
	responses.Set("400", errorResponse("Bad request"))
	responses.Set("401", errorResponse("Missing or invalid API key"))
	responses.Set("403", errorResponse("Permission or IP address not allowed"))
	responses.Set("404", errorResponse("Not found"))
	responses.Set("429", errorResponse("Rate limit exceeded"))
	responses.Set("503", errorResponse("Dependency unavailable"))
	return responses
}
