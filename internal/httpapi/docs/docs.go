//go:build swagger

// Package docs registers the generated OpenAPI spec with swaggo/swag so
// MountSwagger's http-swagger handler has something to serve. In a real
// build this file is produced by `swag init`; the checked-in template
// carries only the API info block with an empty `paths` object, so the
// served spec documents no endpoints.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
	"swagger": "2.0",
	"info": {
		"title": "{{.Title}}",
		"description": "{{.Description}}",
		"version": "{{.Version}}"
	},
	"basePath": "{{.BasePath}}",
	"paths": {}
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "capi API",
	Description:      "Local HTTP API for quantized LLM hosting and OpenAI-compatible chat/completions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
