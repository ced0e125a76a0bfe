package main

// General API documentation for swaggo. Run `swag init` against this
// package with the `swagger` build tag to regenerate internal/httpapi/docs.
//
// @title           capi API
// @version         1.0
// @description     Local HTTP API for quantized LLM hosting, OpenAI-compatible chat and completions.
//
// @contact.name   capi maintainers
// @contact.url    https://github.com/capi-project/capi-core
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
