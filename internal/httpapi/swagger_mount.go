//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/capi-project/capi-core/internal/httpapi/docs"
)

// MountSwagger wires /swagger/* to the generated swaggo docs. Built with
// -tags=swagger (see the `swag init` note in cmd/capi/docs.go); omitted by default so a plain build never requires running the
// swag codegen step first.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
