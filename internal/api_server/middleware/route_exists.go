package middleware

import (
	"fmt"
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/go-chi/chi/v5"
)

// CreateRouteExistsMiddleware responds with a 404 envelope (instead of
// chi's bare 404) the moment a request matches no registered route,
// before it falls through to any resource handler.
func CreateRouteExistsMiddleware(router chi.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			routeContext := chi.RouteContext(r.Context())
			if !router.Match(routeContext, r.Method, r.URL.Path) {
				api.WriteError(w, http.StatusNotFound, api.StatusNotFound,
					fmt.Sprintf("route not found: %s %s", r.Method, r.URL.Path), nil)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
