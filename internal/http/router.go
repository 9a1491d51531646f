package httpserver

import (
	"log"
	"net/http"

	"github.com/lodgefeed/export-tracker/internal/http/handlers"
	"github.com/lodgefeed/export-tracker/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter assembles the admin HTTP surface. The middleware chain runs
// outermost first: RequestID, Trace, CORS, RateLimit, Auth.
func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	for pattern, handler := range map[string]http.HandlerFunc{
		"/healthz":                    deps.API.Health,
		"/v1/exports":                 deps.API.ListExports,
		"/v1/exports/hotel":           deps.API.CreateHotelExport,
		"/v1/exports/mapping":         deps.API.CreateMappingExport,
		"/v1/exports/clear-completed": deps.API.ClearCompletedExports,
		"/v1/exports/":                deps.API.ExportByID,
	} {
		mux.HandleFunc(pattern, handler)
	}

	chain := []func(http.Handler) http.Handler{
		middleware.Auth(deps.AuthToken),
		middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}),
		middleware.Trace(deps.Logger),
	}

	handler := http.Handler(mux)
	for _, wrap := range chain {
		handler = wrap(handler)
	}
	return middleware.RequestID(handler)
}
