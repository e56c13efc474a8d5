package http

import (
	"net/http"

	"github.com/atinyakov/ReliefNet/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterOptions tunes the document store router.
type RouterOptions struct {
	// RateLimit is the allowed requests per second per client IP; 0 disables limiting.
	RateLimit float64
	// Burst is the rate limiter burst size.
	Burst int
}

// NewRouter constructs the document store API.
//
// Routes:
//
//	GET  /health                → 200 "ok"
//	GET  /{collection}          → handler.List
//	POST /{collection}          → handler.Append
//	GET  /{collection}/{id}     → handler.Get
//	PUT  /{collection}/{id}     → handler.Put
//
// A ".json" suffix on the last path segment is accepted.
func NewRouter(handler *DocumentHandler, logger *zap.Logger, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.RateLimit(opts.RateLimit, opts.Burst))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/", handler.List)
		r.Post("/", handler.Append)
		r.Get("/{id}", handler.Get)
		r.Put("/{id}", handler.Put)
	})

	return r
}
