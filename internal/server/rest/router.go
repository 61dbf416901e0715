package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the chi router: standard request-scoped middleware, then
// the five routes of §6 with the write gate applied only to the two
// mutating ones.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/memory", s.handleGetMemory)
	r.Get("/v1/ledger", s.handleGetLedger)

	r.With(s.writeGate).Patch("/v1/memory", s.handlePatchMemory)
	r.With(s.writeGate).Post("/v1/snapshot", s.handlePostSnapshot)

	return r
}
