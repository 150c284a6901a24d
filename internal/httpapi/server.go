// Package httpapi exposes the backend over HTTP: the sync ingest endpoint
// consumed by client dispatchers and the report workflow API consumed by the
// approval UI. Actor identity arrives in the X-Actor-ID header and is passed
// explicitly into every call; there is no ambient session state.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wraps the chi router and the underlying http.Server.
type Server struct {
	http.Server
	router *chi.Mux
}

func NewServer(addr string, h *Handler) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/sync", h.Ingest)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/pending", h.GetPending)
			r.Route("/{employeeID}/{year}/{month}", func(r chi.Router) {
				r.Get("/", h.GetReport)
				r.Post("/submit", h.Submit)
				r.Post("/approve", h.Approve)
				r.Post("/reject", h.Reject)
				r.Post("/revision", h.RequestRevision)
				r.Post("/override", h.OverrideTotals)
			})
		})
	})

	srv := &Server{router: router}
	srv.Addr = addr
	srv.Handler = router
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB
	return srv
}
