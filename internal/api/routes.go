package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Router builds the control API routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Route("/search", func(r chi.Router) {
			r.Post("/start", h.handleSearchStart)
			r.Post("/stop", h.handleSearchStop)
			r.Post("/drop-filters", h.handleSearchDropFilters)
		})

		r.Route("/call", func(r chi.Router) {
			r.Post("/ring", h.handleCallRing)
			r.Post("/accept", h.handleCallAccept)
			r.Post("/decline", h.handleCallDecline)
			r.Post("/end", h.handleCallEnd)
		})

		r.Post("/energy/recharge", h.handleEnergyRecharge)

		r.Route("/wager", func(r chi.Router) {
			r.Post("/start", h.handleWagerStart)
			r.Post("/settle", h.handleWagerSettle)
			r.Post("/partner-disconnected", h.handleWagerPartnerDisconnected)
			r.Post("/partner-reconnected", h.handleWagerPartnerReconnected)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/calls", h.handleCallHistory)
			r.Get("/wagers", h.handleWagerLedger)
		})

		r.Post("/focus", h.handleFocus)
		r.Get("/events", h.handleEvents)
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
