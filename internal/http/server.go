package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/wahub-id/wahub/internal/auth"
	"github.com/wahub-id/wahub/internal/db"
	"github.com/wahub-id/wahub/internal/dispatch"
	"github.com/wahub-id/wahub/internal/media"
	"github.com/wahub-id/wahub/internal/message"
	"github.com/wahub-id/wahub/internal/quota"
	"github.com/wahub-id/wahub/internal/session"
	"github.com/wahub-id/wahub/internal/worker"
)

type Server struct {
	DB       *db.DB
	Auth     *auth.Service
	Sessions *session.Manager
	Engine   *dispatch.Engine
	Ledger   *quota.Ledger
	Messages *message.Store
	Media    media.Store
	Log      *logrus.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
		r.Post("/refresh", s.refresh)
		r.Get("/verify-email", s.verifyEmail)
		r.Post("/request-verification", s.requestVerification)
		r.Post("/request-password-reset", s.requestPasswordReset)
		r.Post("/reset-password", s.resetPassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/me", s.me)

		r.Route("/clients", func(r chi.Router) {
			r.Post("/connect", s.connectClient)
			r.Post("/disconnect", s.disconnectClient)
			r.Delete("/device", s.deleteDevice)
			r.Get("/status", s.clientStatus)
			r.Get("/qr", s.clientQR)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.sendMessages)
			r.Get("/", s.listMessages)
			r.Get("/{id}", s.getMessage)
		})

		r.Post("/media", s.uploadMedia)

		r.Route("/quota", func(r chi.Router) {
			r.Get("/", s.getQuota)
			r.Post("/add", s.addQuota)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses. Unknown errors become
// opaque 500s; the detail goes to the log, not the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var insuff *quota.InsufficientBalanceError
	switch {
	case errors.As(err, &insuff):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_balance",
			"required":  insuff.Required,
			"available": insuff.Available,
		})
	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, auth.ErrAlreadyVerified),
		errors.Is(err, auth.ErrBadToken),
		errors.Is(err, dispatch.ErrNotConnected):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrNotVerified),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, quota.ErrNotFound),
		errors.Is(err, message.ErrNotFound),
		errors.Is(err, session.ErrClientNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrRunInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, worker.ErrSaturated):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try_again_later"})
	default:
		s.Log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}
