package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/pipeline"
	"github.com/healhub/backend/internal/storage"
)

// Server exposes the pipeline and read models over HTTP. Authentication is
// handled upstream; the authenticated user arrives as the X-User-ID header.
type Server struct {
	store    storage.Storage
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

func New(store storage.Storage, p *pipeline.Pipeline, logger *zap.Logger) *Server {
	return &Server{
		store:    store,
		pipeline: p,
		logger:   logger,
	}
}

// Router wires all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/conversations", func(cr chi.Router) {
			cr.Post("/", s.handleCreateConversation)
			cr.Get("/", s.handleListConversations)
			cr.Get("/{conversationID}", s.handleGetConversation)
			cr.Delete("/{conversationID}", s.handleDeleteConversation)
			cr.Post("/{conversationID}/archive", s.handleArchiveConversation)
			cr.Get("/{conversationID}/messages", s.handleListMessages)
			cr.Post("/{conversationID}/messages", s.handleSendMessage)
		})
		api.Route("/analytics", func(ar chi.Router) {
			ar.Get("/dashboard", s.handleDashboard)
			ar.Get("/risk-alerts", s.handleRiskAlerts)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
