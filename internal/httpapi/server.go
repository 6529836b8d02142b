package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/ingest"
)

type Receiver interface {
	Receive(ctx context.Context, provider string, body []byte, header http.Header) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	receiver        Receiver
	db              Pinger
	defaultProvider string
	maxBody         int64
	logger          *slog.Logger
	mux             *http.ServeMux
}

func NewServer(receiver Receiver, db Pinger, defaultProvider string, maxBody int64, logger *slog.Logger) *Server {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	s := &Server{
		receiver:        receiver,
		db:              db,
		defaultProvider: defaultProvider,
		maxBody:         maxBody,
		logger:          logger,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/webhook", s.webhook)
	s.mux.HandleFunc("POST /api/v1/webhooks/{provider}", s.webhook)
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.HandleFunc("GET /readyz", s.readyz)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" {
		provider = s.defaultProvider
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	eventID, err := s.receiver.Receive(r.Context(), provider, body, r.Header)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidWebhook) {
			s.logger.Warn("rejected webhook", "provider", provider, "err", err)
			writeError(w, http.StatusBadRequest, "invalid webhook")
			return
		}
		s.logger.Error("ingest webhook", "provider", provider, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": eventID})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
