package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/storage"
)

// InternalServer serves operator-only endpoints: metrics scraping and
// token revocation. It must never be exposed on the same listener as
// PublicServer.
type InternalServer struct {
	tokens storage.TokenStore
	log    *slog.Logger
	server *http.Server
}

// NewInternalServer builds an InternalServer over tokens for revocation.
func NewInternalServer(tokens storage.TokenStore, log *slog.Logger) *InternalServer {
	if log == nil {
		log = slog.Default()
	}
	return &InternalServer{tokens: tokens, log: log}
}

// Serve binds tcpAddr and/or udsPath and blocks serving until ctx is
// cancelled.
func (s *InternalServer) Serve(ctx context.Context, tcpAddr, udsPath string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/token/", s.handleRevoke)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return serveOnListeners(ctx, s.server, tcpAddr, udsPath, s.log, "internal")
}

type revokeRequest struct {
	Reason     *string `json:"reason"`
	AbuseScore *uint32 `json:"abuse_score"`
}

// handleRevoke implements POST /api/v1/token/{token_hex}/revoke.
func (s *InternalServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Path[len("/api/v1/token/"):]
	const suffix = "/revoke"
	if len(path) <= len(suffix) || path[len(path)-len(suffix):] != suffix {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tokenHex := path[:len(path)-len(suffix)]

	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	token, err := domain.ParseServiceToken(tokenHex)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec, err := s.tokens.RevokeToken(r.Context(), token, req.Reason, req.AbuseScore)
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("revoke failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newTokenResponse(rec))
}

