// Package api implements the two HTTP listeners of spec §4: a public
// listener serving the redeem/lookup endpoints, and an internal listener
// serving metrics and the revocation endpoint. Each listener can bind a
// TCP address, a Unix domain socket, or both.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/redeem"
	"github.com/torpay/anon-ticket/internal/storage"
)

// PublicServer serves the caller-facing redeem and token-lookup
// endpoints.
type PublicServer struct {
	engine *redeem.Engine
	tokens storage.TokenStore
	log    *slog.Logger
	server *http.Server
}

// NewPublicServer builds a PublicServer. engine handles redemption;
// tokens backs the plain lookup-by-token endpoint.
func NewPublicServer(engine *redeem.Engine, tokens storage.TokenStore, log *slog.Logger) *PublicServer {
	if log == nil {
		log = slog.Default()
	}
	return &PublicServer{engine: engine, tokens: tokens, log: log}
}

// Serve binds tcpAddr and/or udsPath (at least one must be non-empty,
// enforced by config validation) and blocks serving until ctx is
// cancelled.
func (s *PublicServer) Serve(ctx context.Context, tcpAddr, udsPath string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/redeem", s.handleRedeem)
	mux.HandleFunc("/api/v1/token/", s.handleGetToken)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return serveOnListeners(ctx, s.server, tcpAddr, udsPath, s.log, "public")
}

type redeemRequest struct {
	Pid string `json:"pid"`
}

type redeemResponse struct {
	Status       string `json:"status"`
	ServiceToken string `json:"service_token,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
}

func (s *PublicServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	res, err := s.engine.Redeem(r.Context(), req.Pid)
	if err != nil {
		s.log.Error("redeem failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch res.Outcome {
	case redeem.Success:
		writeJSON(w, http.StatusOK, redeemResponse{Status: "success", ServiceToken: res.ServiceToken.Hex(), Amount: res.Amount})
	case redeem.AlreadyClaimed:
		writeJSON(w, http.StatusOK, redeemResponse{Status: "already_claimed", ServiceToken: res.ServiceToken.Hex(), Amount: res.Amount})
	case redeem.NotFound:
		w.WriteHeader(http.StatusNotFound)
	case redeem.BadRequest:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payment id"})
	}
}

// tokenResponse is the §6 external shape of a token: status is derived
// from RevokedAt rather than exposed as a bare bool, and revoked_at is
// only present once the token has actually been revoked.
type tokenResponse struct {
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	IssuedAt   int64  `json:"issued_at"`
	RevokedAt  *int64 `json:"revoked_at,omitempty"`
	AbuseScore uint32 `json:"abuse_score"`
}

func newTokenResponse(rec domain.ServiceTokenRecord) tokenResponse {
	status := "active"
	var revokedAt *int64
	if rec.IsRevoked() {
		status = "revoked"
		ts := rec.RevokedAt.Unix()
		revokedAt = &ts
	}
	return tokenResponse{
		Status:     status,
		Amount:     rec.Amount,
		IssuedAt:   rec.IssuedAt.Unix(),
		RevokedAt:  revokedAt,
		AbuseScore: rec.AbuseScore,
	}
}

func (s *PublicServer) handleGetToken(w http.ResponseWriter, r *http.Request) {
	const revokeSuffix = "/revoke"
	path := r.URL.Path[len("/api/v1/token/"):]
	if len(path) > len(revokeSuffix) && path[len(path)-len(revokeSuffix):] == revokeSuffix {
		// Revocation is an internal-listener-only operation; the public
		// listener doesn't know the route exists.
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rec, err := lookupToken(r.Context(), s.tokens, path)
	if err != nil {
		if errors.Is(err, errBadToken) || errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.log.Error("token lookup failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newTokenResponse(rec))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serveOnListeners starts server on whichever of tcpAddr/udsPath are
// non-empty and blocks until both have exited (or ctx is cancelled).
func serveOnListeners(ctx context.Context, server *http.Server, tcpAddr, udsPath string, log *slog.Logger, name string) error {
	var listeners []net.Listener

	if tcpAddr != "" {
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", tcpAddr, err)
		}
		listeners = append(listeners, ln)
		log.Info("listener bound", "server", name, "kind", "tcp", "addr", tcpAddr)
	}
	if udsPath != "" {
		_ = os.Remove(udsPath)
		ln, err := net.Listen("unix", udsPath)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", udsPath, err)
		}
		listeners = append(listeners, ln)
		log.Info("listener bound", "server", name, "kind", "uds", "path", udsPath)
	}

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		ln := ln
		go func() { errCh <- server.Serve(ln) }()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	var firstErr error
	for i := 0; i < len(listeners); i++ {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
