package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torpay/anon-ticket/internal/admission"
	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/redeem"
	"github.com/torpay/anon-ticket/internal/storage"
)

func newTestStack(t *testing.T) (*storage.SQLiteStore, *redeem.Engine, *admission.Admission) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a := admission.New(admission.Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	eng := redeem.New(store, a, nil)
	return store, eng, a
}

func seedPid(t *testing.T, store *storage.SQLiteStore, a *admission.Admission, pidHex string, amount int64) domain.PaymentId {
	t.Helper()
	pid, err := domain.ParsePaymentId(pidHex)
	require.NoError(t, err)
	var txid [32]byte
	txid[0] = 0x7a
	require.NoError(t, store.InsertPayment(context.Background(), domain.NewPayment{
		Pid: pid, Txid: txid, Amount: amount, BlockHeight: 1, ReceivedAt: time.Now(),
	}))
	a.Learn(pid)
	return pid
}

func TestHandleRedeem_SuccessRoundTrip(t *testing.T) {
	store, eng, a := newTestStack(t)
	seedPid(t, store, a, "0123456789abcdef", 500000000)

	srv := NewPublicServer(eng, store, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/redeem", srv.handleRedeem)
	mux.HandleFunc("/api/v1/token/", srv.handleGetToken)

	body, _ := json.Marshal(redeemRequest{Pid: "0123456789abcdef"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp redeemResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Len(t, resp.ServiceToken, 64)

	lookup := httptest.NewRequest(http.MethodGet, "/api/v1/token/"+resp.ServiceToken, nil)
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, lookup)
	require.Equal(t, http.StatusOK, rr2.Code)

	var tokResp tokenResponse
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &tokResp))
	require.Equal(t, "active", tokResp.Status)
	require.Equal(t, resp.Amount, tokResp.Amount)
	require.Nil(t, tokResp.RevokedAt)
}

func TestHandleGetToken_RevokeRouteNotFoundOnPublicListener(t *testing.T) {
	store, eng, a := newTestStack(t)
	seedPid(t, store, a, "0123456789abcdef", 500000000)
	res, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)

	srv := NewPublicServer(eng, store, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/token/"+res.ServiceToken.Hex()+"/revoke", nil)
	rr := httptest.NewRecorder()
	srv.handleGetToken(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleRedeem_NotFoundOnUnknownPid(t *testing.T) {
	_, eng, _ := newTestStack(t)
	srv := NewPublicServer(eng, nil, nil)

	body, _ := json.Marshal(redeemRequest{Pid: "ffffffffffffffff"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleRedeem(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleRedeem_BadRequestOnMalformedPid(t *testing.T) {
	_, eng, _ := newTestStack(t)
	srv := NewPublicServer(eng, nil, nil)

	body, _ := json.Marshal(redeemRequest{Pid: "zz"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleRedeem(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRevoke_RoundTrip(t *testing.T) {
	store, eng, a := newTestStack(t)
	seedPid(t, store, a, "0123456789abcdef", 500000000)

	res, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)

	isrv := NewInternalServer(store, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/token/", isrv.handleRevoke)

	reqBody, _ := json.Marshal(revokeRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/token/"+res.ServiceToken.Hex()+"/revoke", bytes.NewReader(reqBody))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "revoked", resp.Status)
	require.NotNil(t, resp.RevokedAt)
}
