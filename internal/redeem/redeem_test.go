package redeem

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	adm "github.com/torpay/anon-ticket/internal/admission"
	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.SQLiteStore, *adm.Admission) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a := adm.New(adm.Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	return New(store, a, nil), store, a
}

func seedPayment(t *testing.T, store *storage.SQLiteStore, pidHex string, amount int64) domain.PaymentId {
	t.Helper()
	pid, err := domain.ParsePaymentId(pidHex)
	require.NoError(t, err)
	var txid [32]byte
	txid[0] = 0x42
	require.NoError(t, store.InsertPayment(context.Background(), domain.NewPayment{
		Pid: pid, Txid: txid, Amount: amount, BlockHeight: 10, ReceivedAt: time.Now(),
	}))
	return pid
}

func TestRedeem_BadRequestOnMalformedPid(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	res, err := eng.Redeem(context.Background(), "not-hex")
	require.NoError(t, err)
	require.Equal(t, BadRequest, res.Outcome)
}

func TestRedeem_NotFoundWithoutIngest(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	res, err := eng.Redeem(context.Background(), "ffffffffffffffff")
	require.NoError(t, err)
	require.Equal(t, NotFound, res.Outcome)
}

func TestRedeem_SuccessThenIdempotentReplay(t *testing.T) {
	eng, store, a := newTestEngine(t)
	pid := seedPayment(t, store, "0123456789abcdef", 500000000)
	a.Learn(pid) // simulate the monitor's live update

	res1, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, Success, res1.Outcome)
	require.NotZero(t, res1.ServiceToken)

	res2, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, AlreadyClaimed, res2.Outcome)
	require.Equal(t, res1.ServiceToken, res2.ServiceToken)
	require.Equal(t, res1.Amount, res2.Amount)
}

func TestRedeem_RejectedUntilAdmissionLearnsPid(t *testing.T) {
	eng, store, a := newTestEngine(t)
	pid := seedPayment(t, store, "0123456789abcdef", 500000000)
	_ = pid
	// Do not prewarm admission: the filter has never seen this PID, so
	// Admit must go Reject (absent from Bloom), matching spec's "a PID
	// becomes redeemable only after admission observes it" invariant.
	res, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, NotFound, res.Outcome)

	a.Learn(pid) // simulate the monitor's live update
	res2, err := eng.Redeem(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, Success, res2.Outcome)
}

func TestRedeem_ConcurrentRedeemsOfSamePidAgreeOnToken(t *testing.T) {
	eng, store, a := newTestEngine(t)
	pid := seedPayment(t, store, "0123456789abcdef", 500000000)
	a.Learn(pid)

	const n = 25
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.Redeem(context.Background(), "0123456789abcdef")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Outcome == Success {
			successes++
		}
		require.Equal(t, results[0].ServiceToken, r.ServiceToken)
	}
	require.Equal(t, 1, successes)
}
