package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torpay/anon-ticket/internal/domain"
)

func pidN(n byte) domain.PaymentId {
	var pid domain.PaymentId
	pid[7] = n
	return pid
}

func TestAdmit_RejectsUnknownPidWithoutStorageTouch(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	require.Equal(t, Reject, a.Admit(pidN(1)))
}

func TestAdmit_ProceedsOnCacheHit(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	pid := pidN(1)
	a.Learn(pid)
	require.Equal(t, Proceed, a.Admit(pid))
}

func TestAdmit_UncertainOnBloomPositiveCacheMiss(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Millisecond, CacheCapacity: 1000}, nil)
	pid := pidN(1)
	a.Learn(pid)
	time.Sleep(5 * time.Millisecond) // let the cache entry expire; Bloom still positive

	require.Equal(t, Uncertain, a.Admit(pid))
}

func TestObserve_FoundLearnsPid(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	pid := pidN(1)

	a.Observe(pid, true)
	require.Equal(t, Proceed, a.Admit(pid))
}

func TestObserve_NotFoundLeavesBloomAndCacheUntouched(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	pid := pidN(1)

	a.Observe(pid, false)
	require.Equal(t, Reject, a.Admit(pid))
}

func TestBloom_NoFalseNegatives(t *testing.T) {
	a := New(Config{BloomEntries: 500, BloomFPRate: 0.05, CacheTTL: time.Second, CacheCapacity: 500}, nil)
	var inserted []domain.PaymentId
	for i := 0; i < 500; i++ {
		pid := pidN(byte(i % 256))
		pid[6] = byte(i / 256)
		a.bloom.Insert(pid)
		inserted = append(inserted, pid)
	}
	for _, pid := range inserted {
		require.True(t, a.bloom.Contains(pid))
	}
}

type fakeSource struct {
	pids []domain.PaymentId
}

func (f fakeSource) StreamPids(ctx context.Context, fn func(domain.PaymentId) error) error {
	for _, pid := range f.pids {
		if err := fn(pid); err != nil {
			return err
		}
	}
	return nil
}

func TestPrewarm_PopulatesFromSource(t *testing.T) {
	a := New(Config{BloomEntries: 1000, BloomFPRate: 0.01, CacheTTL: time.Minute, CacheCapacity: 1000}, nil)
	src := fakeSource{pids: []domain.PaymentId{pidN(1), pidN(2), pidN(3)}}

	require.NoError(t, a.Prewarm(context.Background(), src))

	for _, pid := range src.pids {
		require.Equal(t, Proceed, a.Admit(pid))
	}
}
