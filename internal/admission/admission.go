// Package admission implements the front-door filter that sits between
// redeem requests and storage: a no-false-negative Bloom filter backed by
// a bounded, positive-only TTL cache. Its purpose is to let the gateway
// absorb PID brute-force probing behind Tor at the cost of O(k hashes)
// instead of a storage round trip, without ever admitting an
// attacker-chosen PID into either structure.
package admission

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torpay/anon-ticket/internal/domain"
)

// Decision is the outcome of Admit.
type Decision int

const (
	// Reject means the admission layer is confident the PID is not
	// known-good; the caller must return 404 without touching storage.
	Reject Decision = iota
	// Proceed means the admission layer found the PID known-good from
	// its own state (positive cache hit); the caller may skip straight
	// to the storage claim.
	Proceed
	// Uncertain means the Bloom filter is positive but the cache missed
	// (a legitimate cold PID, or a Bloom false positive); the caller
	// must consult storage and report the outcome via Observe.
	Uncertain
)

var (
	bloomAbsent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_bloom_absent_total",
		Help: "Redeem requests rejected by the Bloom filter before any storage access.",
	})
	bloomFalsePositive = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_bloom_false_positive_total",
		Help: "Bloom-positive requests that missed storage (Bloom false positives or stale negatives).",
	})
	cacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_cache_hit_total",
		Help: "Redeem requests served from the positive cache without a storage lookup.",
	})
)

func init() {
	prometheus.MustRegister(bloomAbsent, bloomFalsePositive, cacheHit)
}

// Admission is the shared, process-lifetime front-door state: a Bloom
// filter and a bounded positive-only TTL cache, both safe for concurrent
// use by many request workers.
type Admission struct {
	bloom *bloom
	cache *lru.LRU[domain.PaymentId, struct{}]
	log   *slog.Logger
}

// Config is the sizing and expiry knobs from spec §6.
type Config struct {
	BloomEntries  int
	BloomFPRate   float64
	CacheTTL      time.Duration
	CacheCapacity int
}

// New builds an Admission layer sized per cfg. The cache starts empty;
// callers must run Prewarm before serving traffic.
func New(cfg Config, log *slog.Logger) *Admission {
	if log == nil {
		log = slog.Default()
	}
	return &Admission{
		bloom: newBloom(cfg.BloomEntries, cfg.BloomFPRate),
		cache: lru.NewLRU[domain.PaymentId, struct{}](cfg.CacheCapacity, nil, cfg.CacheTTL),
		log:   log,
	}
}

// Admit runs the three-step decision procedure of spec §4.C. It never
// touches storage itself; the caller performs the storage lookup on
// Uncertain and reports the result back via Observe.
func (a *Admission) Admit(pid domain.PaymentId) Decision {
	if !a.bloom.Contains(pid) {
		bloomAbsent.Inc()
		return Reject
	}
	if _, ok := a.cache.Get(pid); ok {
		cacheHit.Inc()
		return Proceed
	}
	return Uncertain
}

// Observe records the outcome of a storage lookup made after an
// Uncertain decision. found=true inserts pid into both the Bloom filter
// and the positive cache; found=false emits the bloom_false_positive
// metric and leaves both structures untouched, so an attacker-supplied
// PID never enters either.
func (a *Admission) Observe(pid domain.PaymentId, found bool) {
	if !found {
		bloomFalsePositive.Inc()
		return
	}
	a.Learn(pid)
}

// Learn unconditionally marks pid known-good. Used by the monitor on
// every confirmed ingest and by prewarm, where the PID is already
// known-good by construction and no prior Admit/Observe round trip is
// needed.
func (a *Admission) Learn(pid domain.PaymentId) {
	a.bloom.Insert(pid)
	a.cache.Add(pid, struct{}{})
}

// PrewarmSource streams every persisted PID, mirroring
// storage.PaymentStore.StreamPids without importing the storage package
// (keeping admission free of a storage dependency).
type PrewarmSource interface {
	StreamPids(ctx context.Context, fn func(domain.PaymentId) error) error
}

// Prewarm populates the Bloom filter and (up to cache capacity) the
// positive cache from every persisted PID, per spec §4.F. It must run
// after storage migrations and before the API starts serving.
func (a *Admission) Prewarm(ctx context.Context, src PrewarmSource) error {
	n := 0
	err := src.StreamPids(ctx, func(pid domain.PaymentId) error {
		a.Learn(pid)
		n++
		return nil
	})
	if err != nil {
		return err
	}
	a.log.Info("admission prewarm complete", "pids", n)
	return nil
}
