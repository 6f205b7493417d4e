// Package monitor runs the long-running polling loop that turns
// confirmed wallet transfers into persisted payment rows.
package monitor

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/torpay/anon-ticket/internal/admission"
	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/storage"
	"github.com/torpay/anon-ticket/internal/walletrpc"
)

var (
	invalidPid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_invalid_pid_total",
		Help: "Transfers skipped because their payment id failed to parse.",
	})
	invalidAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_invalid_amount_total",
		Help: "Transfers skipped because their amount was non-positive or overflowed.",
	})
	dustSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_dust_total",
		Help: "Transfers skipped because their amount was below the configured dust threshold.",
	})
	persisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_persisted_total",
		Help: "Transfers successfully persisted as payment rows.",
	})
)

func init() {
	prometheus.MustRegister(invalidPid, invalidAmount, dustSkipped, persisted)
}

// WalletRPC is the capability the monitor needs from the wallet client,
// narrowed from walletrpc.Client so it can be faked in tests.
type WalletRPC interface {
	Height(ctx context.Context) (uint64, error)
	IncomingTransfers(ctx context.Context, minHeight, maxHeight uint64) ([]walletrpc.Transfer, error)
}

// Config is the monitor's tunable surface, sourced from spec §6.
type Config struct {
	StartHeight     uint64
	PollInterval    time.Duration
	MinConfirms     uint64
	MinPaymentAmt   int64
}

// Monitor owns the cursor and drives the poll loop described in spec
// §4.E. It is not safe for concurrent Run calls; exactly one instance
// runs per process.
type Monitor struct {
	rpc       WalletRPC
	store     storage.Store
	admission *admission.Admission
	cfg       Config
	log       *slog.Logger
}

// New builds a Monitor. Run loads the cursor from storage (falling back
// to cfg.StartHeight) on its first iteration.
func New(rpc WalletRPC, store storage.Store, adm *admission.Admission, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{rpc: rpc, store: store, admission: adm, cfg: cfg, log: log}
}

// Run blocks, polling until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	cursor, ok, err := m.store.LastProcessedHeight(ctx)
	if err != nil {
		return err
	}
	if !ok {
		cursor = m.cfg.StartHeight
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next, err := m.tick(ctx, cursor)
		if err != nil {
			m.log.Warn("monitor tick failed, cursor not advanced", "err", err, "cursor", cursor)
		} else {
			cursor = next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick performs one poll iteration and returns the (possibly unchanged)
// next cursor value.
func (m *Monitor) tick(ctx context.Context, cursor uint64) (uint64, error) {
	tip, err := m.rpc.Height(ctx)
	if err != nil {
		return cursor, err
	}

	if tip < m.cfg.MinConfirms {
		return cursor, nil
	}
	safeHeight := tip - m.cfg.MinConfirms
	if cursor > safeHeight {
		return cursor, nil
	}

	transfers, err := m.rpc.IncomingTransfers(ctx, cursor, safeHeight)
	if err != nil {
		return cursor, err
	}
	if len(transfers) == 0 {
		return cursor, nil
	}

	var maxObserved uint64
	for _, t := range transfers {
		if t.BlockHeight > maxObserved {
			maxObserved = t.BlockHeight
		}
		// A storage error here (including a transient one) aborts the
		// batch without advancing the cursor; the same range is retried
		// next tick. A validation failure inside processTransfer is not
		// an error: it is counted and skipped.
		if err := m.processTransfer(ctx, t); err != nil {
			return cursor, err
		}
	}

	// The batch was non-empty (checked above), so the cursor always
	// advances past what was observed, whether or not every transfer in
	// it was ultimately persisted.
	next := minUint64(maxObserved+1, safeHeight+1)
	if next < cursor {
		next = cursor // cursor must never regress
	}
	if err := m.store.SetLastProcessedHeight(ctx, next); err != nil {
		return cursor, err
	}
	return next, nil
}

// processTransfer validates and persists a single transfer. A validation
// failure is not an error: it is recorded via metric and the transfer is
// skipped without aborting the batch.
func (m *Monitor) processTransfer(ctx context.Context, t walletrpc.Transfer) error {
	if len(t.PaymentID) > domain.PidLength {
		m.log.Warn("truncating long-form payment_id to its trailing bytes",
			"payment_id", t.PaymentID, "txid", t.TxID)
	}
	pid, err := parsePaymentID(t.PaymentID)
	if err != nil {
		invalidPid.Inc()
		return nil
	}

	if t.Amount == 0 || t.Amount > math.MaxInt64 {
		invalidAmount.Inc()
		return nil
	}
	amount := int64(t.Amount)
	if amount < m.cfg.MinPaymentAmt {
		dustSkipped.Inc()
		return nil
	}

	txidRaw, err := hex.DecodeString(t.TxID)
	if err != nil || len(txidRaw) != 32 {
		invalidAmount.Inc()
		return nil
	}
	var txid [32]byte
	copy(txid[:], txidRaw)

	if err := m.store.InsertPayment(ctx, domain.NewPayment{
		Pid:         pid,
		Txid:        txid,
		Amount:      amount,
		BlockHeight: t.BlockHeight,
		ReceivedAt:  time.Now(),
	}); err != nil {
		return err
	}

	persisted.Inc()
	m.admission.Learn(pid)
	return nil
}

// parsePaymentID accepts both the 16-hex-char short form and a longer
// encrypted-payment-id field by taking its trailing 16 hex characters,
// since some wallet-rpc builds echo the full 8/32-byte field verbatim.
func parsePaymentID(raw string) (domain.PaymentId, error) {
	if len(raw) > domain.PidLength {
		raw = raw[len(raw)-domain.PidLength:]
	}
	return domain.ParsePaymentId(raw)
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
