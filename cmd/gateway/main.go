package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/torpay/anon-ticket/internal/admission"
	"github.com/torpay/anon-ticket/internal/api"
	"github.com/torpay/anon-ticket/internal/config"
	"github.com/torpay/anon-ticket/internal/monitor"
	"github.com/torpay/anon-ticket/internal/redeem"
	"github.com/torpay/anon-ticket/internal/storage"
	"github.com/torpay/anon-ticket/internal/walletrpc"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := openStore(context.Background(), cfg.StorageURL)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "url", cfg.StorageURL)

	adm := admission.New(admission.Config{
		BloomEntries:  cfg.PidBloomEntries,
		BloomFPRate:   cfg.PidBloomFPRate,
		CacheTTL:      time.Duration(cfg.PidCacheTTLSeconds) * time.Second,
		CacheCapacity: cfg.PidCacheCapacity,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adm.Prewarm(ctx, store); err != nil {
		log.Error("admission prewarm", "error", err)
		os.Exit(1)
	}

	redeemEngine := redeem.New(store, adm, log)

	rpc := walletrpc.NewClient(cfg.MonitorRPCURL)
	mon := monitor.New(rpc, store, adm, monitor.Config{
		StartHeight:   cfg.MonitorStartHeight,
		PollInterval:  time.Duration(cfg.MonitorPollIntervalSec) * time.Second,
		MinConfirms:   cfg.MonitorMinConfirms,
		MinPaymentAmt: cfg.MonitorMinPaymentAmt,
	}, log)

	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("monitor loop exited", "error", err)
		}
	}()

	publicSrv := api.NewPublicServer(redeemEngine, store, log)
	go func() {
		if err := publicSrv.Serve(ctx, cfg.APIPublicBindTCP, cfg.APIPublicBindUDS); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("public server", "error", err)
		}
	}()

	internalSrv := api.NewInternalServer(store, log)
	go func() {
		if err := internalSrv.Serve(ctx, cfg.APIInternalBindTCP, cfg.APIInternalBindUDS); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("internal server", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")
	cancel()

	// Give in-flight requests and the monitor tick a moment to unwind
	// after cancellation before the deferred store.Close() runs.
	time.Sleep(200 * time.Millisecond)
}

// openStore dispatches to the SQLite or Postgres backend by URL scheme,
// per spec §9's swappable-storage decision.
func openStore(ctx context.Context, rawURL string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return storage.OpenPostgres(ctx, rawURL)
	default:
		path := strings.TrimPrefix(rawURL, "sqlite://")
		return storage.OpenSQLite(path)
	}
}
