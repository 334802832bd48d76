// ledgerd runs the expense ledger node: the proving engine, the ledger
// state machine, the decryption gateway, and the HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cipherledger/internal/acl"
	"cipherledger/internal/config"
	"cipherledger/internal/fhe"
	"cipherledger/internal/gateway"
	"cipherledger/internal/ledger"
	"cipherledger/internal/logger"
	"cipherledger/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogEnv)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("ledgerd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("setting up proving keys", zap.String("dir", cfg.KeyDir))
	keys, err := fhe.SetupOrLoadKeys(cfg.KeyDir)
	if err != nil {
		return err
	}
	// The engine state file keeps ciphertexts usable across restarts, so
	// totals reloaded from the store can still be added to and decrypted.
	engine, err := fhe.OpenEngine(keys, filepath.Join(cfg.KeyDir, "engine_state.json"))
	if err != nil {
		return err
	}

	store, err := ledger.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	grants := acl.NewList()
	l := ledger.New(cfg.ContractAddress, engine, grants, store, log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := l.LoadFromStore(ctx); err != nil {
		return err
	}

	gw := gateway.New(engine, grants)
	srv := node.NewServer(l, engine, gw, log, cfg.RateLimitPerMinute)
	srv.RegisterHealthCheck("store", store.Ping)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("contract", cfg.ContractAddress.Hex()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
