// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	appMajor = 0
	appMinor = 1
	appPatch = 0

	shutdownTimeout = 30 * time.Second
)

func version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

func main() {
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the
// program can be exited with an error exit status.
func walletMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s on %s", version(), cfg.params.Name)

	db, err := openDB(cfg)
	if err != nil {
		log.Errorf("Unable to open database: %v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	wcfg := cfg.walletConfig()
	wcfg.DB = db
	w, err := wallet.Open(wcfg)
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}

	if err := addAccount(cfg, w); err != nil {
		log.Errorf("Unable to add account: %v", err)
		return err
	}

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := w.Start(ctx); err != nil {
		log.Errorf("Unable to start wallet: %v", err)
		return err
	}

	info, err := w.Info()
	if err != nil {
		log.Errorf("Unable to query wallet: %v", err)
	} else {
		log.Infof("Wallet synced to %v with %d subaccounts",
			info.SyncedTo, info.Subaccounts)
	}

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping wallet")

	stopCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	if err := w.Stop(stopCtx); err != nil {
		log.Errorf("Unable to stop wallet: %v", err)
		return err
	}

	log.Info("Shutdown complete")

	return nil
}

// openDB opens the wallet database, creating and initializing it when
// --create is set and no database exists yet.
func openDB(cfg *config) (walletdb.DB, error) {
	_, err := os.Stat(cfg.dbPath)
	switch {
	case err == nil:
		return walletdb.Open("bdb", cfg.dbPath, true, cfg.DBTimeout,
			false)

	case !errors.Is(err, os.ErrNotExist):
		return nil, err

	case !cfg.Create:
		return nil, fmt.Errorf("no wallet at %s, run with --create",
			cfg.dbPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.dbPath), 0700); err != nil {
		return nil, err
	}

	db, err := walletdb.Create("bdb", cfg.dbPath, true, cfg.DBTimeout,
		false)
	if err != nil {
		return nil, err
	}
	if err := wallet.Create(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Created wallet at %s", cfg.dbPath)

	return db, nil
}

// addAccount adds the --accountxpub subaccount unless its owner already has
// one.
func addAccount(cfg *config, w *wallet.Wallet) error {
	key, err := cfg.accountKey()
	if err != nil || key == nil {
		return err
	}

	for _, sub := range w.KeyManager().Subaccounts() {
		if sub.Owner == cfg.Owner {
			log.Debugf("Owner %s already has subaccount %d",
				cfg.Owner, sub.ID)

			return nil
		}
	}

	id, err := w.AddHD(cfg.Owner, "default", key)
	if err != nil {
		return err
	}

	log.Infof("Added HD subaccount %d for %s", id, cfg.Owner)

	return nil
}

// serveMetrics exposes the prometheus registry until the process exits.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Errorf("Metrics server stopped: %v", err)
	}
}
