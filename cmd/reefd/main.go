package main

// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reef/internal/broadcast"
	"reef/internal/config"
	"reef/internal/core"
	"reef/internal/hub"
	"reef/internal/logging"
	"reef/internal/metrics"
	"reef/internal/recovery"
	"reef/internal/store"
)

const archiveInterval = time.Hour

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	log.Info("starting reefd",
		"store_url", cfg.StoreURL,
		"listen", cfg.HubListenAddress,
		"auth_token", logging.Redact(cfg.AuthToken),
		"max_connections", cfg.MaxConnections,
		"matcher_max_scan", cfg.MatcherMaxScan,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	for _, group := range store.Groups {
		if err := st.EnsureGroup(ctx, group); err != nil {
			log.Error("provision consumer group", "group", group, "error", err)
			os.Exit(1)
		}
	}

	arch, err := core.OpenArchive(ctx, cfg.ArchiveDir)
	if err != nil {
		log.Error("open archive", "error", err)
		os.Exit(1)
	}
	defer arch.Close()

	bcast := broadcast.New(st, log, broadcast.DefaultRingSize)
	brk := core.New(st, bcast, log, cfg.MatcherMaxScan)

	h := hub.New(brk, bcast, log, hub.Options{
		AuthToken:         cfg.AuthToken,
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	})
	brk.SetNotifier(h)

	loop := recovery.New(brk, log, cfg.CleanupInterval, cfg.WorkerGrace(), cfg.CancelWindow())
	go loop.Run(ctx)

	go func() {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := brk.ArchiveOlderThan(ctx, arch, cfg.ArchiveOlderThan); err != nil {
					log.Error("archival pass failed", "error", err)
				}
			}
		}
	}()

	router := h.Router()
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:              cfg.HubListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("hub listening", "address", cfg.HubListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("hub server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	cancel()
	h.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	} else {
		log.Info("stopped")
	}
}
