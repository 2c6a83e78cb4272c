// Command docsync-emulator runs the in-memory document backend the docsync
// client syncs with.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serroba/docsync/internal/acl"
	"github.com/serroba/docsync/internal/config"
	"github.com/serroba/docsync/internal/emulator"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/ws"
	"go.uber.org/zap"
)

const envVarPrefix = "DOCSYNC"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("docsync-emulator", flag.ExitOnError)

	cfg := config.Default()
	cfg.BindFlags(fs)

	if err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()

			return nil
		}

		return err
	}

	log := logging.New("docsync-emulator", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	permStore, err := loadGrants(cfg.GrantList())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := emulator.NewServer(emulator.ServerConfig{
		Backend:    emulator.NewBackend(),
		Database:   model.NewDatabaseID(cfg.ProjectID),
		PermStore:  permStore,
		Hub:        ws.NewHub(),
		Registerer: reg,
		Logger:     log.Named("server"),
	})

	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}

	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", metrics)
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics)

		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error, len(servers))

	for _, srv := range servers {
		go func() {
			log.Info("Listening", zap.String("addr", srv.Addr))
			errc <- srv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("ShutdownFailed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}

	return nil
}

// loadGrants returns nil, leaving access control off, when there are no
// grants.
func loadGrants(grants []string) (acl.Store, error) {
	if len(grants) == 0 {
		return nil, nil
	}

	store := acl.NewMemoryStore()

	for _, g := range grants {
		p, err := acl.ParsePermission(g)
		if err != nil {
			return nil, err
		}

		if err := store.Grant(p.Collection, p.UserID, p.Role); err != nil {
			return nil, err
		}
	}

	return store, nil
}
