// SPDX-License-Identifier:Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"go.universe.tf/torsync/internal/ovsdb"
)

const statusTimeout = 5 * time.Second

// entryLister is the read-only view of the engine the status endpoint
// serves.
type entryLister interface {
	Snapshot(ctx context.Context, kind ovsdb.Kind, substr string) ([]ovsdb.EntryInfo, error)
}

// statusHandler serves the engine's entries as JSON. The table query
// parameter selects the kind (logical-switch by default), name filters
// by substring.
func statusHandler(l log.Logger, lister entryLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := ovsdb.KindLogicalSwitch
		if t := r.URL.Query().Get("table"); t != "" {
			k, err := ovsdb.ParseKind(t)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			kind = k
		}

		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		defer cancel()
		entries, err := lister.Snapshot(ctx, kind, r.URL.Query().Get("name"))
		if err != nil {
			level.Error(l).Log("op", "status", "error", err, "msg", "failed to list entries")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			level.Error(l).Log("op", "status", "error", err, "msg", "failed to write response")
		}
	}
}

func statusMux(l log.Logger, lister entryLister) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(log.NewStdlibAdapter(level.Error(l)), "", 0),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/status/ovsdb", statusHandler(l, lister))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// serveStatus runs the metrics and status endpoint until ctx is done.
func serveStatus(ctx context.Context, l log.Logger, lister entryLister, host string, port int, tlsConfigPath string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           statusMux(l, lister),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			level.Warn(l).Log("op", "shutdown", "error", err, "msg", "status endpoint shutdown")
		}
	}()

	level.Info(l).Log("op", "startup", "msg", fmt.Sprintf("starting status endpoint at %s", addr))
	if err := web.ListenAndServe(server, tlsConfigPath, l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	level.Info(l).Log("op", "shutdown", "msg", "status endpoint shutdown complete")
	return nil
}
