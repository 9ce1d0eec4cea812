// SPDX-License-Identifier:Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.universe.tf/torsync/internal/config"
	"go.universe.tf/torsync/internal/logging"
	"go.universe.tf/torsync/internal/ovsdb"
	"go.universe.tf/torsync/internal/ovsdb/jsonrpc"
	"go.universe.tf/torsync/internal/scheduler"
	"go.universe.tf/torsync/internal/version"
)

const shutdownTimeout = 30 * time.Second

var snapshotBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    6,
	Cap:      30 * time.Second,
}

func main() {
	var (
		configPath    = flag.String("config", os.Getenv("TORSYNC_CONFIG"), "path to the agent configuration file")
		host          = flag.String("host", os.Getenv("TORSYNC_HOST"), "HTTP host address")
		port          = flag.Int("port", 7572, "HTTP listening port")
		logLevel      = flag.String("log-level", "info", fmt.Sprintf("log level. must be one of: [%s]", logging.Levels.String()))
		tlsConfigPath = flag.String("tls-config-path", os.Getenv("TORSYNC_TLS_CONFIG_PATH"), "[EXPERIMENTAL] Path to config yaml file that can enable TLS or authentication.")
	)
	flag.Parse()

	logger, err := logging.Init(*logLevel)
	if err != nil {
		fmt.Printf("failed to initialize logging: %s\n", err)
		os.Exit(1)
	}

	level.Info(logger).Log("version", version.Version(), "commit", version.CommitHash(), "branch", version.Branch(), "goversion", version.GoString(), "msg", "torsync agent starting "+version.String())

	if *configPath == "" {
		level.Error(logger).Log("op", "startup", "error", "missing required option", "msg", "config path is required")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("op", "startup", "error", err, "msg", "failed to load config")
		os.Exit(1)
	}

	stopCh := make(chan struct{})
	go func() {
		c1 := make(chan os.Signal, 1)
		signal.Notify(c1, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-c1
		signal.Stop(c1)
		close(stopCh)
	}()

	defer level.Info(logger).Log("op", "shutdown", "msg", "done")

	if err := run(logger, cfg, *configPath, *host, *port, *tlsConfigPath, stopCh); err != nil {
		level.Error(logger).Log("op", "run", "error", err, "msg", "agent failed")
		os.Exit(1)
	}
}

func run(l log.Logger, cfg *config.Config, configPath, host string, port int, tlsConfigPath string, stopCh <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := scheduler.New(log.With(l, "component", "scheduler"))

	conn, err := jsonrpc.Dial(ctx, cfg.DeviceAddress, cfg.Database, l)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := ovsdb.NewClient(ovsdb.Config{
		Logger:            log.With(l, "component", "ovsdb"),
		Remote:            conn,
		Scheduler:         queue,
		TSNAddress:        cfg.TSNAddress,
		TeardownBatchSize: cfg.TeardownBatchSize,
		StaleTimeout:      cfg.StaleTimeout.Duration,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return conn.Serve(gctx, client) })
	g.Go(func() error { return serveStatus(gctx, l, client, host, port, tlsConfigPath) })

	if err := snapshot(gctx, l, conn, cfg.SnapshotTimeout.Duration); err != nil {
		cancel()
		g.Wait()
		return err
	}

	// The snapshot is queued ahead of everything below, so stale rows are
	// known before local demand arrives.
	// sweep is only touched on the queue.
	var sweep *time.Timer
	queue.Enqueue(func() {
		sweep = client.ScheduleStaleSweep()
		client.ReplaceLogicalSwitches(logicalSwitches(cfg.VirtualNetworks))
	})

	g.Go(func() error {
		return config.Watch(gctx, log.With(l, "component", "config"), configPath, func(next *config.Config) {
			if next.TSNAddress != cfg.TSNAddress || next.DeviceAddress != cfg.DeviceAddress {
				level.Warn(l).Log("op", "reloadConfig", "msg", "tsnAddress and deviceAddress changes need a restart, applying virtual networks only")
			}
			desired := logicalSwitches(next.VirtualNetworks)
			queue.Enqueue(func() { client.ReplaceLogicalSwitches(desired) })
		})
	})

	select {
	case <-stopCh:
		level.Info(l).Log("op", "shutdown", "msg", "signal received, tearing down")
	case <-gctx.Done():
		level.Error(l).Log("op", "shutdown", "msg", "agent component stopped, tearing down")
	}

	done := make(chan struct{})
	queue.Enqueue(func() {
		if sweep != nil {
			sweep.Stop()
		}
		client.Shutdown(func() { close(done) })
	})
	select {
	case <-done:
	case <-gctx.Done():
	case <-time.After(shutdownTimeout):
		level.Warn(l).Log("op", "shutdown", "msg", "timed out waiting for table teardown")
	}

	cancel()
	return g.Wait()
}

// snapshot runs the monitor handshake, retrying with backoff. Giving up
// is fatal to bring-up.
func snapshot(ctx context.Context, l log.Logger, conn *jsonrpc.Conn, timeout time.Duration) error {
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, snapshotBackoff, func(ctx context.Context) (bool, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := conn.Monitor(actx); err != nil {
			level.Warn(l).Log("op", "snapshot", "attempt", attempt, "error", err, "msg", "device snapshot failed, retrying")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "device snapshot failed after %d attempts", attempt)
	}
	level.Info(l).Log("op", "snapshot", "attempts", attempt, "msg", "device snapshot complete")
	return nil
}

func logicalSwitches(vns []config.VirtualNetwork) []ovsdb.LogicalSwitch {
	ret := make([]ovsdb.LogicalSwitch, 0, len(vns))
	for _, vn := range vns {
		ret = append(ret, ovsdb.LogicalSwitch{Name: vn.UUID, VxlanID: vn.VxlanID, DeviceName: vn.Device})
	}
	return ret
}
