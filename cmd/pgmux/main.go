// Command pgmux runs the pgmux connection pooler: a PostgreSQL client
// listener, its pool manager, health checker, and admin HTTP surface, wired
// together from a single YAML config file.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgmux/pgmux/internal/admin"
	"github.com/pgmux/pgmux/internal/cancel"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/health"
	"github.com/pgmux/pgmux/internal/listener"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/registry"
)

func main() {
	configPath := flag.String("config", "configs/pgmux.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgmux starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "pools", len(cfg.Pools))

	m := metrics.New()
	reg, err := registry.New(cfg)
	if err != nil {
		slog.Error("failed to build registry", "err", err)
		os.Exit(1)
	}
	cancelDir := cancel.New()
	pm := pool.NewManager()
	hc := health.NewChecker(reg, m)

	pm.SetOnPoolExhausted(func(poolName string) {
		m.PoolExhausted(poolName)
	})
	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.PoolName, "postgres", s.ActiveServers, s.IdleServers, s.TotalServers, s.WaitingClients)
	})

	hc.Start()

	lsn := listener.NewServer(reg, pm, cancelDir, m, cfg.Listen)
	if err := lsn.Listen(); err != nil {
		slog.Error("failed to start listener", "err", err)
		os.Exit(1)
	}

	adminSrv := admin.NewServer(reg, pm, hc, m, cfg.Listen)
	if err := adminSrv.Start(cfg.Listen.AdminBind, cfg.Listen.AdminPort); err != nil {
		slog.Error("failed to start admin server", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		if err := reg.Reload(newCfg); err != nil {
			slog.Error("config reload failed", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	slog.Info("pgmux ready", "listen", cfg.Listen.Port, "admin", cfg.Listen.AdminPort)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if watcher != nil {
				watcher.Reload()
			}
			continue
		}
		slog.Info("received signal, shutting down", "signal", sig)
		break
	}

	if watcher != nil {
		watcher.Stop()
	}
	adminSrv.Stop()
	lsn.Stop()
	hc.Stop()
	pm.Close()

	slog.Info("pgmux stopped")
}
