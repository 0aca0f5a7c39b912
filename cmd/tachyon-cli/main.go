// Command tachyon-cli runs the Transfer Engine headless behind the
// loopback control API, the non-GUI equivalent of the teacher's Wails
// shell: same logger/config/ledger wiring at startup (internal/logger,
// internal/config, internal/ledger), minus the desktop window and tray.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tachyon-core/internal/auditlog"
	"tachyon-core/internal/config"
	"tachyon-core/internal/controlapi"
	"tachyon-core/internal/engine"
	"tachyon-core/internal/eventbus"
	"tachyon-core/internal/ledger"
	"tachyon-core/internal/logger"
)

func main() {
	port := flag.Int("port", 8282, "control API port (loopback only)")
	dataDir := flag.String("data-dir", "", "directory for the ledger and the audit log (default: OS user config dir); the application log is always written under the OS user config dir")
	flag.Parse()

	if err := run(*port, *dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "tachyon-cli:", err)
		os.Exit(1)
	}
}

func run(port int, dataDir string) error {
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = filepath.Join(base, "tachyon-core")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bus := eventbus.New()

	var logOutput io.Writer = os.Stdout
	log, err := logger.New(logOutput, bus)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := ledger.Open(filepath.Join(dataDir, "downloads.db"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	cfgStore := config.NewStore(store)
	cfg := cfgStore.Load()
	if cfg.PurgeAfterDays > 0 {
		if n, err := store.PurgeOlderThan(cfg.PurgeAfterDays); err != nil {
			log.Error("purge old downloads", "error", err)
		} else if n > 0 {
			log.Info("purged old downloads", "count", n)
		}
	}

	audit, err := auditlog.Open(dataDir, log, bus)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	e := engine.New(log, store, bus, cfg)
	if err := e.RecoverInterruptedDownloads(); err != nil {
		log.Error("recover interrupted downloads", "error", err)
	}

	server := controlapi.New(e, cfgStore, audit, log, 4)
	if err := server.Start(port); err != nil {
		return fmt.Errorf("start control api: %w", err)
	}

	token, err := cfgStore.ControlAPIToken()
	if err != nil {
		return fmt.Errorf("load control api token: %w", err)
	}
	log.Info("tachyon-cli ready", "port", port, "data_dir", dataDir, "token", token)

	waitForSignal()

	log.Info("shutting down")
	if err := e.Shutdown(10 * time.Second); err != nil {
		log.Error("engine shutdown", "error", err)
	}
	if err := server.Stop(); err != nil {
		log.Error("control api shutdown", "error", err)
	}
	return nil
}

// waitForSignal blocks until SIGINT/SIGTERM, the CLI's equivalent of the
// teacher's WaitForSignals used to trigger graceful app shutdown.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
