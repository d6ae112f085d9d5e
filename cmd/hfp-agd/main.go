//go:build linux

// hfp-agd runs the Hands-Free audio gateway on BlueZ (Linux only).
//
// Prerequisites
//   - bluetoothd running with system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root: run with sudo.
//
// Modes
//
//  1. Run the gateway:
//     sudo hfp-agd -config hfp-agd.yaml
//     Headsets connect to the Audio Gateway record; the command surface is
//     exported on the system bus when api.enabled is set.
//
//  2. List nearby headsets:
//     hfp-agd -mode=scan -timeout=15s
//
// Exit/Ctrl-C cancels via context.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-hfp/internal/a2dpsync"
	"bluetooth-hfp/internal/config"
	"bluetooth-hfp/internal/dbusapi"
	"bluetooth-hfp/internal/eventbus"
	"bluetooth-hfp/internal/hfp"
	"bluetooth-hfp/internal/logger"
	"bluetooth-hfp/internal/native/bluez"
	"bluetooth-hfp/internal/store"
	"bluetooth-hfp/internal/system"
)

func main() {
	mode := flag.String("mode", "run", "mode: run|scan")
	cfgPath := flag.String("config", "", "YAML config file (defaults when empty)")
	timeout := flag.Duration("timeout", 15*time.Second, "scan duration (scan mode)")
	flag.Parse()

	cfg := config.Defaults()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	lg, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	switch *mode {
	case "run":
		err = run(ctx, cfg, lg)
	case "scan":
		sctx, scancel := context.WithTimeout(ctx, *timeout)
		defer scancel()
		err = scan(sctx, cfg, lg)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		lg.Error("exit", "mode", *mode, "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	transport, devices, err := bluez.New(cfg.BlueZ, cfg.HFP.EarbudPairs, lg)
	if err != nil {
		return err
	}

	sys := system.NewLocal(lg)
	bus := eventbus.New(lg)
	defer bus.Close()

	svc := hfp.NewService(hfp.Deps{
		Native:  transport,
		System:  sys,
		A2dp:    a2dpsync.New(sys.Audio(), lg),
		Adapter: devices,
		Store:   st,
		Bus:     bus,
		Logger:  lg,
	}, hfp.NewConfig(cfg.HFP))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer svc.Stop()

	go func() {
		if err := devices.WatchBonds(ctx, svc.OnBondStateChanged); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("bond watch stopped", "err", err)
		}
	}()

	if cfg.API.Enabled {
		conn, err := dbus.SystemBus()
		if err != nil {
			return fmt.Errorf("system bus: %w", err)
		}
		withdraw, err := dbusapi.Export(conn, cfg.API, dbusapi.New(svc, lg), bus)
		if err != nil {
			return err
		}
		defer withdraw()
	}

	lg.Info("audio gateway running", "adapter", cfg.BlueZ.Adapter, "max_connections", cfg.HFP.MaxConnections)
	<-ctx.Done()
	lg.Info("shutting down")
	return nil
}

func scan(ctx context.Context, cfg *config.Config, lg *slog.Logger) error {
	_, devices, err := bluez.New(cfg.BlueZ, cfg.HFP.EarbudPairs, lg)
	if err != nil {
		return err
	}
	lg.Info("scanning for headsets", "timeout", deadlineStr(ctx))
	hs, err := devices.ListHeadsets(ctx)
	if err != nil {
		return err
	}
	if len(hs) == 0 {
		lg.Info("no headsets found")
		return nil
	}
	for i, h := range hs {
		lg.Info("headset", "index", i, "address", h.Address, "name", h.Name,
			"alias", h.Alias, "paired", h.Paired, "path", h.Path)
	}
	return nil
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
