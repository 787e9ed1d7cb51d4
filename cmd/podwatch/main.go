// podwatch is the battery monitor daemon. It polls for Apple audio devices
// through the podscan helper, learns depletion rates, and exposes the result
// through a tray indicator, an optional MQTT bridge, and an optional local
// web endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"podwatch/internal/battery"
	"podwatch/internal/bluez"
	"podwatch/internal/config"
	"podwatch/internal/lifecycle"
	"podwatch/internal/mqtt"
	"podwatch/internal/persist"
	"podwatch/internal/poll"
	"podwatch/internal/power"
	"podwatch/internal/scanreport"
	"podwatch/internal/store"
	"podwatch/internal/transport"
	"podwatch/internal/tray"
	"podwatch/internal/web"
)

func main() {
	// Optional .env for development setups (broker credentials and the
	// like); missing files are fine.
	godotenv.Load()

	app := cli.NewApp()
	app.Name = "podwatch"
	app.Usage = "AirPods battery monitor"
	app.Version = scanreport.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "state-dir",
			Usage: "override the state directory (default: user config dir)",
		},
		cli.StringFlag{
			Name:  "scanner",
			Usage: "path to the podscan helper binary",
		},
		cli.BoolFlag{Name: "no-tray", Usage: "run headless, without the tray indicator"},
		cli.BoolFlag{Name: "verbose, v", Usage: "debug logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dir := c.String("state-dir")
	if dir == "" {
		var err error
		dir, err = config.Dir()
		if err != nil {
			return exit(logger, fmt.Errorf("resolve state dir: %w", err))
		}
	}

	mgr, err := persist.Open(logger, dir)
	if err != nil {
		return exit(logger, err)
	}
	defer mgr.Close()

	cfg, err := mgr.LoadConfig()
	if err != nil {
		logger.Warn("config unreadable, using defaults", "error", err)
		cfg = config.Default()
	}
	if path := c.String("scanner"); path != "" {
		cfg.ScannerPath = path
	}

	st := store.New(logger, cfg)
	defer st.Close()

	engine := battery.NewEngine(logger, func(p battery.Profile) {
		if err := mgr.Archive().Put(p); err != nil {
			logger.Warn("profile archive failed", "address", p.Address, "error", err)
		}
	})
	if profile, ok, err := mgr.LoadProfile(); err != nil {
		logger.Warn("profile unreadable, starting fresh", "error", err)
	} else if ok {
		engine.Restore(profile)
		logger.Info("battery profile restored", "address", profile.Address)
	}

	scannerPath := cfg.ScannerPath
	if scannerPath == "" {
		scannerPath = transport.DefaultBinary
	}
	runner := transport.NewRunner(scannerPath, logger)

	var paired bluez.PairedSource
	enum, err := bluez.NewEnumerator(logger)
	if err != nil {
		logger.Warn("paired-device enumeration unavailable", "error", err)
		paired = bluez.NewStaticSource()
	} else {
		defer enum.Close()
		paired = enum
	}

	supervisor := poll.New(logger, st, runner, paired, engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	life := lifecycle.New(logger, st)
	life.Add("poll", supervisor.Run)
	life.Add("persist", func(ctx context.Context) error {
		return mgr.Run(ctx, st, supervisor.Profile)
	})
	life.Add("power", power.New(logger, st).Run)
	life.Add("mqtt", mqtt.New(logger, st).Run)
	life.Add("web", web.New(logger, st).Run)
	if !c.Bool("no-tray") {
		life.Add("tray", tray.New(logger, st, supervisor.ScanNow, stop).Run)
	}

	logger.Info("podwatch started", "state_dir", dir, "scanner", scannerPath)
	if err := life.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exit(logger, err)
	}
	logger.Info("podwatch stopped")
	return nil
}

func exit(logger *slog.Logger, err error) error {
	logger.Error(err.Error())
	return cli.NewExitError("", 1)
}
