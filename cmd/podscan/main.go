// podscan scans for Apple audio devices over BLE and prints a JSON scan
// report to stdout.
//
// The binary is normally launched by the podwatch daemon as an out-of-process
// helper, but it is equally usable by hand:
//
//	podscan --duration 4
//	podscan --fast
//	podscan --continuous
//
// Stdout carries exactly one JSON document and a trailing newline. All
// diagnostics go to stderr. Exit code 0 means the scan ran; 1 means the
// watcher could not be started (the JSON document then has status "error").
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"podwatch/internal/ble"
	"podwatch/internal/scanreport"
)

func main() {
	app := cli.NewApp()
	app.Name = "podscan"
	app.Usage = "scan for Apple Continuity battery advertisements"
	app.Version = scanreport.Version
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "duration",
			Value: int(ble.DefaultDuration / time.Second),
			Usage: "fixed scan window in seconds, clamped to [1,30]",
		},
		cli.BoolFlag{Name: "fast, f", Usage: "2s scan, exit on first AirPods found"},
		cli.BoolFlag{Name: "quick, q", Usage: "3s scan, exit on first AirPods found"},
		cli.BoolFlag{Name: "continuous, c", Usage: "scan up to 30s, probing every 200ms"},
		cli.BoolFlag{Name: "early-exit", Usage: "probe every 500ms during the fixed window"},
		cli.BoolFlag{Name: "verbose, v", Usage: "log per-advertisement diagnostics"},
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
	logger := slog.New(newLineHandler(os.Stderr, level))

	cfg := ble.SessionConfig{
		Mode:     modeFromFlags(c),
		Duration: time.Duration(c.Int("duration")) * time.Second,
	}.Normalize()

	logger.Info("starting scan", "mode", cfg.Mode.String(), "duration", cfg.Duration.String())

	watcher, err := ble.NewWatcher(logger)
	if err != nil {
		return fail(logger, "bluetooth adapter unavailable: "+err.Error())
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := ble.Run(ctx, watcher, cfg, logger)
	if err != nil {
		return fail(logger, err.Error())
	}

	logger.Info("scan finished", "devices", report.TotalDevices, "airpods", report.AirPodsCount)
	return emit(report)
}

// modeFromFlags maps the mutually exclusive CLI flags onto a scan mode. When
// several are given the most specific one wins, matching the flag order in
// the usage text.
func modeFromFlags(c *cli.Context) ble.Mode {
	switch {
	case c.Bool("fast"):
		return ble.ModeFast
	case c.Bool("quick"):
		return ble.ModeQuick
	case c.Bool("continuous"):
		return ble.ModeContinuous
	case c.Bool("early-exit"):
		return ble.ModeEarlyExit
	default:
		return ble.ModeFixed
	}
}

// fail prints the error-shaped report to stdout and exits non-zero. The host
// transport relies on this document being present even on startup failure.
func fail(logger *slog.Logger, msg string) error {
	logger.Error(msg)
	if err := emit(scanreport.ErrorReport(time.Now().Unix(), msg)); err != nil {
		return cli.NewExitError("", 1)
	}
	return cli.NewExitError("", 1)
}

func emit(report *scanreport.Report) error {
	return json.NewEncoder(os.Stdout).Encode(report)
}
