package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podwatch/internal/scanreport"
)

// Mode selects how a scan session terminates.
type Mode int

const (
	// ModeFixed scans for the configured duration.
	ModeFixed Mode = iota
	// ModeFast scans 2s, exiting early on the first AirPods found.
	ModeFast
	// ModeQuick scans 3s, exiting early on the first AirPods found.
	ModeQuick
	// ModeContinuous scans up to 30s, probing every 200ms for AirPods.
	ModeContinuous
	// ModeEarlyExit scans for the configured duration, probing every 500ms.
	ModeEarlyExit
)

func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeFast:
		return "fast"
	case ModeQuick:
		return "quick"
	case ModeContinuous:
		return "continuous"
	case ModeEarlyExit:
		return "early-exit"
	default:
		return "unknown"
	}
}

// ParseMode resolves a mode name, defaulting to fixed.
func ParseMode(s string) Mode {
	switch s {
	case "fast":
		return ModeFast
	case "quick":
		return ModeQuick
	case "continuous":
		return ModeContinuous
	case "early-exit":
		return ModeEarlyExit
	default:
		return ModeFixed
	}
}

const (
	// DefaultDuration applies when no or an invalid duration is given.
	DefaultDuration = 4 * time.Second
	minDuration     = 1 * time.Second
	maxDuration     = 30 * time.Second

	restartInterval = 3 * time.Second
	stopWait        = time.Second
)

// SessionConfig describes one scan window.
type SessionConfig struct {
	Mode     Mode
	Duration time.Duration
}

// Normalize clamps the duration into [1s,30s] and applies the per-mode
// defaults. Invalid durations fall back to the 4s default.
func (c SessionConfig) Normalize() SessionConfig {
	switch c.Mode {
	case ModeFast:
		c.Duration = 2 * time.Second
	case ModeQuick:
		c.Duration = 3 * time.Second
	case ModeContinuous:
		c.Duration = maxDuration
	default:
		if c.Duration <= 0 {
			c.Duration = DefaultDuration
		}
	}
	if c.Duration < minDuration {
		c.Duration = minDuration
	}
	if c.Duration > maxDuration {
		c.Duration = maxDuration
	}
	return c
}

// probeInterval returns the early-exit polling cadence, or zero when the
// mode runs its full duration regardless.
func (c SessionConfig) probeInterval() time.Duration {
	switch c.Mode {
	case ModeContinuous:
		return 200 * time.Millisecond
	case ModeEarlyExit:
		return 500 * time.Millisecond
	case ModeFast, ModeQuick:
		return 200 * time.Millisecond
	default:
		return 0
	}
}

// Run executes one scan session against src and returns the scan report.
//
// The source is started, observations are aggregated per address, and the
// session ends when the window elapses, an early-exit probe finds AirPods,
// or ctx is cancelled. If discovery halts unexpectedly the session retries
// Start every 3 seconds until it succeeds or the window closes.
//
// Run only returns an error when the source cannot be started at all; every
// later failure is degraded into a shorter (but valid) scan window.
func Run(ctx context.Context, src Source, cfg SessionConfig, logger *slog.Logger) (*scanreport.Report, error) {
	cfg = cfg.Normalize()
	logger = logger.With("component", "scan", "mode", cfg.Mode.String())

	if err := src.Start(); err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	defer func() {
		if err := src.Stop(); err != nil {
			logger.Debug("stop watcher", "err", err)
		}
	}()

	agg := newAggregator()

	deadline := time.NewTimer(cfg.Duration)
	defer deadline.Stop()

	var probeC <-chan time.Time
	if interval := cfg.probeInterval(); interval > 0 {
		probe := time.NewTicker(interval)
		defer probe.Stop()
		probeC = probe.C
	}

	var retryTimer *time.Timer
	var retryC <-chan time.Time
	scheduleRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer = time.NewTimer(restartInterval)
		retryC = retryTimer.C
	}
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	note := fmt.Sprintf("%s scan, %s window", cfg.Mode, cfg.Duration)

loop:
	for {
		select {
		case <-ctx.Done():
			note = "scan cancelled before window closed"
			break loop

		case <-deadline.C:
			break loop

		case <-probeC:
			if agg.airpodsCount() > 0 {
				note = fmt.Sprintf("%s scan, early exit on first AirPods", cfg.Mode)
				break loop
			}

		case ob := <-src.Observations():
			agg.observe(ob)

		case <-src.Stopped():
			logger.Warn("discovery stopped unexpectedly, retrying", "interval", restartInterval)
			scheduleRetry()

		case <-retryC:
			if err := src.Start(); err != nil {
				logger.Warn("watcher restart failed", "err", err)
				scheduleRetry()
			} else {
				logger.Info("watcher restarted")
				retryC = nil
			}
		}
	}

	devices := agg.snapshot()
	airpods := 0
	for _, d := range devices {
		if d.AirPods != nil {
			airpods++
		}
	}

	return &scanreport.Report{
		ScannerVersion: scanreport.Version,
		ScanTimestamp:  time.Now().Unix(),
		TotalDevices:   len(devices),
		Devices:        devices,
		AirPodsCount:   airpods,
		Status:         scanreport.StatusSuccess,
		Note:           note,
	}, nil
}
