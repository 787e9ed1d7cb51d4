// Package poll drives the scan cadence. The supervisor owns the long-lived
// polling task: it invokes the scanner transport on an interval, merges the
// report with a cached paired-device snapshot, feeds the battery
// intelligence engine, and dispatches the resulting view to the store.
//
// Failures never propagate past this package; every error becomes a store
// action and a backoff adjustment.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"podwatch/internal/battery"
	"podwatch/internal/ble"
	"podwatch/internal/bluez"
	"podwatch/internal/config"
	"podwatch/internal/merge"
	"podwatch/internal/scanreport"
	"podwatch/internal/store"
	"podwatch/internal/transport"
)

// Scanner launches one scan. Implemented by transport.Runner.
type Scanner interface {
	Scan(ctx context.Context, mode ble.Mode, duration time.Duration) (*scanreport.Report, error)
}

const (
	// pairedCacheTTL bounds how stale the paired snapshot may be.
	pairedCacheTTL = 5 * time.Second

	// backoffCap is the ceiling for the failure backoff.
	backoffCap = 5 * time.Minute

	// adapterRetry is the fixed retry interval when no adapter is present.
	adapterRetry = time.Minute

	// cmdQueueCap bounds the inbound command channel; when full the oldest
	// command is dropped rather than blocking the sender.
	cmdQueueCap = 32
)

type command int

const (
	cmdScanNow command = iota
	cmdPause
	cmdResume
)

// Supervisor owns the polling loop and the battery engine.
type Supervisor struct {
	logger  *slog.Logger
	st      *store.Store
	scanner Scanner
	paired  bluez.PairedSource

	cmds chan command

	// engineMu guards engine, which Run's goroutine and Profile share.
	engineMu sync.Mutex
	engine   *battery.Engine

	pairedCache []bluez.PairedDevice
	pairedAt    time.Time

	// missCounts tracks consecutive windows without telemetry per address.
	missCounts map[string]int

	// seq numbers scans so a stray late result can never override a newer
	// snapshot.
	seq     uint64
	applied uint64

	now func() time.Time
}

// New creates a supervisor. The engine is owned by the supervisor; pass a
// freshly restored one from persistence.
func New(logger *slog.Logger, st *store.Store, scanner Scanner, paired bluez.PairedSource, engine *battery.Engine) *Supervisor {
	return &Supervisor{
		logger:     logger.With("component", "poll"),
		st:         st,
		scanner:    scanner,
		paired:     paired,
		cmds:       make(chan command, cmdQueueCap),
		engine:     engine,
		missCounts: make(map[string]int),
		now:        time.Now,
	}
}

// ScanNow requests an immediate scan cycle. Never blocks; when the queue is
// full the oldest pending command is dropped.
func (s *Supervisor) ScanNow() { s.send(cmdScanNow) }

// Pause suspends scheduling until Resume. Sleep handling uses the store's
// lifecycle actions instead; this is for explicit UI control.
func (s *Supervisor) Pause() { s.send(cmdPause) }

// Resume reverses Pause and triggers an immediate cycle.
func (s *Supervisor) Resume() { s.send(cmdResume) }

func (s *Supervisor) send(c command) {
	for {
		select {
		case s.cmds <- c:
			return
		default:
		}
		select {
		case <-s.cmds:
		default:
		}
	}
}

// Profile snapshots the battery engine for persistence. Safe to call from
// any goroutine.
func (s *Supervisor) Profile() battery.Profile {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return s.engine.Profile()
}

// Run executes the polling loop until ctx is done. A missing scanner binary
// is fatal to the loop; every other failure backs off and retries.
func (s *Supervisor) Run(ctx context.Context) error {
	notes, cancelSub := s.st.Subscribe()
	defer cancelSub()

	// First cycle fires immediately.
	wait := time.NewTimer(0)
	defer wait.Stop()

	paused := s.st.DeviceState().Sleeping
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if n.Kind != store.NoteLifecycle {
				continue
			}
			sleeping := s.st.DeviceState().Sleeping
			if sleeping && !paused {
				paused = true
				s.logger.Info("polling paused for system sleep")
			} else if !sleeping && paused {
				paused = false
				consecutiveFailures = 0
				s.logger.Info("polling resumed after wake")
				resetTimer(wait, 0)
			}

		case c := <-s.cmds:
			switch c {
			case cmdScanNow:
				if !paused {
					resetTimer(wait, 0)
				}
			case cmdPause:
				paused = true
			case cmdResume:
				paused = false
				resetTimer(wait, 0)
			}

		case <-wait.C:
			if paused {
				continue
			}
			cfg := s.st.Config()
			err := s.cycle(ctx, cfg)
			switch {
			case err == nil:
				consecutiveFailures = 0
				resetTimer(wait, cfg.PollInterval())
			case errors.Is(err, context.Canceled):
				return ctx.Err()
			case isFatal(err):
				s.logger.Error("scanner missing, polling stopped", "error", err)
				s.st.Dispatch(store.SetError{Message: "scanner helper not found"})
				// Keep the task alive so shutdown stays orderly, but
				// stop scheduling scans.
				wait.Stop()
			default:
				consecutiveFailures++
				delay := s.backoff(err, cfg.ScanDuration(), consecutiveFailures)
				s.logger.Warn("scan cycle failed",
					"error", err, "retry_in", delay, "failures", consecutiveFailures)
				resetTimer(wait, delay)
			}
		}
	}
}

// cycle runs one scan, merge, intelligence, and dispatch pass.
func (s *Supervisor) cycle(ctx context.Context, cfg config.Config) error {
	seq := s.seq
	s.seq++

	report, err := s.scanner.Scan(ctx, ble.ParseMode(cfg.ScanMode), cfg.ScanDuration())
	if err != nil {
		return err
	}
	if report.Status == scanreport.StatusError {
		return errors.New(report.Error)
	}

	pairedDevices := s.pairedSnapshot(ctx)
	result := merge.Merge(report, pairedDevices)
	s.markStale(result.Devices, cfg.StaleWindows)

	// Guard against a late result overtaking a newer one.
	if seq < s.applied {
		s.logger.Debug("late scan result dropped", "seq", seq)
		return nil
	}
	s.applied = seq

	s.st.Dispatch(store.UpdateDevices{Devices: result.Devices, Dropped: result.Dropped})
	s.feedEngine(result.Devices)
	s.st.Dispatch(store.ClearError{})
	return nil
}

// pairedSnapshot returns the paired-device list, reusing a snapshot younger
// than the cache TTL. Enumeration failures degrade to the cached (possibly
// empty) list.
func (s *Supervisor) pairedSnapshot(ctx context.Context) []bluez.PairedDevice {
	if s.now().Sub(s.pairedAt) < pairedCacheTTL && s.pairedCache != nil {
		return s.pairedCache
	}
	devices, err := s.paired.ListPaired(ctx)
	if err != nil {
		s.logger.Warn("paired enumeration failed", "error", err)
		return s.pairedCache
	}
	s.pairedCache = devices
	s.pairedAt = s.now()
	return devices
}

// markStale demotes connected devices whose telemetry has been missing for
// the configured number of consecutive windows.
func (s *Supervisor) markStale(devices []merge.Device, staleWindows int) {
	seen := make(map[string]bool, len(devices))
	for i := range devices {
		d := &devices[i]
		seen[d.Address] = true
		if d.Battery != nil {
			s.missCounts[d.Address] = 0
			continue
		}
		if d.State != merge.StateConnected {
			continue
		}
		s.missCounts[d.Address]++
		if s.missCounts[d.Address] >= staleWindows {
			d.State = merge.StateStale
		}
	}
	for addr := range s.missCounts {
		if !seen[addr] {
			delete(s.missCounts, addr)
		}
	}
}

// feedEngine records the selected device's telemetry and publishes fresh
// estimates.
func (s *Supervisor) feedEngine(devices []merge.Device) {
	selected := s.st.DeviceState().Selected
	if selected == "" {
		return
	}
	var target *merge.Device
	for i := range devices {
		if devices[i].Address == selected {
			target = &devices[i]
			break
		}
	}
	if target == nil || target.Battery == nil {
		return
	}

	now := s.now()
	reading := readingFromDevice(target, now)

	s.engineMu.Lock()
	s.engine.Record(reading)
	update := store.UpdateBatteryStatus{
		Address: target.Address,
		Left:    s.engine.Estimate(now, battery.Left),
		Right:   s.engine.Estimate(now, battery.Right),
		Case:    s.engine.Estimate(now, battery.Case),
	}
	s.engineMu.Unlock()

	s.st.Dispatch(update)
}

func readingFromDevice(d *merge.Device, now time.Time) battery.Reading {
	r := battery.Reading{
		Address: d.Address,
		Model:   d.Model,
		Time:    now,
	}
	r.Levels[battery.Left] = d.Battery.Left
	r.Levels[battery.Right] = d.Battery.Right
	r.Levels[battery.Case] = d.Battery.Case
	if d.Charging != nil {
		r.Charging[battery.Left] = d.Charging.Left
		r.Charging[battery.Right] = d.Charging.Right
		r.Charging[battery.Case] = d.Charging.Case
	}
	return r
}

// backoff picks the retry delay for a failed cycle: doubling from the scan
// deadline for transient scanner errors, a fixed minute when the adapter is
// gone.
func (s *Supervisor) backoff(err error, scanDuration time.Duration, failures int) time.Duration {
	if isAdapterUnavailable(err) {
		s.st.Dispatch(store.SetError{Message: "no bluetooth adapter"})
		return adapterRetry
	}
	delay := 2 * scanDuration
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

func isFatal(err error) bool {
	kind, ok := transport.KindOf(err)
	return ok && kind == transport.KindNotFound
}

// isAdapterUnavailable matches both the in-process sentinel and the error
// text the scanner subprocess reports when discovery cannot start.
func isAdapterUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ble.ErrNoAdapter) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "adapter")
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
