// Package transport launches the scanner binary as a subprocess and parses
// its JSON report back into typed scan results.
//
// The scanner owns the BLE session; the host side only ever sees the JSON
// contract. Every invocation runs under a supervisory deadline of twice the
// requested scan duration, so a wedged subprocess cannot stall the polling
// loop.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/blang/semver"

	"podwatch/internal/ble"
	"podwatch/internal/scanreport"
)

// DefaultBinary is the scanner executable name resolved via PATH when no
// explicit path is configured.
const DefaultBinary = "podscan"

// minScannerVersion is the oldest report schema the host accepts without
// complaint. Older scanners still work; they just provoke a warning.
var minScannerVersion = semver.MustParse("1.0.0")

const stderrTailLimit = 2048

// Runner invokes the scanner binary.
type Runner struct {
	binPath string
	logger  *slog.Logger
}

// NewRunner builds a runner for the given binary path or name.
func NewRunner(binPath string, logger *slog.Logger) *Runner {
	if binPath == "" {
		binPath = DefaultBinary
	}
	return &Runner{
		binPath: binPath,
		logger:  logger.With("component", "transport"),
	}
}

// Scan runs one scanner invocation and returns its report.
//
// A report with status "error" is returned as a report, not an error: the
// scanner ran and told us what went wrong. Errors from this method are
// always *Error values carrying a Kind.
func (r *Runner) Scan(ctx context.Context, mode ble.Mode, duration time.Duration) (*scanreport.Report, error) {
	cfg := ble.SessionConfig{Mode: mode, Duration: duration}.Normalize()

	path, err := exec.LookPath(r.binPath)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: KindNotFound, Detail: r.binPath, Err: err}
		}
		return nil, &Error{Kind: KindSpawn, Err: err}
	}

	deadline := 2 * cfg.Duration
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args(cfg)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Give the process one second to die after the kill signal.
	cmd.WaitDelay = time.Second

	r.logger.Debug("running scanner", "path", path, "mode", cfg.Mode.String(), "deadline", deadline)

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Kind: KindTimeout, Detail: deadline.String(), Err: ctx.Err()}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// A non-zero exit with a well-formed error report is still a
			// valid answer; prefer it over a raw exit error.
			if report, perr := parseReport(stdout.Bytes()); perr == nil && report.Status == scanreport.StatusError {
				return report, nil
			}
			return nil, &Error{
				Kind:   KindNonZeroExit,
				Code:   exitErr.ExitCode(),
				Stderr: tail(stderr.String()),
				Detail: tail(stderr.String()),
				Err:    runErr,
			}
		}
		return nil, &Error{Kind: KindSpawn, Err: runErr}
	}

	report, perr := parseReport(stdout.Bytes())
	if perr != nil {
		return nil, perr
	}

	r.checkVersion(report.ScannerVersion)

	return report, nil
}

func args(cfg ble.SessionConfig) []string {
	switch cfg.Mode {
	case ble.ModeFast:
		return []string{"--fast"}
	case ble.ModeQuick:
		return []string{"--quick"}
	case ble.ModeContinuous:
		return []string{"--continuous"}
	case ble.ModeEarlyExit:
		return []string{"--early-exit", "--duration", fmt.Sprint(int(cfg.Duration / time.Second))}
	default:
		return []string{"--duration", fmt.Sprint(int(cfg.Duration / time.Second))}
	}
}

// parseReport decodes and validates one report document. Unknown JSON fields
// are ignored for forward compatibility; malformed hex is not.
func parseReport(data []byte) (*scanreport.Report, error) {
	var report scanreport.Report
	if err := json.Unmarshal(data, &report); err != nil {
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syn):
			return nil, &Error{Kind: KindJSON, Offset: syn.Offset, Detail: err.Error(), Err: err}
		case errors.As(err, &typ):
			return nil, &Error{Kind: KindJSON, Offset: typ.Offset, Detail: err.Error(), Err: err}
		default:
			return nil, &Error{Kind: KindJSON, Detail: err.Error(), Err: err}
		}
	}

	if report.Status != scanreport.StatusSuccess && report.Status != scanreport.StatusError {
		return nil, &Error{Kind: KindJSON, Detail: fmt.Sprintf("unknown status %q", report.Status)}
	}

	for i := range report.Devices {
		d := &report.Devices[i]
		if _, err := hex.DecodeString(d.ManufacturerDataHex); err != nil {
			return nil, &Error{
				Kind:   KindJSON,
				Detail: fmt.Sprintf("device %s: bad manufacturer data hex: %v", d.DeviceID, err),
				Err:    err,
			}
		}
	}

	return &report, nil
}

func (r *Runner) checkVersion(version string) {
	v, err := semver.ParseTolerant(version)
	if err != nil {
		r.logger.Warn("unparseable scanner version", "version", version)
		return
	}
	if v.LT(minScannerVersion) {
		r.logger.Warn("scanner older than supported", "version", version, "min", minScannerVersion.String())
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}
