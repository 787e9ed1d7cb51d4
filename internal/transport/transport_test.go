package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"podwatch/internal/ble"
	"podwatch/internal/scanreport"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubScanner writes an executable shell script standing in for the scanner
// binary.
func stubScanner(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podscan")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const successReport = `{
  "scanner_version": "1.2.0",
  "scan_timestamp": 1700000000,
  "total_devices": 1,
  "devices": [
    {
      "device_id": "aabbccddeeff",
      "address": "AA:BB:CC:DD:EE:FF",
      "rssi": -60,
      "manufacturer_data_hex": "0719010e20488702",
      "future_field": "ignored",
      "airpods_data": {
        "model": "AirPods Pro",
        "model_id": "0x200E",
        "left_battery": 80,
        "right_battery": 70,
        "case_battery": 40,
        "left_charging": false,
        "right_charging": false,
        "case_charging": false,
        "left_in_ear": true,
        "right_in_ear": false,
        "both_in_case": false,
        "lid_open": false,
        "broadcasting_ear": "right"
      }
    }
  ],
  "airpods_count": 1,
  "status": "success",
  "unknown_top_level": 42
}`

func TestScanSuccess(t *testing.T) {
	bin := stubScanner(t, "cat <<'EOF'\n"+successReport+"\nEOF\n")
	r := NewRunner(bin, testLogger)

	report, err := r.Scan(context.Background(), ble.ModeFixed, 2*time.Second)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Status != scanreport.StatusSuccess {
		t.Errorf("status = %q", report.Status)
	}
	if report.AirPodsCount != 1 || len(report.Devices) != 1 {
		t.Fatalf("devices = %+v", report.Devices)
	}
	d := report.Devices[0]
	if d.AirPods == nil || d.AirPods.LeftBattery != 80 {
		t.Errorf("airpods data = %+v", d.AirPods)
	}
}

func TestScanErrorReportFromNonZeroExit(t *testing.T) {
	script := `cat <<'EOF'
{"scanner_version":"1.2.0","scan_timestamp":1700000000,"total_devices":0,"devices":[],"airpods_count":0,"status":"error","error":"bluetooth adapter unavailable"}
EOF
exit 1`
	r := NewRunner(stubScanner(t, script), testLogger)

	report, err := r.Scan(context.Background(), ble.ModeFixed, 2*time.Second)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Status != scanreport.StatusError {
		t.Errorf("status = %q, want error", report.Status)
	}
	if report.Error == "" {
		t.Error("error message lost")
	}
}

func TestScanNonZeroExitWithoutReport(t *testing.T) {
	r := NewRunner(stubScanner(t, "echo boom >&2\nexit 3"), testLogger)

	_, err := r.Scan(context.Background(), ble.ModeFixed, 2*time.Second)
	kind, ok := KindOf(err)
	if !ok || kind != KindNonZeroExit {
		t.Fatalf("err = %v, want non-zero-exit", err)
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatal("not a transport error")
	}
	if te.Code != 3 {
		t.Errorf("code = %d, want 3", te.Code)
	}
	if te.Stderr != "boom" {
		t.Errorf("stderr = %q, want boom", te.Stderr)
	}
}

func TestScanMalformedJSON(t *testing.T) {
	r := NewRunner(stubScanner(t, `echo '{"status": "succ'`), testLogger)

	_, err := r.Scan(context.Background(), ble.ModeFixed, 2*time.Second)
	if kind, ok := KindOf(err); !ok || kind != KindJSON {
		t.Fatalf("err = %v, want json kind", err)
	}
}

func TestScanOddLengthHex(t *testing.T) {
	script := `cat <<'EOF'
{"scanner_version":"1.2.0","scan_timestamp":1,"total_devices":1,"devices":[{"device_id":"aabbccddeeff","address":"AA:BB:CC:DD:EE:FF","rssi":-60,"manufacturer_data_hex":"0719f","airpods_data":null}],"airpods_count":0,"status":"success"}
EOF`
	r := NewRunner(stubScanner(t, script), testLogger)

	_, err := r.Scan(context.Background(), ble.ModeFixed, 2*time.Second)
	if kind, ok := KindOf(err); !ok || kind != KindJSON {
		t.Fatalf("err = %v, want json kind", err)
	}
}

func TestScanTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps past the supervisory deadline")
	}
	r := NewRunner(stubScanner(t, "sleep 30"), testLogger)

	start := time.Now()
	_, err := r.Scan(context.Background(), ble.ModeFixed, time.Second)
	if kind, ok := KindOf(err); !ok || kind != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, deadline is 2x duration", elapsed)
	}
}

func TestScanBinaryMissing(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "no-such-scanner"), testLogger)

	_, err := r.Scan(context.Background(), ble.ModeFixed, time.Second)
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}
