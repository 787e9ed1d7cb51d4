package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"podwatch/internal/battery"
	"podwatch/internal/ble"
	"podwatch/internal/bluez"
	"podwatch/internal/config"
	"podwatch/internal/scanreport"
	"podwatch/internal/store"
	"podwatch/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeScanner replays queued results, one per Scan call.
type fakeScanner struct {
	mu      sync.Mutex
	results []scanResult
	calls   int
}

type scanResult struct {
	report *scanreport.Report
	err    error
}

func (f *fakeScanner) push(r *scanreport.Report, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, scanResult{report: r, err: err})
}

func (f *fakeScanner) Scan(ctx context.Context, mode ble.Mode, duration time.Duration) (*scanreport.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return &scanreport.Report{Status: scanreport.StatusSuccess}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.report, r.err
}

func airpodsReport(addr string, left, right, caseLevel int) *scanreport.Report {
	return &scanreport.Report{
		Status: scanreport.StatusSuccess,
		Devices: []scanreport.Device{{
			DeviceID: scanreport.DeviceID(addr),
			Address:  addr,
			AirPods: &scanreport.AirPodsData{
				Model:        "AirPods Pro 2",
				ModelID:      "0x2014",
				LeftBattery:  left,
				RightBattery: right,
				CaseBattery:  caseLevel,
			},
		}},
	}
}

func newTestSupervisor(scanner Scanner, paired bluez.PairedSource) (*Supervisor, *store.Store) {
	st := store.New(testLogger(), config.Default())
	engine := battery.NewEngine(testLogger(), nil)
	return New(testLogger(), st, scanner, paired, engine), st
}

func TestCycleDispatchesMergedView(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.push(airpodsReport("AA:BB:CC:DD:EE:FF", 70, 70, 40), nil)
	paired := bluez.NewStaticSource(bluez.PairedDevice{
		Address: "AA:BB:CC:DD:EE:FF", Name: "Jay's AirPods", Connected: true,
	})
	s, st := newTestSupervisor(scanner, paired)
	defer st.Close()

	if err := s.cycle(context.Background(), st.Config()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	snap := st.DeviceState()
	if len(snap.Devices) != 1 {
		t.Fatalf("devices = %+v", snap.Devices)
	}
	if snap.Devices[0].DisplayName != "Jay's AirPods" {
		t.Errorf("display name = %q", snap.Devices[0].DisplayName)
	}
	if snap.Selected != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("selected = %q, want auto-selected", snap.Selected)
	}
}

func TestCycleFeedsEngineAndPublishesEstimates(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.push(airpodsReport("AA:BB:CC:DD:EE:FF", 80, 80, 60), nil)
	scanner.push(airpodsReport("AA:BB:CC:DD:EE:FF", 70, 80, 60), nil)
	s, st := newTestSupervisor(scanner, bluez.NewStaticSource())
	defer st.Close()

	for i := 0; i < 2; i++ {
		if err := s.cycle(context.Background(), st.Config()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	snap := st.DeviceState()
	if snap.Battery == nil {
		t.Fatalf("no battery status published")
	}
	if snap.Battery.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("battery address = %q", snap.Battery.Address)
	}
	if snap.Battery.Left.Level == nil {
		t.Errorf("left estimate missing")
	}

	// The engine saw both readings.
	if got := s.Profile().Address; got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("profile address = %q", got)
	}
}

func TestStaleMarking(t *testing.T) {
	scanner := &fakeScanner{}
	paired := bluez.NewStaticSource(bluez.PairedDevice{
		Address: "AA:BB:CC:DD:EE:FF", Name: "Jay's AirPods", Connected: true,
	})
	s, st := newTestSupervisor(scanner, paired)
	defer st.Close()
	// Bypass the cache TTL between cycles.
	s.pairedAt = time.Time{}

	// Default StaleWindows is 3: two silent windows keep the device
	// connected, the third demotes it.
	for i := 0; i < 3; i++ {
		s.pairedAt = time.Time{}
		if err := s.cycle(context.Background(), st.Config()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		snap := st.DeviceState()
		if len(snap.Devices) != 1 {
			t.Fatalf("cycle %d devices = %+v", i, snap.Devices)
		}
		got := snap.Devices[0].State
		if i < 2 && got.String() != "connected" {
			t.Errorf("cycle %d state = %s, want connected", i, got)
		}
		if i == 2 && got.String() != "stale" {
			t.Errorf("cycle %d state = %s, want stale", i, got)
		}
	}

	// Telemetry resets the counter and the state.
	scanner.push(airpodsReport("AA:BB:CC:DD:EE:FF", 70, 70, 40), nil)
	s.pairedAt = time.Time{}
	if err := s.cycle(context.Background(), st.Config()); err != nil {
		t.Fatal(err)
	}
	if got := st.DeviceState().Devices[0].State.String(); got != "connected" {
		t.Errorf("state after telemetry = %s, want connected", got)
	}
}

func TestBackoffDoublesFromScanDeadline(t *testing.T) {
	s, st := newTestSupervisor(&fakeScanner{}, bluez.NewStaticSource())
	defer st.Close()

	err := errors.New("scan timed out")
	scanDuration := 4 * time.Second

	want := []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := s.backoff(err, scanDuration, i+1); got != w {
			t.Errorf("failure %d: backoff = %v, want %v", i+1, got, w)
		}
	}

	if got := s.backoff(err, scanDuration, 20); got != backoffCap {
		t.Errorf("backoff = %v, want capped at %v", got, backoffCap)
	}
}

func TestBackoffAdapterUnavailable(t *testing.T) {
	s, st := newTestSupervisor(&fakeScanner{}, bluez.NewStaticSource())
	defer st.Close()

	err := errors.New("bluetooth adapter unavailable: start discovery failed")
	if got := s.backoff(err, 4*time.Second, 5); got != adapterRetry {
		t.Errorf("backoff = %v, want fixed %v", got, adapterRetry)
	}
	if msg := st.UIState().ErrorMessage; msg != "no bluetooth adapter" {
		t.Errorf("error message = %q", msg)
	}
}

func TestPairedSnapshotCached(t *testing.T) {
	paired := bluez.NewStaticSource(bluez.PairedDevice{
		Address: "AA:BB:CC:DD:EE:FF", Name: "Jay's AirPods", Connected: true,
	})
	s, st := newTestSupervisor(&fakeScanner{}, paired)
	defer st.Close()

	first := s.pairedSnapshot(context.Background())
	if len(first) != 1 {
		t.Fatalf("snapshot = %+v", first)
	}

	// Within the TTL the cache answers even when the source fails.
	paired.Fail(errors.New("bus gone"))
	second := s.pairedSnapshot(context.Background())
	if len(second) != 1 {
		t.Errorf("cached snapshot = %+v, want previous result", second)
	}
}

func TestRunStopsSchedulingOnMissingScanner(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.push(nil, &transport.Error{Kind: transport.KindNotFound, Err: errors.New("not in PATH")})
	s, st := newTestSupervisor(scanner, bluez.NewStaticSource())
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for st.UIState().ErrorMessage == "" {
		if time.Now().After(deadline) {
			t.Fatalf("missing-scanner error never surfaced")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if msg := st.UIState().ErrorMessage; msg != "scanner helper not found" {
		t.Errorf("error message = %q", msg)
	}
	scanner.mu.Lock()
	calls := scanner.calls
	scanner.mu.Unlock()
	if calls != 1 {
		t.Errorf("scan calls = %d, want exactly 1 after fatal error", calls)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not exit on cancellation")
	}
}

func TestRunPausesDuringSleep(t *testing.T) {
	scanner := &fakeScanner{}
	s, st := newTestSupervisor(scanner, bluez.NewStaticSource())
	defer st.Close()

	// Sleeping before the loop starts suppresses the immediate first scan.
	st.Dispatch(store.SystemSleep{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	scanner.mu.Lock()
	calls := scanner.calls
	scanner.mu.Unlock()
	if calls != 0 {
		t.Errorf("scan calls while sleeping = %d, want 0", calls)
	}

	// Wake triggers an immediate cycle.
	st.Dispatch(store.SystemWake{})
	deadline := time.Now().Add(3 * time.Second)
	for {
		scanner.mu.Lock()
		calls = scanner.calls
		scanner.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no scan after wake")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not exit on cancellation")
	}
}
