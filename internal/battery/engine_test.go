package battery

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"podwatch/internal/continuity"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func leftReading(addr string, at time.Time, level int, charging bool) Reading {
	lv := level
	r := Reading{
		Address: addr,
		Model:   continuity.ModelAirPodsPro,
		Time:    at,
	}
	r.Levels[Left] = &lv
	r.Charging[Left] = charging
	return r
}

func countEvents(e *Engine, kind EventKind) int {
	n := 0
	for _, ev := range e.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestRecordDepletionSample(t *testing.T) {
	e := NewEngine(testLogger(), nil)

	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 80, false))
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(300*time.Second), 80, false))
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(960*time.Second), 70, false))

	if got := countEvents(e, EventDecrement); got != 1 {
		t.Errorf("decrement events = %d, want 1", got)
	}
	// Both intervals exceed the reconnect threshold; the markers must not
	// move the rate anchor.
	if got := countEvents(e, EventReconnect); got != 2 {
		t.Errorf("reconnect events = %d, want 2", got)
	}
	if got := e.RateSamples(Left); got != 1 {
		t.Fatalf("rate samples = %d, want 1", got)
	}

	// 10% over 960 s measured from the profile-creation anchor.
	s := e.Profile().RateBuffer.Left[0]
	if s.MinutesPerPercent != 1.6 {
		t.Errorf("rate = %v min/%%, want 1.6", s.MinutesPerPercent)
	}
	if s.StartLevel != 80 || s.EndLevel != 70 {
		t.Errorf("sample levels = %d -> %d, want 80 -> 70", s.StartLevel, s.EndLevel)
	}

	est := e.Estimate(testBase.Add(960*time.Second), Left)
	if est.Confidence != ConfidenceLow {
		t.Errorf("confidence = %s, want low with a single sample", est.Confidence)
	}
}

func TestEstimateTimeToEmpty(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	last := leftReading("AA:BB:CC:DD:EE:FF", testBase, 50, false)
	e.Restore(Profile{
		Address:     "AA:BB:CC:DD:EE:FF",
		LastReading: &last,
		RateBuffer: RateBuffer{
			Left: []RateSample{
				{Component: Left, MinutesPerPercent: 1.5},
				{Component: Left, MinutesPerPercent: 2.0},
				{Component: Left, MinutesPerPercent: 2.5},
			},
		},
	})

	est := e.Estimate(testBase.Add(600*time.Second), Left)
	if est.Level == nil || *est.Level != 45 {
		t.Fatalf("estimated level = %v, want 45", est.Level)
	}
	if est.TimeToEmptyMinutes == nil || *est.TimeToEmptyMinutes != 90 {
		t.Errorf("time to empty = %v, want 90 minutes", est.TimeToEmptyMinutes)
	}
}

func TestEstimateWhileCharging(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 60, true))

	est := e.Estimate(testBase.Add(time.Hour), Left)
	if est.Level == nil || *est.Level != 60 {
		t.Fatalf("estimated level = %v, want last real level 60", est.Level)
	}
	if est.TimeToEmptyMinutes != nil {
		t.Errorf("time to empty = %v, want none while charging", *est.TimeToEmptyMinutes)
	}
	if est.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %s, want high", est.Confidence)
	}
}

func TestEstimateWithoutReading(t *testing.T) {
	e := NewEngine(testLogger(), nil)

	est := e.Estimate(testBase, Left)
	if est.Level != nil {
		t.Errorf("estimated level = %v, want none", est.Level)
	}
	if est.Confidence != ConfidenceLow {
		t.Errorf("confidence = %s, want low", est.Confidence)
	}

	// Reading without a case level behaves the same for that component.
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 60, false))
	if est := e.Estimate(testBase, Case); est.Level != nil {
		t.Errorf("case estimate = %v, want none", est.Level)
	}
}

func TestEstimateMonotoneAndClamped(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 20, false))

	prev := 101
	for _, mins := range []int{0, 10, 30, 60, 90, 200} {
		est := e.Estimate(testBase.Add(time.Duration(mins)*time.Minute), Left)
		if est.Level == nil {
			t.Fatalf("no estimate at +%dm", mins)
		}
		if *est.Level > prev {
			t.Errorf("estimate rose from %d to %d at +%dm", prev, *est.Level, mins)
		}
		if *est.Level < 0 {
			t.Errorf("estimate %d below zero at +%dm", *est.Level, mins)
		}
		prev = *est.Level
	}
	// 20% at the fallback 4 min/% is exhausted after 80 minutes.
	if prev != 0 {
		t.Errorf("final estimate = %d, want 0", prev)
	}
}

func TestImplausibleRateDropped(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 80, false))
	// 10% in 10 seconds is far below the plausible floor.
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(10*time.Second), 70, false))

	if got := e.RateSamples(Left); got != 0 {
		t.Errorf("rate samples = %d, want 0", got)
	}
	if got := e.DroppedImplausible(); got != 1 {
		t.Errorf("dropped counter = %d, want 1", got)
	}
	if got := countEvents(e, EventDecrement); got != 1 {
		t.Errorf("decrement events = %d, want 1 despite dropped sample", got)
	}
}

func TestChargingFlipResetsAnchor(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	addr := "AA:BB:CC:DD:EE:FF"
	e.Record(leftReading(addr, testBase, 90, false))
	// Flip on and off again; the second flip becomes the new rate anchor.
	e.Record(leftReading(addr, testBase.Add(60*time.Second), 90, true))
	e.Record(leftReading(addr, testBase.Add(120*time.Second), 90, false))
	// Keep readings inside the reconnect window until the drop 20 minutes
	// after the flip.
	for s := 240; s <= 1200; s += 120 {
		e.Record(leftReading(addr, testBase.Add(time.Duration(s)*time.Second), 90, false))
	}
	e.Record(leftReading(addr, testBase.Add(1320*time.Second), 80, false))

	if got := countEvents(e, EventChargingChange); got != 2 {
		t.Errorf("charging events = %d, want 2", got)
	}
	if got := e.RateSamples(Left); got != 1 {
		t.Fatalf("rate samples = %d, want 1", got)
	}
	// 20 min / 10% measured from the flip at t=120 s, not from t=0.
	if got := e.Profile().RateBuffer.Left[0].MinutesPerPercent; got != 2.0 {
		t.Errorf("rate = %v min/%%, want 2.0", got)
	}
}

func TestReconnectGapKeepsAnchor(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 80, false))
	// Silence beyond the reconnect threshold.
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(10*time.Minute), 80, false))
	if got := countEvents(e, EventReconnect); got != 1 {
		t.Fatalf("reconnect events = %d, want 1", got)
	}

	// The decrement still measures from the profile-creation anchor at t=0;
	// the reconnection is a marker, not a new anchor.
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(30*time.Minute), 70, false))
	if got := e.RateSamples(Left); got != 1 {
		t.Fatalf("rate samples = %d, want 1", got)
	}
	if got := e.Profile().RateBuffer.Left[0].MinutesPerPercent; got != 3.0 {
		t.Errorf("rate = %v min/%%, want 3.0", got)
	}

	// Markers describe the device as a whole, not one pod.
	for _, ev := range e.events {
		if ev.Kind == EventReconnect && ev.Component != ComponentNone {
			t.Errorf("reconnect event component = %s, want %s",
				ev.Component, ComponentNone)
		}
	}
}

func TestRateBufferBounded(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	addr := "AA:BB:CC:DD:EE:FF"
	at := testBase
	e.Record(leftReading(addr, at, 100, false))

	// Twelve full discharge cycles, recharging between them.
	for cycle := 0; cycle < 12; cycle++ {
		for level := 90; level >= 0; level -= 10 {
			at = at.Add(120 * time.Second)
			e.Record(leftReading(addr, at, level, false))
		}
		at = at.Add(60 * time.Second)
		e.Record(leftReading(addr, at, 0, true))
		at = at.Add(60 * time.Second)
		e.Record(leftReading(addr, at, 100, true))
		at = at.Add(60 * time.Second)
		e.Record(leftReading(addr, at, 100, false))
	}

	if got := e.RateSamples(Left); got != rateCap {
		t.Errorf("rate samples = %d, want capped at %d", got, rateCap)
	}
	if len(e.events) > eventCap {
		t.Errorf("event log length %d exceeds cap %d", len(e.events), eventCap)
	}
}

func TestConfidenceThresholds(t *testing.T) {
	tests := []struct {
		samples int
		want    Confidence
	}{
		{0, ConfidenceLow},
		{9, ConfidenceLow},
		{10, ConfidenceMedium},
		{29, ConfidenceMedium},
		{30, ConfidenceHigh},
	}
	for _, tt := range tests {
		e := NewEngine(testLogger(), nil)
		last := leftReading("AA:BB:CC:DD:EE:FF", testBase, 50, false)
		buf := make([]RateSample, tt.samples)
		for i := range buf {
			buf[i] = RateSample{Component: Left, MinutesPerPercent: 2.0}
		}
		e.Restore(Profile{
			Address:     "AA:BB:CC:DD:EE:FF",
			LastReading: &last,
			RateBuffer:  RateBuffer{Left: buf},
		})

		est := e.Estimate(testBase.Add(time.Minute), Left)
		if est.Confidence != tt.want {
			t.Errorf("samples=%d: confidence = %s, want %s", tt.samples, est.Confidence, tt.want)
		}
	}
}

func TestDeviceSwitchArchivesProfile(t *testing.T) {
	var archived []Profile
	e := NewEngine(testLogger(), func(p Profile) { archived = append(archived, p) })

	e.Record(leftReading("AA:AA:AA:AA:AA:01", testBase, 80, false))
	e.Record(leftReading("AA:AA:AA:AA:AA:01", testBase.Add(time.Minute), 80, false))
	e.Record(leftReading("BB:BB:BB:BB:BB:02", testBase.Add(2*time.Minute), 90, false))

	if len(archived) != 1 {
		t.Fatalf("archived %d profiles, want 1", len(archived))
	}
	if archived[0].Address != "AA:AA:AA:AA:AA:01" {
		t.Errorf("archived address = %q", archived[0].Address)
	}
	if e.Address() != "BB:BB:BB:BB:BB:02" {
		t.Errorf("active address = %q", e.Address())
	}
	if got := countEvents(e, EventDecrement); got != 0 {
		t.Errorf("events carried across device switch: %d", got)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	e := NewEngine(testLogger(), nil)
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase, 80, false))
	e.Record(leftReading("AA:BB:CC:DD:EE:FF", testBase.Add(30*time.Minute), 70, false))

	raw, err := json.Marshal(e.Profile())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored := NewEngine(testLogger(), nil)
	restored.Restore(p)

	if restored.Address() != e.Address() {
		t.Errorf("address = %q, want %q", restored.Address(), e.Address())
	}
	if restored.RateSamples(Left) != e.RateSamples(Left) {
		t.Errorf("rate samples = %d, want %d", restored.RateSamples(Left), e.RateSamples(Left))
	}

	now := testBase.Add(40 * time.Minute)
	want := e.Estimate(now, Left)
	got := restored.Estimate(now, Left)
	if got.Level == nil || want.Level == nil || *got.Level != *want.Level {
		t.Errorf("estimate after restore = %v, want %v", got.Level, want.Level)
	}
}
