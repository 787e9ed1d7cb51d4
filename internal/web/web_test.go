package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"podwatch/internal/battery"
	"podwatch/internal/config"
	"podwatch/internal/merge"
	"podwatch/internal/store"
)

func TestStatusEndpoint(t *testing.T) {
	st := store.New(slog.New(slog.NewTextHandler(io.Discard, nil)), config.Default())
	defer st.Close()

	level := 70
	st.Dispatch(store.UpdateDevices{Devices: []merge.Device{{
		Address:     "AA:BB:CC:DD:EE:FF",
		DisplayName: "Jay's AirPods",
		State:       merge.StateConnected,
		Battery:     &merge.Battery{Left: &level},
	}}})
	est := battery.Estimate{Level: &level, Confidence: battery.ConfidenceMedium}
	st.Dispatch(store.UpdateBatteryStatus{
		Address: "AA:BB:CC:DD:EE:FF",
		Left:    est,
	})

	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), st)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0].DisplayName != "Jay's AirPods" {
		t.Errorf("devices = %+v", got.Devices)
	}
	if got.Selected != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("selected = %q", got.Selected)
	}
	if got.Battery == nil || got.Battery.Left.Level == nil || *got.Battery.Left.Level != 70 {
		t.Errorf("battery = %+v", got.Battery)
	}
	if got.Battery != nil && got.Battery.Left.Confidence != "medium" {
		t.Errorf("confidence = %q", got.Battery.Left.Confidence)
	}

	// Unknown paths 404 instead of serving the snapshot.
	resp2, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status for unknown path = %d", resp2.StatusCode)
	}
}
