// Package web serves a local status endpoint: a JSON snapshot over plain
// HTTP and a websocket that pushes a fresh snapshot on every store update.
// Meant for widgets and status bars on the same machine; binds to loopback
// by default and is disabled unless configured.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"podwatch/internal/battery"
	"podwatch/internal/store"
)

const (
	shutdownGrace = time.Second
	writeTimeout  = 5 * time.Second
)

// Server exposes the store over HTTP and websocket.
type Server struct {
	logger *slog.Logger
	st     *store.Store
}

// New creates a server bound to the store.
func New(logger *slog.Logger, st *store.Store) *Server {
	return &Server{
		logger: logger.With("component", "web"),
		st:     st,
	}
}

// status is the wire shape for both the HTTP and the websocket endpoint.
type status struct {
	Devices  []deviceStatus `json:"devices"`
	Selected string         `json:"selected,omitempty"`
	Battery  *batteryStatus `json:"battery,omitempty"`
	Error    string         `json:"error,omitempty"`
	Sleeping bool           `json:"sleeping,omitempty"`
	LastScan *time.Time     `json:"last_scan,omitempty"`
}

type deviceStatus struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
	Model       string `json:"model,omitempty"`
	Left        *int   `json:"left_battery,omitempty"`
	Right       *int   `json:"right_battery,omitempty"`
	Case        *int   `json:"case_battery,omitempty"`
}

type batteryStatus struct {
	Address string         `json:"address"`
	Left    estimateStatus `json:"left"`
	Right   estimateStatus `json:"right"`
	Case    estimateStatus `json:"case"`
}

type estimateStatus struct {
	Level              *int     `json:"level"`
	TimeToEmptyMinutes *float64 `json:"time_to_empty_minutes,omitempty"`
	Confidence         string   `json:"confidence"`
}

// Run serves until ctx is done. Returns immediately when the web endpoint
// is not enabled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.st.Config().Web
	if !cfg.Enabled {
		s.logger.Debug("web endpoint disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		// No WriteTimeout: websocket connections are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Warn("encode status", "error", err)
	}
}

// handleWS pushes a snapshot immediately and then on every relevant store
// notification until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	notes, cancel := s.st.Subscribe()
	defer cancel()

	if err := s.push(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			switch n.Kind {
			case store.NoteDevices, store.NoteBattery, store.NoteUI:
				if err := s.push(ctx, conn); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn) error {
	raw, err := json.Marshal(s.snapshot())
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("websocket client gone", "error", err)
		}
		return err
	}
	return nil
}

func (s *Server) snapshot() status {
	snap := s.st.DeviceState()
	ui := s.st.UIState()

	out := status{
		Selected: snap.Selected,
		Error:    ui.ErrorMessage,
		Sleeping: snap.Sleeping,
	}
	if !snap.LastScan.IsZero() {
		ts := snap.LastScan
		out.LastScan = &ts
	}
	for _, d := range snap.Devices {
		ds := deviceStatus{
			Address:     d.Address,
			DisplayName: d.DisplayName,
			State:       d.State.String(),
		}
		if d.Model.Known() {
			ds.Model = d.Model.String()
		}
		if d.Battery != nil {
			ds.Left = d.Battery.Left
			ds.Right = d.Battery.Right
			ds.Case = d.Battery.Case
		}
		out.Devices = append(out.Devices, ds)
	}
	if snap.Battery != nil {
		out.Battery = &batteryStatus{
			Address: snap.Battery.Address,
			Left:    toEstimateStatus(snap.Battery.Left),
			Right:   toEstimateStatus(snap.Battery.Right),
			Case:    toEstimateStatus(snap.Battery.Case),
		}
	}
	return out
}

func toEstimateStatus(e battery.Estimate) estimateStatus {
	return estimateStatus{
		Level:              e.Level,
		TimeToEmptyMinutes: e.TimeToEmptyMinutes,
		Confidence:         e.Confidence.String(),
	}
}
