// Package mqtt publishes battery telemetry to a broker, so home-automation
// setups can react to pod battery levels. Disabled unless configured.
//
// Topic layout under the configured prefix:
//
//	<prefix>/status   retained online/offline (offline set as LWT)
//	<prefix>/devices  retained JSON list of merged devices
//	<prefix>/battery  retained JSON estimate triple for the tracked device
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"podwatch/internal/battery"
	"podwatch/internal/store"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho API takes a uint
)

// Publisher bridges store notifications onto an MQTT broker.
type Publisher struct {
	logger *slog.Logger
	st     *store.Store
}

// New creates a publisher bound to the store.
func New(logger *slog.Logger, st *store.Store) *Publisher {
	return &Publisher{
		logger: logger.With("component", "mqtt"),
		st:     st,
	}
}

// devicePayload is the JSON shape published per merged device.
type devicePayload struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
	Model       string `json:"model,omitempty"`
	LeftBattery *int   `json:"left_battery,omitempty"`
	RightBatt   *int   `json:"right_battery,omitempty"`
	CaseBattery *int   `json:"case_battery,omitempty"`
}

// estimatePayload is the JSON shape for one component estimate.
type estimatePayload struct {
	Level              *int     `json:"level"`
	TimeToEmptyMinutes *float64 `json:"time_to_empty_minutes,omitempty"`
	Confidence         string   `json:"confidence"`
}

type batteryPayload struct {
	Address string          `json:"address"`
	Left    estimatePayload `json:"left"`
	Right   estimatePayload `json:"right"`
	Case    estimatePayload `json:"case"`
}

// Run connects and republishes on every device or battery notification.
// Returns immediately when MQTT is not enabled in the configuration.
func (p *Publisher) Run(ctx context.Context) error {
	cfg := p.st.Config().MQTT
	if !cfg.Enabled {
		p.logger.Debug("mqtt disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("podwatch").
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(cfg.TopicPrefix+"/status", "offline", 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	defer client.Disconnect(disconnectQuiesce)

	p.logger.Info("connected", "broker", cfg.Broker, "prefix", cfg.TopicPrefix)
	p.publish(client, cfg.TopicPrefix+"/status", []byte("online"))
	defer p.publish(client, cfg.TopicPrefix+"/status", []byte("offline"))

	notes, cancel := p.st.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			switch n.Kind {
			case store.NoteDevices:
				p.publishDevices(client, cfg.TopicPrefix)
			case store.NoteBattery:
				p.publishBattery(client, cfg.TopicPrefix)
			}
		}
	}
}

func (p *Publisher) publishDevices(client paho.Client, prefix string) {
	snap := p.st.DeviceState()
	payload := make([]devicePayload, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		dp := devicePayload{
			Address:     d.Address,
			DisplayName: d.DisplayName,
			State:       d.State.String(),
		}
		if d.Model.Known() {
			dp.Model = d.Model.String()
		}
		if d.Battery != nil {
			dp.LeftBattery = d.Battery.Left
			dp.RightBatt = d.Battery.Right
			dp.CaseBattery = d.Battery.Case
		}
		payload = append(payload, dp)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode devices", "error", err)
		return
	}
	p.publish(client, prefix+"/devices", raw)
}

func (p *Publisher) publishBattery(client paho.Client, prefix string) {
	snap := p.st.DeviceState()
	if snap.Battery == nil {
		return
	}
	raw, err := json.Marshal(batteryPayload{
		Address: snap.Battery.Address,
		Left:    toEstimatePayload(snap.Battery.Left),
		Right:   toEstimatePayload(snap.Battery.Right),
		Case:    toEstimatePayload(snap.Battery.Case),
	})
	if err != nil {
		p.logger.Error("encode battery", "error", err)
		return
	}
	p.publish(client, prefix+"/battery", raw)
}

func toEstimatePayload(e battery.Estimate) estimatePayload {
	return estimatePayload{
		Level:              e.Level,
		TimeToEmptyMinutes: e.TimeToEmptyMinutes,
		Confidence:         e.Confidence.String(),
	}
}

func (p *Publisher) publish(client paho.Client, topic string, payload []byte) {
	token := client.Publish(topic, 1, true, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

// wait blocks on a paho token while honoring the context.
func wait(ctx context.Context, token paho.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}
