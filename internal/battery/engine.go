// Package battery implements the battery intelligence engine.
//
// BLE advertisements only carry battery levels at 10% resolution, and they
// arrive sporadically. The engine records significant transitions (10%
// decrements, charging flips, reconnection gaps), maintains a bounded
// rolling buffer of observed depletion rates per component, and interpolates
// between real readings to produce 1%-resolution estimates with a
// time-to-empty prediction and a confidence grade.
//
// The engine tracks exactly one device at a time. When the active address
// changes, the previous profile is handed to the archive hook and replaced.
// It is driven synchronously from the polling supervisor's task and is not
// safe for concurrent use.
package battery

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"podwatch/internal/continuity"
)

// Component identifies one battery-bearing part of the device.
type Component int

const (
	Left Component = iota
	Right
	Case

	numComponents = 3
)

// ComponentNone marks events that concern the device as a whole rather than
// one battery, such as reconnections.
const ComponentNone Component = -1

// Components lists all components in canonical order.
var Components = [numComponents]Component{Left, Right, Case}

func (c Component) String() string {
	switch c {
	case Left:
		return "left"
	case Right:
		return "right"
	case Case:
		return "case"
	case ComponentNone:
		return "device"
	default:
		return "unknown"
	}
}

// EventKind classifies a recorded battery event.
type EventKind int

const (
	// EventDecrement: a component dropped by at least 10% while discharging.
	EventDecrement EventKind = iota
	// EventChargingChange: a charging flag flipped.
	EventChargingChange
	// EventReconnect: a reading arrived after a gap exceeding the reconnect
	// threshold.
	EventReconnect
)

func (k EventKind) String() string {
	switch k {
	case EventDecrement:
		return "decrement"
	case EventChargingChange:
		return "charging-change"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is one immutable entry in the event log.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	Component      Component `json:"component"`
	Kind           EventKind `json:"kind"`
	LevelBefore    int       `json:"level_before"`
	LevelAfter     int       `json:"level_after"`
	ChargingBefore bool      `json:"charging_before"`
	ChargingAfter  bool      `json:"charging_after"`
}

// RateSample is one observed depletion rate, derived from a decrement event
// over an interval with charging off throughout.
type RateSample struct {
	Component         Component `json:"component"`
	Start             time.Time `json:"start_ts"`
	End               time.Time `json:"end_ts"`
	StartLevel        int       `json:"start_level"`
	EndLevel          int       `json:"end_level"`
	MinutesPerPercent float64   `json:"rate_min_per_percent"`
}

// Reading is one real battery observation for the active device.
type Reading struct {
	Address  string              `json:"address"`
	Model    continuity.Model    `json:"model"`
	Time     time.Time           `json:"time"`
	Levels   [numComponents]*int `json:"levels"`
	Charging [numComponents]bool `json:"charging"`
}

// Confidence grades an estimate by how much rate history backs it.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// Estimate is an interpolated battery prediction for one component.
type Estimate struct {
	Timestamp time.Time
	// Level is the 1%-resolution estimate, nil when no reading exists.
	Level *int
	// TimeToEmptyMinutes is absent while charging or without a level.
	TimeToEmptyMinutes *float64
	Confidence         Confidence
}

const (
	// significantDrop is the decrement threshold for recording an event.
	significantDrop = 10

	// reconnectGap is the silence threshold after which a reconnection
	// marker is logged.
	reconnectGap = 3 * time.Minute

	// rateMin/rateMax bound physically plausible depletion rates in
	// minutes per percent.
	rateMin = 0.1
	rateMax = 120.0

	// fallbackRate applies while the buffer is empty.
	fallbackRate = 4.0

	// rateCap bounds the per-component rolling rate buffer.
	rateCap = 100

	// eventCap bounds the in-memory event log; persistedEventCap bounds
	// what is written back to disk.
	eventCap          = 2048
	persistedEventCap = 100

	// Confidence thresholds on rate-buffer occupancy.
	confidenceHighSamples   = 30
	confidenceMediumSamples = 10
)

// ArchiveFunc receives the outgoing profile when the active device changes.
type ArchiveFunc func(Profile)

// Engine is the singleton battery intelligence state.
type Engine struct {
	logger  *slog.Logger
	archive ArchiveFunc

	address string
	model   continuity.Model
	last    *Reading

	// lastEventTime anchors rate intervals per component.
	lastEventTime [numComponents]time.Time

	events []Event
	rates  [numComponents][]RateSample

	droppedImplausible int
}

// NewEngine creates an empty engine. The archive hook may be nil.
func NewEngine(logger *slog.Logger, archive ArchiveFunc) *Engine {
	return &Engine{
		logger:  logger.With("component", "battery"),
		archive: archive,
	}
}

// Record feeds one fresh battery reading through the event model.
func (e *Engine) Record(r Reading) {
	if e.address != "" && e.address != r.Address {
		e.logger.Info("active device changed", "from", e.address, "to", r.Address)
		if e.archive != nil {
			e.archive(e.Profile())
		}
		e.reset()
	}

	if e.address == "" {
		// Profile creation: first successful reading for this device.
		e.address = r.Address
		e.model = r.Model
		for i := range e.lastEventTime {
			e.lastEventTime[i] = r.Time
		}
		e.last = cloneReading(r)
		return
	}

	prior := e.last

	for _, c := range Components {
		priorLevel := prior.Levels[c]
		newLevel := r.Levels[c]
		if priorLevel == nil || newLevel == nil {
			continue
		}

		if prior.Charging[c] != r.Charging[c] {
			e.appendEvent(Event{
				Timestamp:      r.Time,
				Component:      c,
				Kind:           EventChargingChange,
				LevelBefore:    *priorLevel,
				LevelAfter:     *newLevel,
				ChargingBefore: prior.Charging[c],
				ChargingAfter:  r.Charging[c],
			})
			e.lastEventTime[c] = r.Time
			continue
		}

		delta := *priorLevel - *newLevel
		if !prior.Charging[c] && delta >= significantDrop {
			e.appendEvent(Event{
				Timestamp:   r.Time,
				Component:   c,
				Kind:        EventDecrement,
				LevelBefore: *priorLevel,
				LevelAfter:  *newLevel,
			})

			interval := r.Time.Sub(e.lastEventTime[c])
			rate := interval.Minutes() / float64(delta)
			if rate < rateMin || rate > rateMax {
				e.droppedImplausible++
				e.logger.Debug("implausible depletion rate dropped",
					"component", c.String(), "rate", rate)
			} else {
				e.pushRate(RateSample{
					Component:         c,
					Start:             e.lastEventTime[c],
					End:               r.Time,
					StartLevel:        *priorLevel,
					EndLevel:          *newLevel,
					MinutesPerPercent: rate,
				})
			}
			e.lastEventTime[c] = r.Time
		}
	}

	// A long silence means the pods were likely out of range or in use
	// elsewhere. The gap is logged as a whole-device marker, nothing more:
	// rate intervals stay anchored at the last per-component event, and the
	// plausibility band discards any interval the silence stretched too far.
	if r.Time.Sub(prior.Time) > reconnectGap {
		e.appendEvent(Event{
			Timestamp: r.Time,
			Component: ComponentNone,
			Kind:      EventReconnect,
		})
	}

	e.last = cloneReading(r)
}

// Estimate interpolates the battery level of one component at time now.
func (e *Engine) Estimate(now time.Time, c Component) Estimate {
	est := Estimate{Timestamp: now, Confidence: ConfidenceLow}

	r := e.last
	if r == nil || r.Levels[c] == nil {
		return est
	}

	if r.Charging[c] {
		// While charging the advertisement value is the best answer we
		// have; interpolation only models discharge.
		level := *r.Levels[c]
		est.Level = &level
		est.Confidence = ConfidenceHigh
		return est
	}

	rate := e.medianRate(c)

	elapsed := now.Sub(r.Time)
	if elapsed < 0 {
		elapsed = 0
	}
	drop := elapsed.Minutes() / rate
	level := int(math.Floor(float64(*r.Levels[c]) - drop))
	if level < 0 {
		level = 0
	}
	est.Level = &level

	tte := float64(level) * rate
	est.TimeToEmptyMinutes = &tte

	switch n := len(e.rates[c]); {
	case n >= confidenceHighSamples:
		est.Confidence = ConfidenceHigh
	case n >= confidenceMediumSamples:
		est.Confidence = ConfidenceMedium
	default:
		est.Confidence = ConfidenceLow
	}
	return est
}

// Address returns the active device address, empty before the first reading.
func (e *Engine) Address() string { return e.address }

// LastReading returns a copy of the most recent reading, or nil.
func (e *Engine) LastReading() *Reading {
	if e.last == nil {
		return nil
	}
	return cloneReading(*e.last)
}

// DroppedImplausible counts rate samples rejected as physically implausible.
func (e *Engine) DroppedImplausible() int { return e.droppedImplausible }

// RateSamples reports the buffer occupancy for one component.
func (e *Engine) RateSamples(c Component) int { return len(e.rates[c]) }

// Reset discards the profile. This is the only way a profile is destroyed.
func (e *Engine) Reset() {
	e.reset()
}

func (e *Engine) reset() {
	e.address = ""
	e.model = continuity.ModelUnknown
	e.last = nil
	e.events = nil
	e.droppedImplausible = 0
	for i := range e.rates {
		e.rates[i] = nil
	}
	for i := range e.lastEventTime {
		e.lastEventTime[i] = time.Time{}
	}
}

func (e *Engine) appendEvent(ev Event) {
	e.events = append(e.events, ev)
	if len(e.events) > eventCap {
		e.events = e.events[len(e.events)-eventCap:]
	}
}

func (e *Engine) pushRate(s RateSample) {
	buf := append(e.rates[s.Component], s)
	if len(buf) > rateCap {
		buf = buf[len(buf)-rateCap:]
	}
	e.rates[s.Component] = buf
}

// medianRate returns the median of the component's rate buffer, or the
// fallback constant while empty.
func (e *Engine) medianRate(c Component) float64 {
	buf := e.rates[c]
	if len(buf) == 0 {
		return fallbackRate
	}
	rates := make([]float64, len(buf))
	for i, s := range buf {
		rates[i] = s.MinutesPerPercent
	}
	sort.Float64s(rates)
	mid := len(rates) / 2
	if len(rates)%2 == 1 {
		return rates[mid]
	}
	return (rates[mid-1] + rates[mid]) / 2
}

func cloneReading(r Reading) *Reading {
	clone := r
	for i, lv := range r.Levels {
		if lv != nil {
			v := *lv
			clone.Levels[i] = &v
		}
	}
	return &clone
}
