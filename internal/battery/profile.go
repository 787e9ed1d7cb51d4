package battery

import "podwatch/internal/continuity"

// Profile is the serializable state of the engine for one device. It is
// what persistence writes to profile.json and what the history archive
// stores per address.
type Profile struct {
	Address     string     `json:"address"`
	Model       string     `json:"model,omitempty"`
	LastReading *Reading   `json:"last_reading,omitempty"`
	RateBuffer  RateBuffer `json:"rate_buffer"`
	// RecentEvents carries at most the persisted tail of the event log.
	RecentEvents []Event `json:"recent_events,omitempty"`
}

// RateBuffer groups per-component rate samples for serialization.
type RateBuffer struct {
	Left  []RateSample `json:"left,omitempty"`
	Right []RateSample `json:"right,omitempty"`
	Case  []RateSample `json:"case,omitempty"`
}

// Profile snapshots the engine state, truncating the event log to the
// persisted cap. The snapshot shares no mutable state with the engine.
func (e *Engine) Profile() Profile {
	p := Profile{
		Address: e.address,
		RateBuffer: RateBuffer{
			Left:  append([]RateSample(nil), e.rates[Left]...),
			Right: append([]RateSample(nil), e.rates[Right]...),
			Case:  append([]RateSample(nil), e.rates[Case]...),
		},
	}
	if e.model.Known() {
		p.Model = e.model.String()
	}
	if e.last != nil {
		p.LastReading = cloneReading(*e.last)
	}
	events := e.events
	if len(events) > persistedEventCap {
		events = events[len(events)-persistedEventCap:]
	}
	if len(events) > 0 {
		p.RecentEvents = append([]Event(nil), events...)
	}
	return p
}

// Restore loads a previously persisted profile, replacing any current
// state. A profile without an address is ignored.
func (e *Engine) Restore(p Profile) {
	if p.Address == "" {
		return
	}
	e.reset()
	e.address = p.Address
	e.model = continuity.ParseModelName(p.Model)
	e.rates[Left] = clampRates(p.RateBuffer.Left)
	e.rates[Right] = clampRates(p.RateBuffer.Right)
	e.rates[Case] = clampRates(p.RateBuffer.Case)
	e.events = append([]Event(nil), p.RecentEvents...)
	if p.LastReading != nil {
		e.last = cloneReading(*p.LastReading)
		for i := range e.lastEventTime {
			e.lastEventTime[i] = p.LastReading.Time
		}
	}
}

func clampRates(buf []RateSample) []RateSample {
	if len(buf) > rateCap {
		buf = buf[len(buf)-rateCap:]
	}
	if len(buf) == 0 {
		return nil
	}
	return append([]RateSample(nil), buf...)
}
