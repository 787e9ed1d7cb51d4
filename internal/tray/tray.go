// Package tray renders the system tray indicator. It is a thin store
// subscriber: every notification re-reads the relevant snapshot and updates
// the menu; user actions go back through store dispatch or the supplied
// callbacks.
package tray

import (
	"context"
	"fmt"
	"log/slog"

	"fyne.io/systray"

	"podwatch/internal/battery"
	"podwatch/internal/store"
)

// Tray owns the systray menu for the daemon.
type Tray struct {
	logger  *slog.Logger
	st      *store.Store
	scanNow func()
	quit    func()

	deviceItem  *systray.MenuItem
	errorItem   *systray.MenuItem
	batteryItem [3]*systray.MenuItem
	refreshItem *systray.MenuItem
	toggleItem  *systray.MenuItem
	quitItem    *systray.MenuItem
}

// New creates the tray. scanNow triggers an immediate poll cycle; quit
// initiates daemon shutdown.
func New(logger *slog.Logger, st *store.Store, scanNow, quit func()) *Tray {
	return &Tray{
		logger:  logger.With("component", "tray"),
		st:      st,
		scanNow: scanNow,
		quit:    quit,
	}
}

// Run drives the indicator until ctx is done. Intended as a lifecycle task.
func (t *Tray) Run(ctx context.Context) error {
	ready := make(chan struct{})
	go systray.Run(func() {
		t.onReady(ctx)
		close(ready)
	}, nil)
	defer systray.Quit()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	notes, cancel := t.st.Subscribe()
	defer cancel()

	t.render()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			switch n.Kind {
			case store.NoteDevices, store.NoteBattery, store.NoteUI:
				t.render()
			}
		}
	}
}

func (t *Tray) onReady(ctx context.Context) {
	systray.SetTitle("podwatch")
	systray.SetTooltip("Searching for AirPods...")

	t.deviceItem = systray.AddMenuItem("No device", "Tracked device")
	t.deviceItem.Disable()
	systray.AddSeparator()

	t.batteryItem[battery.Left] = systray.AddMenuItem("  Left:  --", "Left pod battery")
	t.batteryItem[battery.Left].Disable()
	t.batteryItem[battery.Right] = systray.AddMenuItem("  Right: --", "Right pod battery")
	t.batteryItem[battery.Right].Disable()
	t.batteryItem[battery.Case] = systray.AddMenuItem("  Case:  --", "Case battery")
	t.batteryItem[battery.Case].Disable()
	systray.AddSeparator()

	t.errorItem = systray.AddMenuItem("", "")
	t.errorItem.Disable()
	t.errorItem.Hide()
	systray.AddSeparator()

	t.refreshItem = systray.AddMenuItem("Refresh Now", "Scan immediately")
	t.toggleItem = systray.AddMenuItem("Show Window", "Toggle the main window")
	t.quitItem = systray.AddMenuItem("Quit", "Exit podwatch")

	go t.clickLoop(ctx)
}

func (t *Tray) clickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.refreshItem.ClickedCh:
			if t.scanNow != nil {
				t.scanNow()
			}
		case <-t.toggleItem.ClickedCh:
			t.st.Dispatch(store.ToggleVisibility{})
		case <-t.quitItem.ClickedCh:
			if t.quit != nil {
				t.quit()
			}
			return
		}
	}
}

// render repaints the menu from the current snapshots.
func (t *Tray) render() {
	snap := t.st.DeviceState()
	ui := t.st.UIState()

	name := "No device"
	var charging [3]bool
	for _, d := range snap.Devices {
		if d.Address == snap.Selected {
			name = d.DisplayName
			if d.Charging != nil {
				charging[battery.Left] = d.Charging.Left
				charging[battery.Right] = d.Charging.Right
				charging[battery.Case] = d.Charging.Case
			}
			break
		}
	}
	t.deviceItem.SetTitle(name)

	if ui.WindowVisible {
		t.toggleItem.SetTitle("Hide Window")
	} else {
		t.toggleItem.SetTitle("Show Window")
	}

	if ui.ErrorMessage != "" {
		t.errorItem.SetTitle("⚠ " + ui.ErrorMessage)
		t.errorItem.Show()
	} else {
		t.errorItem.Hide()
	}

	if snap.Battery == nil {
		for _, c := range battery.Components {
			t.batteryItem[c].SetTitle(componentLine(c, battery.Estimate{}, false))
		}
		systray.SetTooltip("Searching for AirPods...")
		return
	}

	estimates := [3]battery.Estimate{
		battery.Left:  snap.Battery.Left,
		battery.Right: snap.Battery.Right,
		battery.Case:  snap.Battery.Case,
	}
	lowest := -1
	for _, c := range battery.Components {
		t.batteryItem[c].SetTitle(componentLine(c, estimates[c], charging[c]))
		if lv := estimates[c].Level; lv != nil && (lowest < 0 || *lv < lowest) {
			lowest = *lv
		}
	}
	switch {
	case lowest >= 0 && lowest <= t.st.Config().LowBatteryPercent:
		systray.SetTooltip(fmt.Sprintf("%s - %d%% (low battery)", name, lowest))
	case lowest >= 0:
		systray.SetTooltip(fmt.Sprintf("%s - %d%%", name, lowest))
	default:
		systray.SetTooltip(name)
	}
}

// componentLine formats one battery row, marking estimates that come with a
// time-to-empty prediction.
func componentLine(c battery.Component, est battery.Estimate, charging bool) string {
	label := map[battery.Component]string{
		battery.Left:  "  Left:  ",
		battery.Right: "  Right: ",
		battery.Case:  "  Case:  ",
	}[c]

	if est.Level == nil {
		return label + "--"
	}
	line := fmt.Sprintf("%s%d%%", label, *est.Level)
	if charging {
		line += " ⚡"
	}
	if est.TimeToEmptyMinutes != nil {
		h := int(*est.TimeToEmptyMinutes) / 60
		m := int(*est.TimeToEmptyMinutes) % 60
		if h > 0 {
			line += fmt.Sprintf(" (%dh %02dm left)", h, m)
		} else {
			line += fmt.Sprintf(" (%dm left)", m)
		}
	}
	return line
}
