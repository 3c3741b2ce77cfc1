package state

import (
	"slices"
	"sync"
	"time"

	"trade-desk/internal/model"
)

// EquityLabelLayout is the display format of equity point labels.
const EquityLabelLayout = "15:04:05"

// TelemetryUpdate is one decoded "update" frame, with its timestamp already in
// local display time.
type TelemetryUpdate struct {
	AccountInfo *model.AccountInfo
	Positions   []model.Position
	Time        time.Time
}

// Telemetry is a thread-safe store for the streamed account state. Only the
// active stream session writes it; presentation reads snapshots.
type Telemetry struct {
	mu        sync.RWMutex
	info      *model.AccountInfo
	positions []model.Position
	history   *EquityRing
}

// NewTelemetry creates an empty store keeping capacity equity points.
func NewTelemetry(capacity int) *Telemetry {
	return &Telemetry{
		positions: []model.Position{},
		history:   NewEquityRing(capacity),
	}
}

// Apply replaces account info and positions and records one equity point.
// A frame without account info leaves info and history untouched.
func (t *Telemetry) Apply(u TelemetryUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u.AccountInfo != nil {
		info := *u.AccountInfo
		t.info = &info
		t.history.Append(model.EquityPoint{
			Time:    u.Time,
			Label:   u.Time.Format(EquityLabelLayout),
			Balance: info.Balance,
			Equity:  info.Equity,
		})
	}

	if u.Positions == nil {
		t.positions = []model.Position{}
	} else {
		t.positions = slices.Clone(u.Positions)
	}
}

// Reset returns the store to its empty state.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info = nil
	t.positions = []model.Position{}
	t.history.Reset()
}

// Snapshot returns a point-in-time copy of the telemetry.
func (t *Telemetry) Snapshot() model.TelemetrySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var info *model.AccountInfo
	if t.info != nil {
		c := *t.info
		info = &c
	}
	return model.TelemetrySnapshot{
		AccountInfo:   info,
		Positions:     slices.Clone(t.positions),
		EquityHistory: t.history.Points(),
	}
}
