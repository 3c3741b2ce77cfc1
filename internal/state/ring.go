package state

import "trade-desk/internal/model"

// DefaultHistoryCapacity is the number of equity points kept per session.
const DefaultHistoryCapacity = 300

// EquityRing is a fixed-capacity buffer of equity points. When full, the oldest
// point is overwritten. It is not safe for concurrent use on its own.
type EquityRing struct {
	data  []model.EquityPoint
	index int // next write position
	size  int
}

// NewEquityRing creates a ring with the given capacity.
func NewEquityRing(capacity int) *EquityRing {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &EquityRing{data: make([]model.EquityPoint, capacity)}
}

// Append adds p, evicting the oldest point when the ring is full.
func (r *EquityRing) Append(p model.EquityPoint) {
	r.data[r.index] = p
	r.index = (r.index + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// Len returns the number of stored points.
func (r *EquityRing) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *EquityRing) Cap() int {
	return len(r.data)
}

// Points returns the stored points, oldest first.
func (r *EquityRing) Points() []model.EquityPoint {
	out := make([]model.EquityPoint, 0, r.size)
	start := (r.index - r.size + len(r.data)) % len(r.data)
	for i := 0; i < r.size; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}

// Reset drops every point.
func (r *EquityRing) Reset() {
	clear(r.data)
	r.index = 0
	r.size = 0
}
