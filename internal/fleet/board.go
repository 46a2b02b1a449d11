package fleet

import (
	"sync"
	"time"
)

// Entry is the board's view of one device.
type Entry struct {
	Device    Device    `json:"device"`
	Status    JobStatus `json:"status"`
	Payload   string    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	// Stale is set when the latest poll could not fetch or publish the
	// device's status. The last good Status and Payload are kept.
	Stale     bool   `json:"stale"`
	LastError string `json:"last_error,omitempty"`

	// Observed is the last payload received back from the broker on the
	// device topic, when the echo subscription is enabled.
	Observed   string    `json:"observed,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// Board holds the latest known status of every device. Reads go
// through Snapshot; all mutation happens under mu.
type Board struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	byTopic map[string]string // topic → device name
}

// NewBoard creates a board for the given fleet, preserving its order.
func NewBoard(devices []Device) *Board {
	b := &Board{
		order:   make([]string, 0, len(devices)),
		entries: make(map[string]*Entry, len(devices)),
		byTopic: make(map[string]string, len(devices)),
	}
	for _, d := range devices {
		b.order = append(b.order, d.Name)
		b.entries[d.Name] = &Entry{Device: d}
		b.byTopic[d.Topic] = d.Name
	}
	return b
}

// Record stores a successfully published status. It reports whether
// the payload differs from the previous one.
func (b *Board) Record(name string, status JobStatus, payload string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[name]
	if !ok {
		return false
	}
	changed := e.Payload != payload
	e.Status = status
	e.Payload = payload
	e.UpdatedAt = at
	e.Stale = false
	e.LastError = ""
	return changed
}

// MarkStale flags a device whose status could not be refreshed.
func (b *Board) MarkStale(name string, err error, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[name]
	if !ok {
		return
	}
	e.Stale = true
	if err != nil {
		e.LastError = err.Error()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = at
	}
}

// Observe records a payload seen on a device topic. It returns false
// for topics that belong to no device.
func (b *Board) Observe(topic, payload string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	name, ok := b.byTopic[topic]
	if !ok {
		return false
	}
	e := b.entries[name]
	e.Observed = payload
	e.ObservedAt = at
	return true
}

// Snapshot returns a copy of all entries in fleet order.
func (b *Board) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.entries[name])
	}
	return out
}

// Lines renders one line per device, preferring what was observed on
// the broker over the locally published payload.
func (b *Board) Lines() []string {
	snap := b.Snapshot()
	lines := make([]string, 0, len(snap))
	for _, e := range snap {
		switch {
		case e.Observed != "":
			lines = append(lines, e.Observed)
		case e.Payload != "":
			lines = append(lines, e.Payload)
		default:
			lines = append(lines, e.Device.Name+": unknown")
		}
	}
	return lines
}
