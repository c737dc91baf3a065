package client

import (
	"fmt"

	"driftpursuit/replication/tick"
)

// ConfirmHistory records which of the last 64 server ticks delivered any
// replication for one entity: the last confirmed tick plus a bitmask where
// bit i covers last_tick − i.
type ConfirmHistory struct {
	mask     uint64
	lastTick tick.Tick
}

// NewConfirmHistory starts a history with a single confirmed tick.
func NewConfirmHistory(lastTick tick.Tick) *ConfirmHistory {
	return &ConfirmHistory{mask: 1, lastTick: lastTick}
}

// LastTick returns the most recent confirmed tick.
func (h *ConfirmHistory) LastTick() tick.Tick {
	if h == nil {
		return 0
	}
	return h.lastTick
}

// Mask returns the raw confirmation bitmask.
func (h *ConfirmHistory) Mask() uint64 {
	if h == nil {
		return 0
	}
	return h.mask
}

// Contains reports whether the tick was confirmed. Ticks older than the
// 64-tick window are considered confirmed.
func (h *ConfirmHistory) Contains(t tick.Tick) bool {
	if h == nil {
		return false
	}
	if t.After(h.lastTick) {
		return false
	}
	ago := h.lastTick.Since(t)
	return ago >= 64 || h.mask>>ago&1 == 1
}

// ContainsAny reports whether any tick of the inclusive range was
// confirmed, with the same out-of-window rule as Contains.
func (h *ConfirmHistory) ContainsAny(start, end tick.Tick) bool {
	if h == nil || end.Before(start) {
		return false
	}
	if start.After(h.lastTick) {
		return false
	}
	if h.lastTick.Since(start) >= 64 {
		return true
	}
	top := end
	if h.lastTick.Before(top) {
		top = h.lastTick
	}
	length := top.Since(start) + 1
	var window uint64
	if length >= 64 {
		window = ^uint64(0)
	} else {
		window = (1 << length) - 1
	}
	offset := h.lastTick.Since(top)
	return h.mask&(window<<offset) != 0
}

// Confirm marks the tick as received, shifting the window forward when the
// tick is newer than anything recorded so far.
func (h *ConfirmHistory) Confirm(t tick.Tick) {
	if h == nil {
		return
	}
	if t.After(h.lastTick) {
		shift := t.Since(h.lastTick)
		if shift >= 64 {
			h.mask = 0
		} else {
			h.mask <<= shift
		}
		h.lastTick = t
	}
	if ago := h.lastTick.Since(t); ago < 64 {
		h.mask |= 1 << ago
	}
}

func (h *ConfirmHistory) String() string {
	if h == nil {
		return "ConfirmHistory[nil]"
	}
	return fmt.Sprintf("ConfirmHistory[%d %b]", h.lastTick.Get(), h.mask)
}

type packetTally struct {
	received uint64
	total    uint64
}

// MutateTicks records which of the last 64 server ticks have had every one
// of their mutation messages delivered, keyed by server tick rather than
// mutate index.
type MutateTicks struct {
	history ConfirmHistory
	pending map[tick.Tick]*packetTally
}

// NewMutateTicks constructs an empty tracker.
func NewMutateTicks() *MutateTicks {
	return &MutateTicks{pending: make(map[tick.Tick]*packetTally)}
}

// Record registers one delivered mutation message for the tick, with the
// total message count stamped by the server. It reports whether the tick is
// now completely delivered.
func (m *MutateTicks) Record(serverTick tick.Tick, messageCount uint64) bool {
	if m == nil || messageCount == 0 {
		return false
	}
	tally, ok := m.pending[serverTick]
	if !ok {
		tally = &packetTally{total: messageCount}
		m.pending[serverTick] = tally
	}
	tally.received++
	if tally.received < tally.total {
		return false
	}
	delete(m.pending, serverTick)
	m.history.Confirm(serverTick)
	//1.- Drop tallies that fell out of the 64-tick window; they can never
	// complete visibly anymore.
	for t := range m.pending {
		if m.history.lastTick.AtLeast(t) && m.history.lastTick.Since(t) >= 64 {
			delete(m.pending, t)
		}
	}
	return true
}

// Complete reports whether every mutation message for the tick arrived.
func (m *MutateTicks) Complete(serverTick tick.Tick) bool {
	if m == nil {
		return false
	}
	return m.history.Contains(serverTick)
}

// Reset clears all state on disconnect.
func (m *MutateTicks) Reset() {
	if m == nil {
		return
	}
	m.history = ConfirmHistory{}
	m.pending = make(map[tick.Tick]*packetTally)
}
