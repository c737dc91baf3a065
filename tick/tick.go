package tick

// Tick is a wrapping 32-bit frame counter used for every tick role in the
// replication protocol: the server tick, per-client update ticks and
// per-entity mutation ticks all share this arithmetic.
type Tick uint32

// New wraps a raw counter value.
func New(value uint32) Tick { return Tick(value) }

// Get returns the raw counter value.
func (t Tick) Get() uint32 { return uint32(t) }

// Add advances the tick by delta with wrap-around.
func (t Tick) Add(delta uint32) Tick { return Tick(uint32(t) + delta) }

// Sub rewinds the tick by delta with wrap-around.
func (t Tick) Sub(delta uint32) Tick { return Tick(uint32(t) - delta) }

// Since reports how many ticks elapsed from other to t, modulo 2^32.
func (t Tick) Since(other Tick) uint32 { return uint32(t) - uint32(other) }

// Before reports whether t precedes other in wrapped temporal order.
// The comparison is exact while the two ticks are less than 2^31 apart.
func (t Tick) Before(other Tick) bool {
	//1.- A difference above half the counter range means t is behind other.
	return uint32(t)-uint32(other) > 1<<31
}

// After reports whether t follows other in wrapped temporal order.
func (t Tick) After(other Tick) bool {
	return other.Before(t)
}

// AtLeast reports whether t is equal to or follows other.
func (t Tick) AtLeast(other Tick) bool {
	return !t.Before(other)
}

// AtMost reports whether t is equal to or precedes other.
func (t Tick) AtMost(other Tick) bool {
	return !t.After(other)
}

// Max returns the later of the two ticks in wrapped order.
func Max(a, b Tick) Tick {
	if a.Before(b) {
		return b
	}
	return a
}

// MutateIndex identifies an in-flight mutation message for one client. The
// counter wraps independently of ticks and compares the same way.
type MutateIndex uint32

// Next returns the index following m.
func (m MutateIndex) Next() MutateIndex { return MutateIndex(uint32(m) + 1) }

// Before reports whether m was allocated before other, modulo wrap-around.
func (m MutateIndex) Before(other MutateIndex) bool {
	return uint32(m)-uint32(other) > 1<<31
}
