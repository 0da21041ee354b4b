// Package tick turns the PIT's channel-0 interrupt into a monotonic tick
// counter and fans it out to per-cadence event slots.
package tick

// Slot names an event cadence derived from the tick counter.
type Slot int

const (
	Tick Slot = iota
	Second
	Minute
	Hour

	slotCount
)

var noop = func() {}

var slots [slotCount]func()

var (
	ticks uint64
	hz    uint32 = 1
)

// SetRate records the frequency the PIT was actually programmed for. The
// tick counter's second/minute/hour cadences are derived from this value
// rather than a fixed assumption about the timer rate.
func SetRate(actualHz uint32) {
	if actualHz == 0 {
		actualHz = 1
	}
	hz = actualHz
}

// Register installs fn as the handler for slot, replacing any previously
// registered handler. A nil fn clears the slot back to a no-op.
func Register(slot Slot, fn func()) {
	if fn == nil {
		fn = noop
	}
	slots[slot] = fn
}

// Get returns the handler registered for slot, or a no-op if none was
// registered.
func Get(slot Slot) func() {
	if fn := slots[slot]; fn != nil {
		return fn
	}
	return noop
}

// DispatchTick advances the tick counter by one and fires every slot
// whose cadence boundary the new count lands on. Tick fires on every
// call; Second, Minute and Hour fire only when the counter is an exact
// multiple of the programmed rate's corresponding period, so a boundary
// for a coarser slot never fires before the Tick call that reaches it.
func DispatchTick() {
	ticks++

	Get(Tick)()

	if ticks%uint64(hz) == 0 {
		Get(Second)()
	}
	if ticks%(uint64(hz)*60) == 0 {
		Get(Minute)()
	}
	if ticks%(uint64(hz)*3600) == 0 {
		Get(Hour)()
	}
}

// Ticks returns the number of DispatchTick calls observed so far.
func Ticks() uint64 {
	return ticks
}

func init() {
	for i := range slots {
		slots[i] = noop
	}
}
