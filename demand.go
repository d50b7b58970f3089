package mqttflow

import (
	"math"
	"sync/atomic"
)

// demandLatch states.
const (
	demandIdle int32 = iota
	demandNew
	demandParked
)

// demandLatch accumulates demand from any goroutine for a consumer that
// drains it on the executor. The consumer parks when it finds no demand and
// exactly one add after parking reports that the consumer must be rescheduled.
type demandLatch struct {
	state     atomic.Int32
	requested atomic.Int64
}

// add accumulates n (saturating at math.MaxInt64) and reports whether the
// caller must schedule the consumer.
func (d *demandLatch) add(n int64) bool {
	if n <= 0 {
		return false
	}
	for {
		cur := d.requested.Load()
		if d.requested.CompareAndSwap(cur, addCap(cur, n)) {
			break
		}
	}
	return d.state.Swap(demandNew) == demandParked
}

// take returns the accumulated demand and resets it. A zero result means the
// latch is now parked and a later add will ask for a reschedule.
func (d *demandLatch) take() int64 {
	for {
		if d.state.CompareAndSwap(demandIdle, demandParked) {
			return 0
		}
		d.state.Store(demandIdle)
		if n := d.requested.Swap(0); n > 0 {
			return n
		}
	}
}

// addCap adds two non-negative values, saturating at math.MaxInt64.
func addCap(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
