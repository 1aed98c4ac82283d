package worker

import "sync/atomic"

// TrafficMeter is the atomic monotonic counter of SPEC_FULL §4.8: the
// Triage Pipeline adds the size of every batch it pulls, and the
// stats broadcaster reads and resets it once per interval to compute
// TPS. It is the only datum in the pipeline left unsynchronized by a
// lock, per §5.
type TrafficMeter struct {
	count atomic.Int64
}

// Add accumulates n onto the counter.
func (m *TrafficMeter) Add(n int64) {
	m.count.Add(n)
}

// GetAndReset atomically reads the counter and resets it to zero.
func (m *TrafficMeter) GetAndReset() int64 {
	return m.count.Swap(0)
}
