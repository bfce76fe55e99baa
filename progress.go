package ftpsession

import "time"

// DefaultProgressInterval is the minimum time between two progress reports.
const DefaultProgressInterval = 250 * time.Millisecond

// Progress is a snapshot of a running transfer.
type Progress struct {
	// BytesMoved counts the bytes moved over the data channel so far.
	BytesMoved int64

	// ExpectedSize is the number of bytes this transfer should move, or -1
	// when unknown.
	ExpectedSize int64

	Elapsed time.Duration

	// Rate is the throughput in bytes per second since the previous report.
	Rate float64

	// ETA is zero when the expected size or the rate is unknown.
	ETA time.Duration
}

// Fraction returns completion in [0,1], or -1 when the size is unknown.
func (p Progress) Fraction() float64 {
	if p.ExpectedSize <= 0 {
		return -1
	}
	f := float64(p.BytesMoved) / float64(p.ExpectedSize)
	if f > 1 {
		f = 1
	}
	return f
}

// ProgressFunc receives periodic progress snapshots.
type ProgressFunc func(Progress)

// progressMeter throttles ProgressFunc calls to at most one per interval.
type progressMeter struct {
	fn        ProgressFunc
	interval  time.Duration
	expected  int64
	start     time.Time
	last      time.Time
	lastBytes int64
	now       func() time.Time
}

func newProgressMeter(fn ProgressFunc, expected int64, interval time.Duration) *progressMeter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	now := time.Now()
	return &progressMeter{
		fn:       fn,
		interval: interval,
		expected: expected,
		start:    now,
		last:     now,
		now:      time.Now,
	}
}

// update reports moved if the interval since the last report has passed.
func (m *progressMeter) update(moved int64) {
	if m == nil || m.fn == nil {
		return
	}
	now := m.now()
	if now.Sub(m.last) < m.interval {
		return
	}
	m.emit(now, moved)
}

// finish always reports.
func (m *progressMeter) finish(moved int64) {
	if m == nil || m.fn == nil {
		return
	}
	m.emit(m.now(), moved)
}

func (m *progressMeter) emit(now time.Time, moved int64) {
	p := Progress{
		BytesMoved:   moved,
		ExpectedSize: m.expected,
		Elapsed:      now.Sub(m.start),
	}
	if dt := now.Sub(m.last).Seconds(); dt > 0 {
		p.Rate = float64(moved-m.lastBytes) / dt
	}
	if p.Rate > 0 && m.expected > moved {
		p.ETA = time.Duration(float64(m.expected-moved) / p.Rate * float64(time.Second))
	}
	m.last = now
	m.lastBytes = moved
	m.fn(p)
}
