package bandwidth

import (
	"sync"
	"time"

	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

const (
	// DefaultSamples is the number of one-second samples the
	// moving average is computed over
	DefaultSamples = 15

	sampleInterval = time.Second
	bytesPerMbit   = 125000
)

// Monitor counts bytes and turns them into a moving
// average throughput. Bytes added during one second become
// one sample when the second has passed; seconds without
// traffic are recorded as zero samples.
type Monitor struct {
	mu sync.Mutex

	now     func() time.Time
	samples *RingBuffer

	current     int64
	bucketStart time.Time
	total       int64
}

type Option func(*Monitor)

// WithClock replaces the monitor's time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithSamples sets the number of samples in the moving
// average
func WithSamples(n int) Option {
	return func(m *Monitor) {
		m.samples = NewRingBuffer(n)
	}
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		now:     time.Now,
		samples: NewRingBuffer(DefaultSamples),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.bucketStart = m.now()

	return m
}

// Add records n transferred bytes
func (m *Monitor) Add(n int) {
	if n <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.roll()
	m.current += int64(n)
	m.total += int64(n)
}

func (m *Monitor) roll() {
	elapsed := m.now().Sub(m.bucketStart)
	if elapsed < sampleInterval {
		return
	}

	periods := int(elapsed / sampleInterval)
	m.samples.Add(m.current)
	m.current = 0

	idle := periods - 1
	if idle > m.samples.Cap() {
		idle = m.samples.Cap()
	}
	for i := 0; i < idle; i++ {
		m.samples.Add(0)
	}

	m.bucketStart = m.bucketStart.Add(time.Duration(periods) * sampleInterval)
}

// Rate returns the moving average throughput in bytes per
// second
func (m *Monitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roll()
	return m.samples.Average()
}

// Mbps returns the moving average throughput in megabits
// per second
func (m *Monitor) Mbps() float64 {
	return m.Rate() / bytesPerMbit
}

// Total returns the number of bytes recorded since the
// monitor was created
func (m *Monitor) Total() size.Size {
	m.mu.Lock()
	defer m.mu.Unlock()

	return size.Size(m.total)
}
