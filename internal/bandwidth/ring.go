package bandwidth

// RingBuffer is a fixed-capacity circular store of samples.
// Once full, each new sample overwrites the oldest one.
type RingBuffer struct {
	samples []int64
	next    int
	size    int
	sum     int64
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}

	return &RingBuffer{
		samples: make([]int64, capacity),
	}
}

func (rb *RingBuffer) Add(v int64) {
	if rb.size == len(rb.samples) {
		rb.sum -= rb.samples[rb.next]
	} else {
		rb.size++
	}

	rb.samples[rb.next] = v
	rb.sum += v
	rb.next = (rb.next + 1) % len(rb.samples)
}

// Average returns the mean of the stored samples, or 0 if
// there are none
func (rb *RingBuffer) Average() float64 {
	size := rb.size
	if size < 1 {
		size = 1
	}

	return float64(rb.sum) / float64(size)
}

func (rb *RingBuffer) Len() int {
	return rb.size
}

func (rb *RingBuffer) Cap() int {
	return len(rb.samples)
}

func (rb *RingBuffer) Reset() {
	for i := range rb.samples {
		rb.samples[i] = 0
	}

	rb.next = 0
	rb.size = 0
	rb.sum = 0
}
