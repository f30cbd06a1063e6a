package pieces

import (
	"fmt"
	"sync"
	"time"
)

const (
	// BlockSize is the default length to use when requesting
	// a block of a piece
	BlockSize = 16 * 1024

	// PipelineLimit is the number of blocks that may be
	// requested but not yet received at any one time
	PipelineLimit = 10

	// BlockTimeout is how long a requested block may remain
	// outstanding before it becomes eligible for a new
	// request
	BlockTimeout = 3 * time.Second
)

type Status int

const (
	NotSent Status = iota
	Sent
	Received
)

func (s Status) String() string {
	switch s {
	case NotSent:
		return "not sent"
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Block identifies a contiguous range of a piece
type Block struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type blockState struct {
	Block
	status Status

	// Incremented whenever the block is sent so that a timer
	// from an earlier request cannot revert a newer one
	gen   int
	timer *time.Timer
}

// Manager tracks the block requests for a single piece
// that is being fetched from a single peer. Blocks are
// requested in order, at most PipelineLimit at a time, and a
// block that is not received within the timeout is
// requested again.
type Manager struct {
	mu sync.Mutex

	index  int
	length int

	blockSize     int
	pipelineLimit int
	timeout       time.Duration

	blocks   []*blockState
	offsets  map[uint32]*blockState
	buf      []byte
	received int
	sent     int
	closed   bool
	started  time.Time
}

type Option func(*Manager)

func WithBlockSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.blockSize = n
		}
	}
}

func WithPipelineLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pipelineLimit = n
		}
	}
}

// WithTimeout sets how long a sent block may go without a
// receipt before it is reverted to NotSent
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// New partitions the piece at index of the given length into
// blocks. All blocks start out NotSent.
func New(index, length int, opts ...Option) *Manager {
	m := &Manager{
		index:         index,
		length:        length,
		blockSize:     BlockSize,
		pipelineLimit: PipelineLimit,
		timeout:       BlockTimeout,
		buf:           make([]byte, length),
		offsets:       make(map[uint32]*blockState),
		started:       time.Now(),
	}

	for _, opt := range opts {
		opt(m)
	}

	for offset := 0; offset < length; offset += m.blockSize {
		blockLength := m.blockSize
		if remaining := length - offset; remaining < blockLength {
			blockLength = remaining
		}

		b := &blockState{
			Block: Block{
				Index:  uint32(index),
				Begin:  uint32(offset),
				Length: uint32(blockLength),
			},
		}

		m.blocks = append(m.blocks, b)
		m.offsets[b.Begin] = b
	}

	return m
}

func (m *Manager) Index() int {
	return m.index
}

func (m *Manager) Len() int {
	return m.length
}

// NumBlocks returns the number of blocks the piece is
// partitioned into
func (m *Manager) NumBlocks() int {
	return len(m.blocks)
}

// Started returns the time the manager was created
func (m *Manager) Started() time.Time {
	return m.started
}

// ScheduleNext returns the first block that has not been
// sent, provided fewer than the pipeline limit are
// outstanding
func (m *Manager) ScheduleNext() (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.sent >= m.pipelineLimit {
		return Block{}, false
	}

	for _, b := range m.blocks {
		if b.status == NotSent {
			return b.Block, true
		}
	}

	return Block{}, false
}

// OnSent marks b as requested and starts its timeout. It
// has no effect unless b is currently NotSent.
func (m *Manager) OnSent(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.offsets[b.Begin]
	if m.closed || !ok || state.status != NotSent {
		return
	}

	state.status = Sent
	state.gen++
	m.sent++

	gen := state.gen
	state.timer = time.AfterFunc(m.timeout, func() {
		m.expire(state, gen)
	})
}

func (m *Manager) expire(state *blockState, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state.status != Sent || state.gen != gen {
		return
	}

	state.status = NotSent
	state.timer = nil
	m.sent--
}

// OnBlockReceived copies data into the block tracked at
// offset begin and marks it Received. Bytes past the end of
// the block are dropped. Receipts that match no tracked
// block, or that are shorter than it, leave the piece
// unchanged. It reports whether a tracked block matched.
func (m *Manager) OnBlockReceived(begin int, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || begin < 0 || begin >= m.length {
		return false
	}

	state, ok := m.offsets[uint32(begin)]
	if !ok || len(data) < int(state.Length) {
		return false
	}

	copy(m.buf[begin:begin+int(state.Length)], data[:state.Length])

	switch state.status {
	case Received:
		return true
	case Sent:
		m.sent--
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}

	state.status = Received
	m.received += int(state.Length)

	return true
}

// IsComplete reports whether every block of the piece has
// been received
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.received < m.length {
		return false
	}

	for _, b := range m.blocks {
		if b.status != Received {
			return false
		}
	}

	return true
}

// Status returns the status of the block starting at begin
func (m *Manager) Status(begin uint32) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.offsets[begin]
	if !ok {
		return NotSent, false
	}

	return state.status, true
}

// Pending returns the number of blocks that have been sent
// but not yet received
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sent
}

// Progress returns the fraction of the piece that has been
// received
func (m *Manager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.length == 0 {
		return 1
	}

	return float64(m.received) / float64(m.length)
}

// Bytes returns the assembled piece
func (m *Manager) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.buf))
	copy(out, m.buf)

	return out
}

// Close stops all outstanding timers. A closed manager
// schedules nothing and ignores receipts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, b := range m.blocks {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
}
