package audio

import "sync"

// RingBuffer is a bounded FIFO of converted samples shared by exactly one
// producer (the connection's inbound handler) and one consumer (the session
// worker). When full, the oldest samples are overwritten.
type RingBuffer struct {
	mu        sync.Mutex
	data      []int16
	head      int
	size      int
	overflows uint64
	dropped   uint64
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]int16, capacity)}
}

// Push appends samples and returns how many buffered samples had to be
// discarded to make room. A non-zero return is one overflow.
func (b *RingBuffer) Push(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.data)
	dropped := 0
	if len(samples) > capacity {
		dropped += len(samples) - capacity
		samples = samples[len(samples)-capacity:]
	}
	if over := b.size + len(samples) - capacity; over > 0 {
		b.head = (b.head + over) % capacity
		b.size -= over
		dropped += over
	}

	tail := (b.head + b.size) % capacity
	n := copy(b.data[tail:], samples)
	copy(b.data, samples[n:])
	b.size += len(samples)

	if dropped > 0 {
		b.overflows++
		b.dropped += uint64(dropped)
	}
	return dropped
}

// Pull removes up to max samples in arrival order. It returns nil when the
// buffer is empty.
func (b *RingBuffer) Pull(max int) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	copied := copy(out, b.data[b.head:])
	if copied < n {
		copy(out[copied:], b.data)
	}
	b.head = (b.head + n) % len(b.data)
	b.size -= n
	return out
}

func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *RingBuffer) Cap() int { return len(b.data) }

// Overflows counts pushes that dropped data.
func (b *RingBuffer) Overflows() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}

// Dropped counts samples discarded across all overflows.
func (b *RingBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
