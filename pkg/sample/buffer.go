package sample

// Buffer keeps the most recent samples, newest first.
// Once full, pushing a sample silently drops the oldest one.
type Buffer struct {
	items    []Sample
	capacity int
}

// NewBuffer creates a buffer holding at most capacity samples.
// A non-positive capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items:    make([]Sample, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts s at the front.
func (b *Buffer) Push(s Sample) {
	if len(b.items) < b.capacity {
		b.items = append(b.items, Sample{})
	}
	copy(b.items[1:], b.items[:len(b.items)-1])
	b.items[0] = s
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	return len(b.items)
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// At returns the i-th most recent sample (0 is the newest).
func (b *Buffer) At(i int) Sample {
	return b.items[i]
}

// Newest returns the most recent sample.
func (b *Buffer) Newest() (Sample, bool) {
	if len(b.items) == 0 {
		return Sample{}, false
	}
	return b.items[0], true
}

// Window returns samples 0..n-1, newest first. The slice aliases the buffer
// and is only valid until the next Push.
func (b *Buffer) Window(n int) []Sample {
	if n > len(b.items) {
		n = len(b.items)
	}
	return b.items[:n]
}

// Clear drops all samples.
func (b *Buffer) Clear() {
	b.items = b.items[:0]
}
