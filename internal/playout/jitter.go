package playout

import (
	"sort"
	"sync"
)

// Buffer is the jitter buffer: encoded payloads keyed by sequence number.
// When full it keeps the numerically largest keys. Sequence numbers below
// the playhead floor are refused, so nothing already rendered can come back.
//
// Every method takes the mutex for the duration of the map operation only.
type Buffer struct {
	mu       sync.Mutex
	entries  map[uint32][]byte
	keys     []uint32 // ascending
	capacity int
	floor    uint32
	hasFloor bool
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		entries:  make(map[uint32][]byte, capacity),
		keys:     make([]uint32, 0, capacity),
		capacity: capacity,
	}
}

// Put stores payload under seq, replacing any earlier copy. It reports
// whether the payload was kept.
func (b *Buffer) Put(seq uint32, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasFloor && seq < b.floor {
		return false
	}
	if _, ok := b.entries[seq]; ok {
		b.entries[seq] = payload
		return true
	}
	if len(b.keys) >= b.capacity {
		if seq < b.keys[0] {
			return false
		}
		delete(b.entries, b.keys[0])
		b.keys = append(b.keys[:0], b.keys[1:]...)
	}

	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = seq
	b.entries[seq] = payload
	return true
}

// Take removes and returns the payload for seq.
func (b *Buffer) Take(seq uint32) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.entries[seq]
	if !ok {
		return nil, false
	}
	delete(b.entries, seq)
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	b.keys = append(b.keys[:i], b.keys[i+1:]...)
	return p, true
}

// Peek returns the payload for seq without removing it.
func (b *Buffer) Peek(seq uint32) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.entries[seq]
	return p, ok
}

// First returns the oldest buffered sequence number.
func (b *Buffer) First() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.keys) == 0 {
		return 0, false
	}
	return b.keys[0], true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

// DropBefore evicts every entry below seq and raises the floor to seq.
func (b *Buffer) DropBefore(seq uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasFloor || seq > b.floor {
		b.floor = seq
		b.hasFloor = true
	}
	n := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	b.dropFront(n)
	return n
}

// DropOldest evicts up to n entries from the front.
func (b *Buffer) DropOldest(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.keys) {
		n = len(b.keys)
	}
	if n <= 0 {
		return 0
	}
	b.dropFront(n)
	return n
}

// Clear empties the buffer and forgets the floor.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.entries)
	b.keys = b.keys[:0]
	b.floor = 0
	b.hasFloor = false
}

// dropFront must be called with b.mu held.
func (b *Buffer) dropFront(n int) {
	for _, k := range b.keys[:n] {
		delete(b.entries, k)
	}
	b.keys = append(b.keys[:0], b.keys[n:]...)
}
