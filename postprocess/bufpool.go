package postprocess

import (
	"sync"
)

// bufferPool holds dense mask buffers, one pool per image size
type bufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// newBufferPool returns an empty bufferPool
func newBufferPool() *bufferPool {
	return &bufferPool{
		pools: make(map[int]*sync.Pool),
	}
}

// pool returns the pool for buffers of size, creating it on first use
func (b *bufferPool) pool(size int) *sync.Pool {

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pools[size]

	if !ok {
		p = &sync.Pool{
			New: func() any {
				return make([]uint8, size)
			},
		}
		b.pools[size] = p
	}

	return p
}

// Get returns a zeroed []uint8 slice of length size
func (b *bufferPool) Get(size int) []uint8 {

	buf := b.pool(size).Get().([]uint8)

	// zero out the buffer
	for i := range buf {
		buf[i] = 0
	}

	return buf
}

// Put returns a buffer obtained from Get back to its pool
func (b *bufferPool) Put(buf []uint8) {

	if len(buf) == 0 {
		return
	}

	b.pool(len(buf)).Put(buf)
}
