package particlescope

import (
	"sync"
)

// BatchPool is a pool of batches of equal size
type BatchPool struct {
	// pool of batches
	batches chan *Batch
	// batchSize is the size of every batch in the pool
	batchSize int
	mu        sync.Mutex
	closed    bool
}

// NewBatchPool returns a pool of size batches each holding batchSize images
func NewBatchPool(size, batchSize int) *BatchPool {

	if size < 1 {
		size = 1
	}

	p := &BatchPool{
		batches:   make(chan *Batch, size),
		batchSize: batchSize,
	}

	for i := 0; i < size; i++ {
		p.Return(NewBatch(batchSize))
	}

	return p
}

// BatchSize returns the size of the batches handed out
func (p *BatchPool) BatchSize() int {
	return p.batchSize
}

// Get a batch from the pool, a new batch is allocated when the pool is
// empty
func (p *BatchPool) Get() *Batch {

	select {
	case b, ok := <-p.batches:
		if ok {
			return b
		}
	default:
	}

	return NewBatch(p.batchSize)
}

// Return a batch to the pool
func (p *BatchPool) Return(batch *Batch) {

	if batch == nil || batch.Size() != p.batchSize {
		return
	}

	batch.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.batches <- batch:
	default:
		// pool is full
	}
}

// Close the pool and release all batches in it
func (p *BatchPool) Close() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.batches)

	for next := range p.batches {
		next.Clear()
	}
}
