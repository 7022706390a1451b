package arbtrie

import "sync"
import "sync/atomic"


//============================================= Arbtrie Iterator Pool


// framePool
//	Recycles iterator cursors so that repeated scans do not re-grow their path and key buffers
//	through the garbage collector on every traversal.
type framePool struct {
	maxSize int64
	size int64
	pool *sync.Pool
}

func newFramePool(maxSize int64) *framePool {
	fp := &framePool{ maxSize: maxSize }

	fp.pool = &sync.Pool{
		New: func() interface {} {
			return &Iterator{
				path: make([]iterFrame, 0, 16),
				key: make([]byte, 0, MaxKeyLen),
			}
		},
	}

	return fp
}

// getIterator
//	Take a recycled cursor, or allocate one when the pool is empty.
func (fp *framePool) getIterator() *Iterator {
	it := fp.pool.Get().(*Iterator)
	if atomic.LoadInt64(&fp.size) > 0 { atomic.AddInt64(&fp.size, -1) }

	return it
}

// putIterator
//	Reset and return a cursor to the pool. When the pool is at capacity the cursor is dropped and
//	the garbage collector takes care of it.
func (fp *framePool) putIterator(it *Iterator) {
	if atomic.LoadInt64(&fp.size) >= fp.maxSize { return }

	it.rs = nil
	it.root = 0
	it.path = it.path[:0]
	it.key = it.key[:0]
	it.valid = false

	fp.pool.Put(it)
	atomic.AddInt64(&fp.size, 1)
}
