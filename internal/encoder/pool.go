package encoder

import "sync"

// samplePool pools sample buffers for a fixed frame size. Recordings keep one
// size for long stretches, so a pool that resets on size change works well.
type samplePool struct {
	mu   sync.Mutex
	pool sync.Pool
	size int
}

func (p *samplePool) Get(size int) []byte {
	p.mu.Lock()
	if p.size == size {
		p.mu.Unlock()
		if v := p.pool.Get(); v != nil {
			return *(v.(*[]byte))
		}
		return make([]byte, size)
	}
	p.size = size
	p.pool = sync.Pool{}
	p.mu.Unlock()
	return make([]byte, size)
}

func (p *samplePool) Put(buf []byte) {
	p.mu.Lock()
	match := p.size == len(buf)
	p.mu.Unlock()
	if match {
		p.pool.Put(&buf)
	}
}
