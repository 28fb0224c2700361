package capture

import (
	"sync"
	"sync/atomic"
)

// DefaultPoolDepth is the number of frames buffered between producer and
// consumer.
const DefaultPoolDepth = 2

// FramePool is a bounded frame queue between a backend producer and the
// source consumer. When full, the oldest frame is released and dropped so
// the producer never blocks.
type FramePool struct {
	mu      sync.Mutex
	frames  chan Frame
	width   int
	height  int
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

func NewFramePool(width, height, depth int) *FramePool {
	if depth < 1 {
		depth = DefaultPoolDepth
	}
	return &FramePool{
		frames: make(chan Frame, depth),
		width:  width,
		height: height,
	}
}

// Push enqueues f. It returns false and releases f when the pool is closed.
func (p *FramePool) Push(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		f.Surface.Release()
		return false
	}
	for {
		select {
		case p.frames <- f:
			return true
		default:
		}
		select {
		case old := <-p.frames:
			old.Surface.Release()
			p.dropped.Add(1)
			if p.onDrop != nil {
				p.onDrop()
			}
		default:
		}
	}
}

// Frames is the consumer side. It is closed by Close.
func (p *FramePool) Frames() <-chan Frame {
	return p.frames
}

// Size returns the frame size the pool was last (re)created with.
func (p *FramePool) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

// Recreate adopts a new frame size and releases queued frames of the old
// size.
func (p *FramePool) Recreate(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.width, p.height = width, height
	if p.closed {
		return
	}
	for {
		select {
		case old := <-p.frames:
			old.Surface.Release()
		default:
			return
		}
	}
}

// Dropped counts frames discarded on overflow.
func (p *FramePool) Dropped() uint64 {
	return p.dropped.Load()
}

// OnDrop registers a callback run for every overflow drop.
func (p *FramePool) OnDrop(fn func()) {
	p.mu.Lock()
	p.onDrop = fn
	p.mu.Unlock()
}

// Close stops accepting frames, releases queued ones and closes Frames.
// It is idempotent.
func (p *FramePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case old := <-p.frames:
			old.Surface.Release()
		default:
			close(p.frames)
			return
		}
	}
}
