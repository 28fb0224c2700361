package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
)

// DefaultCaptureInterval paces polling backends when no interval is
// configured (60 Hz).
const DefaultCaptureInterval = time.Second / 60

// ScreenshotBackend captures monitors by polling the OS screenshot API. It
// works wherever github.com/kbinani/screenshot does and cannot capture
// individual windows.
type ScreenshotBackend struct {
	interval time.Duration

	numDisplays func() int
	bounds      func(int) image.Rectangle
	grab        func(image.Rectangle) (*image.RGBA, error)
}

func NewScreenshotBackend(interval time.Duration) *ScreenshotBackend {
	if interval <= 0 {
		interval = DefaultCaptureInterval
	}
	return &ScreenshotBackend{
		interval:    interval,
		numDisplays: screenshot.NumActiveDisplays,
		bounds:      screenshot.GetDisplayBounds,
		grab:        screenshot.CaptureRect,
	}
}

func (b *ScreenshotBackend) Name() string { return "screenshot" }

func (b *ScreenshotBackend) NewDevice() (Device, error) {
	return NewMemoryDevice(), nil
}

func (b *ScreenshotBackend) Monitors() ([]MonitorInfo, error) {
	total := b.numDisplays()
	if total <= 0 {
		return nil, fmt.Errorf("%w: no active displays detected", ErrTargetNotFound)
	}
	monitors := make([]MonitorInfo, 0, total)
	for i := 0; i < total; i++ {
		r := b.bounds(i)
		monitors = append(monitors, MonitorInfo{
			Ordinal: i + 1,
			Name:    fmt.Sprintf("display%d", i),
			Width:   r.Dx(),
			Height:  r.Dy(),
			X:       r.Min.X,
			Y:       r.Min.Y,
			Primary: i == 0,
		})
	}
	return monitors, nil
}

func (b *ScreenshotBackend) ResolveMonitor(_ Device, ordinal int) (Item, error) {
	total := b.numDisplays()
	if ordinal < 1 || ordinal > total {
		return Item{}, fmt.Errorf("%w: monitor %d (have %d)", ErrTargetNotFound, ordinal, total)
	}
	r := b.bounds(ordinal - 1)
	return Item{
		Kind:   TargetMonitor,
		Width:  r.Dx(),
		Height: r.Dy(),
		Output: ordinal - 1,
		Name:   fmt.Sprintf("display%d", ordinal-1),
	}, nil
}

func (b *ScreenshotBackend) ResolveWindow(_ Device, handle uintptr) (Item, error) {
	return Item{}, fmt.Errorf("%w: window 0x%x: window capture is not supported by the %s backend", ErrTargetNotFound, handle, b.Name())
}

func (b *ScreenshotBackend) StartStream(_ Device, item Item, pool *FramePool) (Stream, error) {
	if item.Kind != TargetMonitor {
		return nil, fmt.Errorf("%w: %s backend streams monitors only", ErrTargetNotFound, b.Name())
	}
	st := &pollStream{stop: make(chan struct{})}
	st.wg.Add(1)
	go st.run(b, item.Output, pool)
	return st, nil
}

type pollStream struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (st *pollStream) run(b *ScreenshotBackend, display int, pool *FramePool) {
	defer st.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-st.stop:
			return
		case now := <-ticker.C:
			// Bounds are re-read every tick so resolution changes reach the
			// consumer as a new content size.
			r := b.bounds(display)
			if r.Empty() {
				continue
			}
			img, err := b.grab(r)
			if err != nil {
				failures++
				if failures == 1 || failures%120 == 0 {
					log.Warn("screen grab failed", "display", display, "failures", failures, "error", err)
				}
				continue
			}
			failures = 0
			surf := rgbaToSurface(img)
			pool.Push(Frame{Surface: surf, Width: surf.Width(), Height: surf.Height(), Time: now})
		}
	}
}

func (st *pollStream) Close() error {
	st.once.Do(func() { close(st.stop) })
	st.wg.Wait()
	return nil
}

// rgbaToSurface swaps R and B into a packed BGRA surface.
func rgbaToSurface(img *image.RGBA) *MemorySurface {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	s := NewMemorySurface(w, h, w*4)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := s.Pix[y*s.Stride : y*s.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			dst[x] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x]
			dst[x+3] = src[x+3]
		}
	}
	return s
}
