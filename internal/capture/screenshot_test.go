package capture

import (
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"
)

func fakeScreenshotBackend(sizes []image.Point) *ScreenshotBackend {
	b := NewScreenshotBackend(time.Millisecond)
	b.numDisplays = func() int { return len(sizes) }
	b.bounds = func(i int) image.Rectangle {
		if i < 0 || i >= len(sizes) {
			return image.Rectangle{}
		}
		return image.Rect(0, 0, sizes[i].X, sizes[i].Y)
	}
	b.grab = func(r image.Rectangle) (*image.RGBA, error) {
		img := image.NewRGBA(r)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff})
			}
		}
		return img, nil
	}
	return b
}

func TestScreenshotResolveMonitor(t *testing.T) {
	b := fakeScreenshotBackend([]image.Point{{1920, 1080}, {1280, 1024}})

	item, err := b.ResolveMonitor(nil, 2)
	if err != nil {
		t.Fatalf("ResolveMonitor: %v", err)
	}
	if item.Width != 1280 || item.Height != 1024 || item.Output != 1 {
		t.Fatalf("item = %+v, want 1280x1024 on output 1", item)
	}

	for _, ord := range []int{0, 3} {
		if _, err := b.ResolveMonitor(nil, ord); !errors.Is(err, ErrTargetNotFound) {
			t.Fatalf("ResolveMonitor(%d) = %v, want ErrTargetNotFound", ord, err)
		}
	}
	if _, err := b.ResolveWindow(nil, 0x1234); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("ResolveWindow = %v, want ErrTargetNotFound", err)
	}
}

func TestScreenshotMonitors(t *testing.T) {
	b := fakeScreenshotBackend([]image.Point{{1920, 1080}, {1280, 1024}})
	monitors, err := b.Monitors()
	if err != nil {
		t.Fatalf("Monitors: %v", err)
	}
	if len(monitors) != 2 || monitors[0].Ordinal != 1 || !monitors[0].Primary {
		t.Fatalf("monitors = %+v", monitors)
	}

	empty := fakeScreenshotBackend(nil)
	if _, err := empty.Monitors(); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("Monitors with no displays = %v, want ErrTargetNotFound", err)
	}
}

func TestScreenshotSourceDeliversBGRA(t *testing.T) {
	b := fakeScreenshotBackend([]image.Point{{64, 32}})
	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	d := next(t, frames)
	if d.w != 64 || d.h != 32 || len(d.buf) != 64*32*4 {
		t.Fatalf("frame = %dx%d len %d", d.w, d.h, len(d.buf))
	}
	want := [4]byte{0x30, 0x20, 0x10, 0xff}
	if got := pixel(d.buf, d.w, 10, 10); got != want {
		t.Fatalf("pixel = %v, want BGRA %v", got, want)
	}
}

func TestScreenshotGrabErrorsAreSkipped(t *testing.T) {
	b := fakeScreenshotBackend([]image.Point{{16, 16}})
	var calls atomic.Int32
	grab := b.grab
	b.grab = func(r image.Rectangle) (*image.RGBA, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("display busy")
		}
		return grab(r)
	}

	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	if d := next(t, frames); d.w != 16 {
		t.Fatalf("frame width = %d, want 16", d.w)
	}
}
