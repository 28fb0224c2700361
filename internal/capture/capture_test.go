package capture

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/recorder/internal/metrics"
)

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// fakeBackend serves fixed monitor and window sizes on a MemoryDevice. Tests
// push frames straight into the pool handed to StartStream.
type fakeBackend struct {
	monitors map[int]image.Point
	windows  map[uintptr]image.Point
	devErr   error
	device   *MemoryDevice

	mu     sync.Mutex
	pool   *FramePool
	stream *fakeStream
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		monitors: map[int]image.Point{1: {800, 600}, 2: {1920, 1080}},
		windows:  map[uintptr]image.Point{0x10: {400, 300}, 0x20: {1000, 700}},
		device:   NewMemoryDevice(),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) NewDevice() (Device, error) {
	if b.devErr != nil {
		return nil, b.devErr
	}
	return b.device, nil
}

func (b *fakeBackend) Monitors() ([]MonitorInfo, error) {
	var out []MonitorInfo
	for ord, sz := range b.monitors {
		out = append(out, MonitorInfo{Ordinal: ord, Width: sz.X, Height: sz.Y})
	}
	return out, nil
}

func (b *fakeBackend) ResolveMonitor(_ Device, ordinal int) (Item, error) {
	sz, ok := b.monitors[ordinal]
	if !ok {
		return Item{}, ErrTargetNotFound
	}
	return Item{Kind: TargetMonitor, Width: sz.X, Height: sz.Y, Output: ordinal - 1}, nil
}

func (b *fakeBackend) ResolveWindow(_ Device, handle uintptr) (Item, error) {
	sz, ok := b.windows[handle]
	if !ok {
		return Item{}, ErrTargetNotFound
	}
	return Item{Kind: TargetWindow, Width: sz.X, Height: sz.Y, Handle: handle}, nil
}

func (b *fakeBackend) StartStream(_ Device, _ Item, pool *FramePool) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pool = pool
	b.stream = &fakeStream{}
	return b.stream, nil
}

func (b *fakeBackend) push(w, h int, fill [4]byte) *MemorySurface {
	s := NewMemorySurface(w, h, w*4+32)
	s.Fill(fill[0], fill[1], fill[2], fill[3])
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()
	pool.Push(Frame{Surface: s, Width: w, Height: h, Time: time.Now()})
	return s
}

type delivered struct {
	buf  []byte
	w, h int
}

func collect(s *Source) chan delivered {
	ch := make(chan delivered, 16)
	s.SetOutputCallback(func(buf []byte, w, h int) {
		ch <- delivered{buf: buf, w: w, h: h}
	})
	return ch
}

func next(t *testing.T, ch chan delivered) delivered {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return delivered{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func pixel(buf []byte, width, x, y int) [4]byte {
	i := (y*width + x) * 4
	return [4]byte{buf[i], buf[i+1], buf[i+2], buf[i+3]}
}

var (
	red   = [4]byte{0, 0, 0xff, 0xff}
	blue  = [4]byte{0xff, 0, 0, 0xff}
	black = [4]byte{0, 0, 0, 0xff}
)

func TestInitializeAdoptsMonitorSize(t *testing.T) {
	s := NewSource(newFakeBackend())
	if err := s.Initialize(Monitor(2)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if w, h := s.ConfiguredSize(); w != 1920 || h != 1080 {
		t.Fatalf("ConfiguredSize = %dx%d, want 1920x1080", w, h)
	}
	if s.WindowMode() {
		t.Fatal("monitor target must not enable window mode")
	}
}

func TestInitializeDeviceFailure(t *testing.T) {
	b := newFakeBackend()
	b.devErr = errors.New("no adapter")
	err := NewSource(b).Initialize(Monitor(1))
	if !errors.Is(err, ErrDeviceCreationFailed) {
		t.Fatalf("err = %v, want ErrDeviceCreationFailed", err)
	}
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name   string
		target Target
	}{
		{name: "unknown monitor", target: Monitor(9)},
		{name: "nil window", target: Window(0)},
		{name: "unknown window", target: Window(0x99)},
		{name: "bad kind", target: Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSource(newFakeBackend()).Initialize(tt.target)
			if !errors.Is(err, ErrTargetNotFound) {
				t.Fatalf("err = %v, want ErrTargetNotFound", err)
			}
		})
	}
}

func TestResolverLatchesWindowMode(t *testing.T) {
	b := newFakeBackend()
	r := NewResolver(b)
	if _, err := r.Resolve(b.device, Window(0x10)); err != nil {
		t.Fatalf("Resolve window: %v", err)
	}
	if !r.WindowMode() {
		t.Fatal("window resolution should latch window mode")
	}
	if _, err := r.Resolve(b.device, Monitor(9)); err == nil {
		t.Fatal("expected failure for unknown monitor")
	}
	if !r.WindowMode() {
		t.Fatal("failed resolution must not change window mode")
	}
	if _, err := r.Resolve(b.device, Monitor(1)); err != nil {
		t.Fatalf("Resolve monitor: %v", err)
	}
	if r.WindowMode() {
		t.Fatal("monitor resolution should clear window mode")
	}
}

func TestSetTargetWindowKeepsCanvas(t *testing.T) {
	s := NewSource(newFakeBackend())
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.SetTarget(Window(0x10)); err != nil {
		t.Fatalf("SetTarget window: %v", err)
	}
	if w, h := s.ConfiguredSize(); w != 800 || h != 600 {
		t.Fatalf("ConfiguredSize = %dx%d, want canvas 800x600", w, h)
	}
	if w, h := s.ItemSize(); w != 400 || h != 300 {
		t.Fatalf("ItemSize = %dx%d, want 400x300", w, h)
	}

	if err := s.SetTarget(Monitor(2)); err != nil {
		t.Fatalf("SetTarget monitor: %v", err)
	}
	if w, h := s.ConfiguredSize(); w != 1920 || h != 1080 {
		t.Fatalf("ConfiguredSize = %dx%d, want 1920x1080 after monitor re-target", w, h)
	}
}

func TestSetTargetBeforeInitialize(t *testing.T) {
	if err := NewSource(newFakeBackend()).SetTarget(Monitor(1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestMonitorFrameDeliveredAtConfiguredSize(t *testing.T) {
	b := newFakeBackend()
	m := metrics.NewPipeline()
	s := NewSource(b, WithMetrics(m))
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	b.push(800, 600, red)
	d := next(t, frames)
	if d.w != 800 || d.h != 600 {
		t.Fatalf("frame = %dx%d, want 800x600", d.w, d.h)
	}
	if len(d.buf) != 800*600*4 {
		t.Fatalf("len(buf) = %d, want %d", len(d.buf), 800*600*4)
	}
	if got := pixel(d.buf, d.w, 799, 599); got != red {
		t.Fatalf("last pixel = %v, want %v", got, red)
	}
	if got := m.Snapshot().FramesDelivered; got != 1 {
		t.Fatalf("FramesDelivered = %d, want 1", got)
	}
}

func TestMonitorResizeDropsFrameAndRecreatesPool(t *testing.T) {
	b := newFakeBackend()
	m := metrics.NewPipeline()
	s := NewSource(b, WithMetrics(m))
	if err := s.Initialize(Monitor(2)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	resized := b.push(2560, 1440, red)
	waitFor(t, func() bool {
		w, h := s.ConfiguredSize()
		return w == 2560 && h == 1440
	})
	waitFor(t, resized.Released)

	select {
	case d := <-frames:
		t.Fatalf("resize frame must be discarded, got %dx%d", d.w, d.h)
	default:
	}
	if w, h := b.pool.Size(); w != 2560 || h != 1440 {
		t.Fatalf("pool size = %dx%d, want 2560x1440", w, h)
	}
	if got := m.Snapshot().ResizeDrops; got != 1 {
		t.Fatalf("ResizeDrops = %d, want 1", got)
	}

	b.push(2560, 1440, blue)
	d := next(t, frames)
	if d.w != 2560 || d.h != 1440 || len(d.buf) != 2560*1440*4 {
		t.Fatalf("frame = %dx%d len %d, want 2560x1440", d.w, d.h, len(d.buf))
	}
}

func TestWindowCenteredOnCanvas(t *testing.T) {
	b := newFakeBackend()
	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.SetTarget(Window(0x10)); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	b.push(400, 300, red)
	d := next(t, frames)
	if d.w != 800 || d.h != 600 || len(d.buf) != 800*600*4 {
		t.Fatalf("frame = %dx%d len %d, want 800x600 canvas", d.w, d.h, len(d.buf))
	}

	checks := []struct {
		x, y int
		want [4]byte
	}{
		{200, 150, red},
		{599, 449, red},
		{199, 150, black},
		{200, 149, black},
		{600, 449, black},
		{599, 450, black},
		{0, 0, black},
		{799, 599, black},
	}
	for _, c := range checks {
		if got := pixel(d.buf, d.w, c.x, c.y); got != c.want {
			t.Errorf("pixel(%d,%d) = %v, want %v", c.x, c.y, got, c.want)
		}
	}
}

func TestWindowLargerThanCanvasIsClamped(t *testing.T) {
	b := newFakeBackend()
	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.SetTarget(Window(0x20)); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	b.push(1000, 700, blue)
	d := next(t, frames)
	if d.w != 800 || d.h != 600 {
		t.Fatalf("frame = %dx%d, want 800x600", d.w, d.h)
	}
	if got := pixel(d.buf, d.w, 0, 0); got != blue {
		t.Fatalf("pixel(0,0) = %v, want content pinned to top-left", got)
	}
	if got := pixel(d.buf, d.w, 799, 599); got != blue {
		t.Fatalf("pixel(799,599) = %v, want content", got)
	}
}

func TestWindowResizeDoesNotChangeCanvas(t *testing.T) {
	b := newFakeBackend()
	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.SetTarget(Window(0x10)); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	b.push(640, 480, red)
	d := next(t, frames)
	if d.w != 800 || d.h != 600 {
		t.Fatalf("frame = %dx%d, want canvas 800x600", d.w, d.h)
	}
	if got := pixel(d.buf, d.w, 80, 60); got != red {
		t.Fatalf("pixel(80,60) = %v, want content at centered offset", got)
	}
}

func TestExtractFailureSkipsFrame(t *testing.T) {
	b := newFakeBackend()
	m := metrics.NewPipeline()
	s := NewSource(b, WithMetrics(m))
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frames := collect(s)
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer s.StopCapture()

	bad := NewMemorySurface(800, 600, 0)
	bad.Release()
	b.pool.Push(Frame{Surface: bad, Width: 800, Height: 600})
	waitFor(t, func() bool { return m.Snapshot().ExtractFailures == 1 })

	b.push(800, 600, red)
	if d := next(t, frames); d.w != 800 {
		t.Fatalf("frame width = %d, want 800", d.w)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b := newFakeBackend()
	s := NewSource(b)

	if err := s.StartCapture(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartCapture before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := s.StopCapture(); err != nil {
		t.Fatalf("StopCapture before start = %v, want nil", err)
	}
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := s.StartCapture(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second StartCapture = %v, want ErrAlreadyActive", err)
	}
	if err := s.SetTarget(Monitor(2)); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("SetTarget while active = %v, want ErrAlreadyActive", err)
	}

	collect(s)
	b.push(800, 600, red)

	for i := 0; i < 3; i++ {
		if err := s.StopCapture(); err != nil {
			t.Fatalf("StopCapture #%d: %v", i+1, err)
		}
	}
	if s.Active() {
		t.Fatal("source still active after StopCapture")
	}
	if b.stream.closed != 1 {
		t.Fatalf("stream closed %d times, want 1", b.stream.closed)
	}
	if live := b.device.Live(); live != 0 {
		t.Fatalf("%d staging surfaces leaked", live)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFramesAfterStopAreReleased(t *testing.T) {
	b := newFakeBackend()
	s := NewSource(b)
	if err := s.Initialize(Monitor(1)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	pool := b.pool
	s.StopCapture()

	late := NewMemorySurface(800, 600, 0)
	if pool.Push(Frame{Surface: late, Width: 800, Height: 600}) {
		t.Fatal("push into closed pool should fail")
	}
	if !late.Released() {
		t.Fatal("frame pushed after stop should be released")
	}
}

func TestCanvasOffset(t *testing.T) {
	tests := []struct {
		cw, ch, w, h int
		x, y         int
	}{
		{800, 600, 400, 300, 200, 150},
		{800, 600, 800, 600, 0, 0},
		{800, 600, 1000, 700, 0, 0},
		{1920, 1080, 1281, 721, 319, 179},
	}
	for _, tt := range tests {
		x, y := canvasOffset(tt.cw, tt.ch, tt.w, tt.h)
		if x != tt.x || y != tt.y {
			t.Errorf("canvasOffset(%d,%d,%d,%d) = (%d,%d), want (%d,%d)", tt.cw, tt.ch, tt.w, tt.h, x, y, tt.x, tt.y)
		}
	}
}

func TestExtractHonorsRowPitch(t *testing.T) {
	dev := NewMemoryDevice()
	src := NewMemorySurface(3, 2, 3*4+20)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			src.Set(x, y, byte(x), byte(y), 7, 0xff)
		}
	}

	var e extractor
	fb, err := e.extract(dev, Frame{Surface: src, Width: 3, Height: 2}, 3, 2, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	defer e.release()

	if len(fb.Data) != 3*2*4 {
		t.Fatalf("len = %d, want 24 (tightly packed)", len(fb.Data))
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			want := [4]byte{byte(x), byte(y), 7, 0xff}
			if got := pixel(fb.Data, 3, x, y); got != want {
				t.Fatalf("pixel(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}
