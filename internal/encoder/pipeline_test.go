package encoder

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/recorder/internal/metrics"
)

const fakeSinkName = "fake"

// fakeSinks records every sink opened by the "fake" backend.
var fakeSinks = &fakeRegistry{}

type fakeRegistry struct {
	mu        sync.Mutex
	opened    []*fakeSink
	failOpen  bool
	failWrite bool
}

func (r *fakeRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = nil
	r.failOpen = false
	r.failWrite = false
}

func (r *fakeRegistry) set(failOpen, failWrite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOpen = failOpen
	r.failWrite = failWrite
}

func (r *fakeRegistry) sinks() []*fakeSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeSink(nil), r.opened...)
}

func init() {
	registerSinkFactory(fakeSinkName, 1000, func(SinkOptions) SinkFactory { return fakeFactory{} })
}

type fakeFactory struct{}

func (fakeFactory) Name() string           { return fakeSinkName }
func (fakeFactory) Available() bool        { return true }
func (fakeFactory) Supports(c Codec) bool  { return c == CodecH264 || c == CodecH265 }
func (fakeFactory) Extension(Codec) string { return ".mp4" }

func (fakeFactory) Open(path string, f StreamFormat) (Sink, error) {
	fakeSinks.mu.Lock()
	defer fakeSinks.mu.Unlock()
	if fakeSinks.failOpen {
		return nil, errors.New("open refused")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}
	s := &fakeSink{path: path, format: f}
	fakeSinks.opened = append(fakeSinks.opened, s)
	return s, nil
}

type fakeSink struct {
	path      string
	format    StreamFormat
	times     []int64
	durations []int64
	finalized int
}

func (s *fakeSink) WriteSample(sample Sample) error {
	fakeSinks.mu.Lock()
	fail := fakeSinks.failWrite
	fakeSinks.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	if len(sample.Data) != sample.Width*sample.Height*4 {
		return errors.New("bad sample size")
	}
	s.times = append(s.times, sample.Time)
	s.durations = append(s.durations, sample.Duration)
	return nil
}

func (s *fakeSink) Finalize() error {
	s.finalized++
	return nil
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestPipeline(t *testing.T, w, h int) *Pipeline {
	t.Helper()
	fakeSinks.reset()
	t.Cleanup(fakeSinks.reset)
	return NewPipeline(Options{
		OutputDir: t.TempDir(),
		Width:     w,
		Height:    h,
		FPS:       60,
		Bitrate:   8_000_000,
		Sink:      fakeSinkName,
		Metrics:   metrics.NewPipeline(),
		Now:       fixedClock(),
	})
}

func frame(w, h int) []byte { return make([]byte, w*h*4) }

func TestInitializeNamesFirstFileByTimestamp(t *testing.T) {
	p := newTestPipeline(t, 1920, 1080)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := filepath.Base(p.OutputPath()); got != "09-03-2024_14-05-07.mp4" {
		t.Fatalf("OutputPath = %q", got)
	}
	if p.SinkName() != fakeSinkName || p.Codec() != CodecH264 {
		t.Fatalf("sink=%q codec=%q", p.SinkName(), p.Codec())
	}
}

func TestInitializeRejectsInvalidSettings(t *testing.T) {
	p := newTestPipeline(t, 0, 1080)
	if err := p.Initialize(CodecH264); !errors.Is(err, ErrEncoderConfigurationFailed) {
		t.Fatalf("zero width: %v", err)
	}
	p = newTestPipeline(t, 640, 480)
	if err := p.Initialize(Codec("theora")); !errors.Is(err, ErrEncoderConfigurationFailed) {
		t.Fatalf("bad codec: %v", err)
	}
	p = newTestPipeline(t, 640, 480)
	fakeSinks.set(true, false)
	if err := p.Initialize(CodecH264); !errors.Is(err, ErrEncoderConfigurationFailed) {
		t.Fatalf("open failure: %v", err)
	}
}

func TestProcessFrameTimestamps(t *testing.T) {
	p := newTestPipeline(t, 64, 32)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := p.ProcessFrame(frame(64, 32), 64, 32); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	s := fakeSinks.sinks()[0]
	want := []int64{0, 166666, 333332}
	for i, ts := range want {
		if s.times[i] != ts {
			t.Errorf("time[%d] = %d, want %d", i, s.times[i], ts)
		}
		if s.durations[i] != 166666 {
			t.Errorf("duration[%d] = %d", i, s.durations[i])
		}
	}
	if p.FrameCount() != 3 {
		t.Fatalf("FrameCount = %d", p.FrameCount())
	}
}

func TestProcessFrameReopensOnResize(t *testing.T) {
	p := newTestPipeline(t, 1920, 1080)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	var hooked []Segment
	p.OnSegmentFinalized(func(s Segment) { hooked = append(hooked, s) })

	first := p.OutputPath()
	for i := 0; i < 2; i++ {
		if err := p.ProcessFrame(frame(1920, 1080), 1920, 1080); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.ProcessFrame(frame(1280, 720), 1280, 720); err != nil {
		t.Fatalf("resized frame: %v", err)
	}

	if p.FrameCount() != 1 {
		t.Fatalf("FrameCount after reopen = %d, want 1", p.FrameCount())
	}
	second := p.OutputPath()
	if second == first || filepath.Base(second) != "09-03-2024_14-05-071280x720.mp4" {
		t.Fatalf("reopened path = %q (first %q)", second, first)
	}
	if w, h := p.Size(); w != 1280 || h != 720 {
		t.Fatalf("Size = %dx%d", w, h)
	}

	sinks := fakeSinks.sinks()
	if len(sinks) != 2 || sinks[0].finalized != 1 || sinks[1].times[0] != 0 {
		t.Fatalf("sinks = %+v", sinks)
	}
	if len(hooked) != 1 || hooked[0].Path != first || hooked[0].Frames != 2 {
		t.Fatalf("hook segments = %+v", hooked)
	}
	if hooked[0].Duration != 2*166666*100*time.Nanosecond {
		t.Fatalf("segment duration = %v", hooked[0].Duration)
	}
}

func TestProcessFrameRetriesFailedReopen(t *testing.T) {
	p := newTestPipeline(t, 640, 480)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(frame(640, 480), 640, 480); err != nil {
		t.Fatal(err)
	}
	fakeSinks.set(true, false)
	if err := p.ProcessFrame(frame(320, 240), 320, 240); !errors.Is(err, ErrEncoderConfigurationFailed) {
		t.Fatalf("expected reopen failure, got %v", err)
	}
	fakeSinks.set(false, false)
	if err := p.ProcessFrame(frame(320, 240), 320, 240); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.FrameCount() != 1 || len(p.Segments()) != 1 {
		t.Fatalf("frames=%d segments=%d", p.FrameCount(), len(p.Segments()))
	}
}

func TestEmptyFirstFileIsReplacedOnResize(t *testing.T) {
	p := newTestPipeline(t, 1920, 1080)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	var hooked []Segment
	p.OnSegmentFinalized(func(s Segment) { hooked = append(hooked, s) })
	first := p.OutputPath()

	if err := p.ProcessFrame(frame(64, 48), 64, 48); err != nil {
		t.Fatal(err)
	}
	if got := p.OutputPath(); got != first {
		t.Fatalf("first real file = %q, want the timestamp name %q", got, first)
	}
	if len(hooked) != 0 {
		t.Fatalf("empty file reached the hook: %+v", hooked)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	segs := p.Segments()
	if len(segs) != 1 || segs[0].Path != first || segs[0].Width != 64 || segs[0].Frames != 1 {
		t.Fatalf("segments = %+v", segs)
	}
	if m := p.metrics.Snapshot(); m.Segments != 1 {
		t.Fatalf("segment metric = %d", m.Segments)
	}
}

func TestEmptyTrailingFileIsRemovedOnFinalize(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(frame(64, 64), 64, 64); err != nil {
		t.Fatal(err)
	}
	first := p.OutputPath()

	fakeSinks.set(false, true)
	if err := p.ProcessFrame(frame(32, 32), 32, 32); !errors.Is(err, ErrEncodeWriteFailed) {
		t.Fatalf("expected write failure, got %v", err)
	}
	second := p.OutputPath()
	if second == first {
		t.Fatal("resize did not open a new file")
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if segs := p.Segments(); len(segs) != 1 || segs[0].Path != first {
		t.Fatalf("segments = %+v", segs)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatalf("empty trailing file left behind: %v", err)
	}
	if p.OutputPath() != first {
		t.Fatalf("OutputPath = %q", p.OutputPath())
	}
}

func TestProcessFrameWriteFailureKeepsCount(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(frame(64, 64), 64, 64); err != nil {
		t.Fatal(err)
	}
	fakeSinks.set(false, true)
	if err := p.ProcessFrame(frame(64, 64), 64, 64); !errors.Is(err, ErrEncodeWriteFailed) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if p.FrameCount() != 1 {
		t.Fatalf("FrameCount = %d, want 1", p.FrameCount())
	}
	if snap := p.metrics.Snapshot(); snap.WriteFailures != 1 {
		t.Fatalf("WriteFailures = %d", snap.WriteFailures)
	}
}

func TestProcessFrameRejectsShortBuffer(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(make([]byte, 10), 64, 64); !errors.Is(err, ErrEncodeWriteFailed) {
		t.Fatalf("got %v", err)
	}
}

func TestProcessFrameRejectsOversizedBuffer(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(make([]byte, 64*64*4+4), 64, 64); !errors.Is(err, ErrEncodeWriteFailed) {
		t.Fatalf("got %v", err)
	}
	if p.FrameCount() != 0 {
		t.Fatalf("FrameCount = %d", p.FrameCount())
	}
}

func TestProcessFrameLifecycleErrors(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.ProcessFrame(frame(64, 64), 64, 64); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("before init: %v", err)
	}
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(CodecH264); err == nil {
		t.Fatal("second Initialize should fail")
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessFrame(frame(64, 64), 64, 64); !errors.Is(err, ErrClosed) {
		t.Fatalf("after finalize: %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	path := p.OutputPath()
	calls := 0
	p.OnSegmentFinalized(func(Segment) { calls++ })
	for i := 0; i < 3; i++ {
		if err := p.Finalize(); err != nil {
			t.Fatalf("Finalize #%d: %v", i, err)
		}
	}
	if s := fakeSinks.sinks()[0]; s.finalized != 1 {
		t.Fatalf("sink finalized %d times", s.finalized)
	}
	if calls != 1 || len(p.Segments()) != 1 {
		t.Fatalf("hook calls=%d segments=%d", calls, len(p.Segments()))
	}
	if p.OutputPath() != path {
		t.Fatalf("OutputPath after finalize = %q", p.OutputPath())
	}
}

func TestUniquePathAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "clip.mp4")
	if got := uniquePath(base); got != base {
		t.Fatalf("free path changed: %q", got)
	}
	os.WriteFile(base, nil, 0o644)
	os.WriteFile(filepath.Join(dir, "clip_1.mp4"), nil, 0o644)
	if got := uniquePath(base); filepath.Base(got) != "clip_2.mp4" {
		t.Fatalf("uniquePath = %q", got)
	}
}

func TestFilenameOverrideGetsExtension(t *testing.T) {
	p := newTestPipeline(t, 64, 64)
	p.opts.Filename = "meeting"
	if err := p.Initialize(CodecH264); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(p.OutputPath(), string(filepath.Separator)+"meeting.mp4") {
		t.Fatalf("OutputPath = %q", p.OutputPath())
	}
}
