package encoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/metrics"
)

var log = logging.L("encoder")

// TimestampLayout names output files: day-month-year_hour-minute-second.
const TimestampLayout = "02-01-2006_15-04-05"

// ticksPerSecond is the sample clock: 100 ns units.
const ticksPerSecond = 10_000_000

type state int

const (
	stateUnconfigured state = iota
	stateConfigured
	stateFinalized
)

// Options configures a Pipeline.
type Options struct {
	OutputDir string
	// Filename overrides the timestamped name of the first file. The sink's
	// extension is appended when it has none.
	Filename   string
	Width      int
	Height     int
	FPS        int
	Bitrate    int
	Sink       string
	FFmpegPath string

	Metrics *metrics.Pipeline
	Logger  *slog.Logger
	Now     func() time.Time
}

// Segment is one output file written by the pipeline.
type Segment struct {
	Path     string        `yaml:"path"`
	Codec    Codec         `yaml:"codec"`
	Sink     string        `yaml:"sink"`
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
	FPS      int           `yaml:"fps"`
	Frames   int64         `yaml:"frames"`
	Duration time.Duration `yaml:"duration"`
	Bytes    int64         `yaml:"bytes"`
	Started  time.Time     `yaml:"started"`
	Finished time.Time     `yaml:"finished"`
	Error    string        `yaml:"error,omitempty"`
}

// Pipeline feeds frames into one open sink at a time, reopening a new file
// whenever the frame size changes. Sample times are derived from the frame
// count, which restarts at zero in every file.
type Pipeline struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time
	samples samplePool

	mu         sync.Mutex
	state      state
	codec      Codec
	factory    SinkFactory
	sink       Sink
	width      int
	height     int
	fps        int
	frameCount int64
	current    Segment
	segments   []Segment
	onSegment  func(Segment)
	reopenErrs int
	// reuse is the name of a discarded empty first file, taken by the next open.
	reuse string
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		width:   opts.Width,
		height:  opts.Height,
		fps:     opts.FPS,
	}
	if p.logger == nil {
		p.logger = log
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// OnSegmentFinalized registers a hook called after each file is closed. It
// runs on the goroutine that triggered the close, without the pipeline lock.
func (p *Pipeline) OnSegmentFinalized(fn func(Segment)) {
	p.mu.Lock()
	p.onSegment = fn
	p.mu.Unlock()
}

// Initialize selects a sink for codec and opens the first output file.
func (p *Pipeline) Initialize(codec Codec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateUnconfigured {
		return fmt.Errorf("%w: already initialized", ErrEncoderConfigurationFailed)
	}
	if _, err := FormatFor(codec); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderConfigurationFailed, err)
	}
	if p.width <= 0 || p.height <= 0 || p.fps <= 0 {
		return fmt.Errorf("%w: invalid stream %dx%d@%d", ErrEncoderConfigurationFailed, p.width, p.height, p.fps)
	}
	if p.opts.Bitrate <= 0 {
		return fmt.Errorf("%w: invalid bitrate %d", ErrEncoderConfigurationFailed, p.opts.Bitrate)
	}

	factory, effective, err := SelectSink(p.opts.Sink, codec, SinkOptions{FFmpegPath: p.opts.FFmpegPath})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderConfigurationFailed, err)
	}
	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", ErrEncoderConfigurationFailed, err)
	}

	p.factory = factory
	p.codec = effective

	name := p.opts.Filename
	if name == "" {
		name = p.now().Format(TimestampLayout)
	}
	if filepath.Ext(name) == "" {
		name += factory.Extension(effective)
	}
	if err := p.openLocked(filepath.Join(p.opts.OutputDir, name), p.width, p.height); err != nil {
		return err
	}

	p.state = stateConfigured
	p.logger.Info("encoder initialized",
		"sink", factory.Name(),
		"codec", string(effective),
		"width", p.width,
		"height", p.height,
		"fps", p.fps,
		"bitrate", p.opts.Bitrate,
		"path", p.current.Path)
	return nil
}

func (p *Pipeline) openLocked(path string, width, height int) error {
	path = uniquePath(path)
	sink, err := p.factory.Open(path, StreamFormat{
		Codec:   p.codec,
		Width:   width,
		Height:  height,
		FPS:     p.fps,
		Bitrate: p.opts.Bitrate,
	})
	if err != nil {
		return fmt.Errorf("%w: open %s sink at %s: %v", ErrEncoderConfigurationFailed, p.factory.Name(), path, err)
	}
	p.sink = sink
	p.width, p.height = width, height
	p.frameCount = 0
	p.current = Segment{
		Path:    path,
		Codec:   p.codec,
		Sink:    p.factory.Name(),
		Width:   width,
		Height:  height,
		FPS:     p.fps,
		Started: p.now(),
	}
	return nil
}

// closeLocked finalizes the open sink and records its segment. The segment
// is returned so the caller can notify the hook after unlocking. With
// discardEmpty a file that never received a frame is removed instead of
// recorded.
func (p *Pipeline) closeLocked(discardEmpty bool) (Segment, bool, error) {
	if p.sink == nil {
		return Segment{}, false, nil
	}
	err := p.sink.Finalize()
	p.sink = nil

	seg := p.current
	if discardEmpty && p.frameCount == 0 {
		if rmErr := os.Remove(seg.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("failed to remove empty segment", logging.KeySegment, seg.Path, logging.KeyError, rmErr.Error())
		} else if len(p.segments) == 0 {
			p.reuse = seg.Path
		}
		p.logger.Debug("empty segment discarded", logging.KeySegment, seg.Path, "finalizeError", err)
		return seg, false, nil
	}
	seg.Frames = p.frameCount
	seg.Duration = time.Duration(p.frameCount * p.sampleDuration() * 100)
	seg.Finished = p.now()
	if fi, statErr := os.Stat(seg.Path); statErr == nil {
		seg.Bytes = fi.Size()
	}
	if err != nil {
		seg.Error = err.Error()
	}
	p.segments = append(p.segments, seg)
	p.metrics.RecordSegment()

	p.logger.Info("segment finalized",
		logging.KeySegment, seg.Path,
		"frames", seg.Frames,
		"bytes", seg.Bytes,
		logging.KeyDurationMs, seg.Duration.Milliseconds())
	return seg, true, err
}

func (p *Pipeline) sampleDuration() int64 {
	return ticksPerSecond / int64(p.fps)
}

// segmentName is "<timestamp><w>x<h><ext>".
func (p *Pipeline) segmentName(width, height int) string {
	return fmt.Sprintf("%s%dx%d%s", p.now().Format(TimestampLayout), width, height, p.factory.Extension(p.codec))
}

// ProcessFrame encodes one tightly packed BGRA frame. A size change closes
// the current file and opens "<timestamp><w>x<h>" before writing. When that
// reopen fails the frame is dropped and the next frame retries it.
func (p *Pipeline) ProcessFrame(buf []byte, width, height int) error {
	start := time.Now()
	var notify []Segment

	p.mu.Lock()
	err := p.processLocked(buf, width, height, &notify)
	hook := p.onSegment
	p.mu.Unlock()

	if hook != nil {
		for _, seg := range notify {
			hook(seg)
		}
	}
	if err == nil {
		p.metrics.RecordEncode(time.Since(start), len(buf))
	}
	return err
}

func (p *Pipeline) processLocked(buf []byte, width, height int, notify *[]Segment) error {
	switch p.state {
	case stateUnconfigured:
		return ErrNotInitialized
	case stateFinalized:
		return ErrClosed
	}

	size := width * height * 4
	if width <= 0 || height <= 0 || len(buf) != size {
		p.metrics.RecordWriteFailure()
		return fmt.Errorf("%w: buffer of %d bytes for %dx%d", ErrEncodeWriteFailed, len(buf), width, height)
	}

	if p.sink == nil || width != p.width || height != p.height {
		if seg, ok, err := p.closeLocked(true); ok {
			*notify = append(*notify, seg)
			if err != nil {
				p.logger.Warn("segment finalize failed", logging.KeySegment, seg.Path, logging.KeyError, err.Error())
			}
		}
		path := p.reuse
		if path == "" {
			path = filepath.Join(p.opts.OutputDir, p.segmentName(width, height))
		}
		if err := p.openLocked(path, width, height); err != nil {
			p.reopenErrs++
			if p.reopenErrs == 1 || p.reopenErrs%100 == 0 {
				p.logger.Warn("encoder reconfigure failed", "width", width, "height", height, "attempts", p.reopenErrs, logging.KeyError, err.Error())
			}
			p.metrics.RecordWriteFailure()
			return err
		}
		p.reopenErrs = 0
		p.reuse = ""
		p.logger.Info("encoder reconfigured", "width", width, "height", height, logging.KeySegment, p.current.Path)
	}

	data := p.samples.Get(size)
	defer p.samples.Put(data)
	stride := 4 * width
	for y := 0; y < height; y++ {
		copy(data[y*stride:(y+1)*stride], buf[y*stride:(y+1)*stride])
	}

	dur := p.sampleDuration()
	sample := Sample{
		Data:     data,
		Width:    width,
		Height:   height,
		Time:     p.frameCount * dur,
		Duration: dur,
	}
	if err := p.sink.WriteSample(sample); err != nil {
		p.metrics.RecordWriteFailure()
		p.logger.Debug("sample write failed", "frame", p.frameCount, logging.KeyError, err.Error())
		return fmt.Errorf("%w: %v", ErrEncodeWriteFailed, err)
	}
	p.frameCount++
	return nil
}

// Finalize closes the open file. It is idempotent; only the first call can
// return an error.
func (p *Pipeline) Finalize() error {
	p.mu.Lock()
	if p.state == stateFinalized {
		p.mu.Unlock()
		return nil
	}
	p.state = stateFinalized
	// a lone empty file is kept so OutputPath still names a file
	seg, ok, err := p.closeLocked(len(p.segments) > 0)
	hook := p.onSegment
	p.mu.Unlock()

	if ok && hook != nil {
		hook(seg)
	}
	if err != nil {
		return fmt.Errorf("finalize %s: %w", seg.Path, err)
	}
	return nil
}

// FrameCount is the number of frames written to the current file.
func (p *Pipeline) FrameCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameCount
}

// OutputPath is the current file, or the last one after Finalize.
func (p *Pipeline) OutputPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil && len(p.segments) > 0 {
		return p.segments[len(p.segments)-1].Path
	}
	return p.current.Path
}

// Size is the frame size of the current file.
func (p *Pipeline) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

// Codec is the codec actually being written.
func (p *Pipeline) Codec() Codec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codec
}

// SinkName is the selected backend, empty before Initialize.
func (p *Pipeline) SinkName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.factory == nil {
		return ""
	}
	return p.factory.Name()
}

// Segments returns every finalized file in order.
func (p *Pipeline) Segments() []Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// uniquePath appends _1, _2, ... before the extension when path exists.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
