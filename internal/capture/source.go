package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/metrics"
)

var log = logging.L("capture")

// Source owns a capture device, the resolved item and the producer/consumer
// pair that turns captured surfaces into FrameBuffers.
type Source struct {
	backend  Backend
	resolver *Resolver
	metrics  *metrics.Pipeline
	logger   *slog.Logger

	// mu serializes start, stop and extraction. It is never held while the
	// output callback runs.
	mu         sync.Mutex
	device     Device
	item       Item
	target     Target
	width      int
	height     int
	windowMode bool
	active     bool
	pool       *FramePool
	stream     Stream
	done       chan struct{}
	callback   OutputFunc
	ext        extractor
}

// SourceOption configures a Source.
type SourceOption func(*Source)

func WithMetrics(m *metrics.Pipeline) SourceOption {
	return func(s *Source) { s.metrics = m }
}

func WithLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

func NewSource(b Backend, opts ...SourceOption) *Source {
	s := &Source{
		backend:  b,
		resolver: NewResolver(b),
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates the rendering device, resolves target and adopts its
// natural size as the configured size.
func (s *Source) Initialize(target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrAlreadyActive
	}
	if s.device == nil {
		dev, err := s.backend.NewDevice()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDeviceCreationFailed, s.backend.Name(), err)
		}
		if dev == nil {
			return fmt.Errorf("%w: %s returned no device", ErrDeviceCreationFailed, s.backend.Name())
		}
		s.device = dev
	}

	item, err := s.resolver.Resolve(s.device, target)
	if err != nil {
		return err
	}
	s.item = item
	s.target = target
	s.width, s.height = item.Width, item.Height
	s.windowMode = s.resolver.WindowMode()

	s.logger.Info("capture initialized",
		"backend", s.backend.Name(),
		"target", target.String(),
		"width", s.width,
		"height", s.height)
	return nil
}

// SetTarget re-targets an initialized, inactive source. A monitor adopts the
// new monitor's size. A window keeps the configured canvas so any window up
// to full screen fits it.
func (s *Source) SetTarget(target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return ErrNotInitialized
	}
	if s.active {
		return ErrAlreadyActive
	}

	item, err := s.resolver.Resolve(s.device, target)
	if err != nil {
		return err
	}
	s.item = item
	s.target = target
	s.windowMode = s.resolver.WindowMode()
	if !s.windowMode {
		s.width, s.height = item.Width, item.Height
	}

	s.logger.Info("capture target changed",
		"target", target.String(),
		"itemWidth", item.Width,
		"itemHeight", item.Height,
		"width", s.width,
		"height", s.height)
	return nil
}

// SetOutputCallback installs the frame consumer. It may be called while
// capturing; the next frame uses the new callback.
func (s *Source) SetOutputCallback(fn OutputFunc) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

// StartCapture begins frame delivery.
func (s *Source) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return ErrNotInitialized
	}
	if s.active {
		return ErrAlreadyActive
	}

	pool := NewFramePool(s.width, s.height, DefaultPoolDepth)
	if s.metrics != nil {
		pool.OnDrop(s.metrics.RecordPoolDrop)
	}
	stream, err := s.backend.StartStream(s.device, s.item, pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("start %s stream: %w", s.backend.Name(), err)
	}

	s.pool = pool
	s.stream = stream
	s.done = make(chan struct{})
	s.active = true
	go s.consume(pool, s.done)

	s.logger.Info("capture started", "target", s.target.String(), "windowMode", s.windowMode)
	return nil
}

func (s *Source) consume(pool *FramePool, done chan struct{}) {
	defer close(done)
	for f := range pool.Frames() {
		s.deliver(pool, f)
	}
}

func (s *Source) deliver(pool *FramePool, f Frame) {
	start := time.Now()

	s.mu.Lock()
	if !s.active || s.pool != pool {
		s.mu.Unlock()
		f.Surface.Release()
		return
	}

	if !s.windowMode && (f.Width != s.width || f.Height != s.height) {
		s.logger.Info("capture size changed, recreating frame pool",
			"oldWidth", s.width, "oldHeight", s.height,
			"width", f.Width, "height", f.Height)
		s.width, s.height = f.Width, f.Height
		pool.Recreate(f.Width, f.Height)
		s.mu.Unlock()
		f.Surface.Release()
		s.metrics.RecordResizeDrop()
		return
	}

	buf, err := s.ext.extract(s.device, f, s.width, s.height, s.windowMode)
	cb := s.callback
	s.mu.Unlock()
	f.Surface.Release()

	if err != nil {
		s.metrics.RecordExtractFailure()
		s.logger.Debug("frame skipped", logging.KeyError, err.Error())
		return
	}
	s.metrics.RecordDelivered(time.Since(start))
	if cb != nil {
		cb(buf.Data, buf.Width, buf.Height)
	}
}

// StopCapture stops delivery and waits for the consumer to exit. It is
// idempotent. It must not be called from the output callback.
func (s *Source) StopCapture() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	stream, pool, done := s.stream, s.pool, s.done
	s.stream, s.pool, s.done = nil, nil, nil
	s.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	pool.Close()
	<-done

	s.mu.Lock()
	s.ext.release()
	s.mu.Unlock()

	s.logger.Info("capture stopped", "dropped", pool.Dropped())
	return err
}

// Close stops capture and releases the device. The source may be
// re-initialized afterwards.
func (s *Source) Close() error {
	err := s.StopCapture()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		if cerr := s.device.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.device = nil
	}
	return err
}

// Active reports whether frames are being delivered.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ItemSize is the natural size of the resolved item.
func (s *Source) ItemSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.item.Width, s.item.Height
}

// ConfiguredSize is the output size frames are extracted at.
func (s *Source) ConfiguredSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// WindowMode reports whether the current target is a window.
func (s *Source) WindowMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowMode
}

// Backend returns the platform backend the source captures through.
func (s *Source) Backend() Backend {
	return s.backend
}
