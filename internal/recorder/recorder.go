// Package recorder binds a capture Source to an encoding Pipeline and owns
// the lifecycle of one recording session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/recorder/internal/audit"
	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/metrics"
)

var log = logging.L("recorder")

var (
	ErrNotInitialized = errors.New("recorder: not initialized")
	ErrInvalidState   = errors.New("recorder: invalid state")
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Archiver receives each finalized file. The archive uploader satisfies it.
type Archiver interface {
	Enqueue(localPath string) bool
}

// Options configures a recording session.
type Options struct {
	// Monitor is the 1-based ordinal the session is initialized against.
	Monitor int
	// Width and Height size the first output file. Zero adopts the
	// monitor's size.
	Width   int
	Height  int
	FPS     int
	Bitrate int
	Codec   encoder.Codec
	Sink    string

	FFmpegPath string
	// OutputDir defaults to the user's Videos folder joined with AppFolder.
	OutputDir string
	AppFolder string
	Filename  string

	WriteManifest bool
	StatsInterval time.Duration

	// Backend defaults to capture.DefaultBackend(CaptureInterval).
	Backend         capture.Backend
	CaptureInterval time.Duration

	Archiver Archiver
	// Audit receives session and segment events. Nil disables auditing.
	Audit  *audit.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

// Recorder is one recording session: Uninitialized, Ready, Recording and
// finally Stopped. A stopped recorder cannot be restarted.
type Recorder struct {
	mu        sync.Mutex
	state     State
	opts      Options
	sessionID string
	logger    *slog.Logger

	source   *capture.Source
	pipeline *encoder.Pipeline
	metrics  *metrics.Pipeline
	health   *health.Monitor
	target   capture.Target

	started      time.Time
	stopped      time.Time
	cancelStats  context.CancelFunc
	statsDone    chan struct{}
	encoderDown  atomic.Bool
	manifestPath string
}

func New() *Recorder {
	return &Recorder{
		metrics: metrics.NewPipeline(),
		health:  health.NewMonitor(),
		logger:  log,
	}
}

// Initialize creates the capture device for opts.Monitor and opens the first
// output file. Any failure releases what was created and leaves the recorder
// uninitialized.
func (r *Recorder) Initialize(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, r.state)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Monitor < 1 {
		opts.Monitor = 1
	}
	if opts.Backend == nil {
		opts.Backend = capture.DefaultBackend(opts.CaptureInterval)
	}
	if opts.OutputDir == "" {
		dir, err := DefaultOutputDir(opts.AppFolder)
		if err != nil {
			return err
		}
		opts.OutputDir = dir
	}

	sessionID := uuid.NewString()
	base := opts.Logger
	if base == nil {
		base = log
	}
	logger := logging.WithSession(base, sessionID)

	source := capture.NewSource(opts.Backend,
		capture.WithMetrics(r.metrics),
		capture.WithLogger(logger.With(logging.KeyComponent, "capture")))
	target := capture.Monitor(opts.Monitor)
	if err := source.Initialize(target); err != nil {
		r.health.Update(health.ComponentCapture, health.Unhealthy, err.Error())
		_ = source.Close()
		return err
	}
	r.health.Update(health.ComponentCapture, health.Healthy, "")

	width, height := opts.Width, opts.Height
	if width <= 0 || height <= 0 {
		width, height = source.ConfiguredSize()
	}
	pipeline := encoder.NewPipeline(encoder.Options{
		OutputDir:  opts.OutputDir,
		Filename:   opts.Filename,
		Width:      width,
		Height:     height,
		FPS:        opts.FPS,
		Bitrate:    opts.Bitrate,
		Sink:       opts.Sink,
		FFmpegPath: opts.FFmpegPath,
		Metrics:    r.metrics,
		Logger:     logger.With(logging.KeyComponent, "encoder"),
		Now:        opts.Now,
	})
	if err := pipeline.Initialize(opts.Codec); err != nil {
		r.health.Update(health.ComponentEncoder, health.Unhealthy, err.Error())
		_ = source.Close()
		return err
	}
	pipeline.OnSegmentFinalized(r.segmentFinalized)
	r.health.Update(health.ComponentEncoder, health.Healthy, "")

	r.opts = opts
	r.sessionID = sessionID
	r.logger = logger
	r.source = source
	r.pipeline = pipeline
	r.target = target
	r.state = StateReady

	logger.Info("recorder initialized",
		"backend", opts.Backend.Name(),
		"sink", pipeline.SinkName(),
		"codec", pipeline.Codec().String(),
		"output", pipeline.OutputPath())
	return nil
}

// StartMonitorCapture records the monitor with the given 1-based ordinal.
func (r *Recorder) StartMonitorCapture(ordinal int) error {
	return r.Start(capture.Monitor(ordinal))
}

// StartWindowCapture records one window, centered on the monitor-sized canvas.
func (r *Recorder) StartWindowCapture(handle uintptr) error {
	return r.Start(capture.Window(handle))
}

// Start re-targets the source when needed and begins capturing into the
// pipeline.
func (r *Recorder) Start(target capture.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateReady:
	default:
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, r.state)
	}

	if target != r.target {
		if err := r.source.SetTarget(target); err != nil {
			return err
		}
		r.target = target
	}

	r.source.SetOutputCallback(r.processFrame)
	if err := r.source.StartCapture(); err != nil {
		r.health.Update(health.ComponentCapture, health.Unhealthy, err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelStats = cancel
	r.statsDone = make(chan struct{})
	reporter := metrics.NewReporter(r.metrics, r.health, r.opts.StatsInterval, r.logger)
	go func(done chan struct{}) {
		defer close(done)
		reporter.Run(ctx)
	}(r.statsDone)

	r.started = r.opts.Now()
	r.state = StateRecording
	w, h := r.source.ConfiguredSize()
	r.opts.Audit.Log(audit.EventRecordingStarted, r.sessionID, map[string]any{
		"target":  target.String(),
		"backend": r.opts.Backend.Name(),
		"sink":    r.pipeline.SinkName(),
		"codec":   r.pipeline.Codec().String(),
		"output":  r.pipeline.OutputPath(),
		"width":   w,
		"height":  h,
	})
	r.logger.Info("recording started", "target", target.String(), "width", w, "height", h)
	return nil
}

// processFrame runs on the capture consumer goroutine.
func (r *Recorder) processFrame(buf []byte, width, height int) {
	err := r.pipeline.ProcessFrame(buf, width, height)
	switch {
	case err == nil:
		if r.encoderDown.CompareAndSwap(true, false) {
			r.health.Update(health.ComponentEncoder, health.Healthy, "")
		}
	case errors.Is(err, encoder.ErrClosed):
	default:
		r.logger.Debug("frame not encoded", "width", width, "height", height, logging.KeyError, err.Error())
		if r.encoderDown.CompareAndSwap(false, true) {
			r.health.Update(health.ComponentEncoder, health.Degraded, err.Error())
		}
	}
}

func (r *Recorder) segmentFinalized(seg encoder.Segment) {
	details := map[string]any{
		"path":       seg.Path,
		"frames":     seg.Frames,
		"bytes":      seg.Bytes,
		"width":      seg.Width,
		"height":     seg.Height,
		"durationMs": seg.Duration.Milliseconds(),
	}
	if seg.Error != "" {
		details["error"] = seg.Error
	}
	r.opts.Audit.Log(audit.EventSegmentFinalized, r.sessionID, details)
	if r.opts.Archiver != nil && seg.Error == "" {
		r.opts.Archiver.Enqueue(seg.Path)
	}
}

// Stop finalizes the output before stopping capture, then writes the
// manifest. It is idempotent once stopped.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateStopped:
		return nil
	}

	var errs []error
	if err := r.pipeline.Finalize(); err != nil {
		r.health.Update(health.ComponentEncoder, health.Unhealthy, err.Error())
		errs = append(errs, err)
	}
	if err := r.source.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.cancelStats != nil {
		r.cancelStats()
		<-r.statsDone
	}
	r.stopped = r.opts.Now()
	r.state = StateStopped

	metrics.NewReporter(r.metrics, r.health, 0, r.logger).Report()

	if r.opts.WriteManifest {
		path, err := r.writeManifest()
		if err != nil {
			r.logger.Warn("failed to write segment manifest", logging.KeyError, err.Error())
		} else if path != "" {
			r.manifestPath = path
			if r.opts.Archiver != nil {
				r.opts.Archiver.Enqueue(path)
			}
		}
	}

	r.opts.Audit.Log(audit.EventRecordingStopped, r.sessionID, map[string]any{
		"segments":      len(r.pipeline.Segments()),
		"framesEncoded": r.metrics.Snapshot().FramesEncoded,
		"manifest":      r.manifestPath,
		"durationMs":    r.stopped.Sub(r.started).Milliseconds(),
	})
	r.logger.Info("recording stopped",
		"segments", len(r.pipeline.Segments()),
		"output", r.pipeline.OutputPath(),
		logging.KeyDurationMs, r.stopped.Sub(r.started).Milliseconds())
	return errors.Join(errs...)
}

// OutputPath is the file currently written, or the last one after Stop.
func (r *Recorder) OutputPath() string {
	r.mu.Lock()
	p := r.pipeline
	r.mu.Unlock()
	if p == nil {
		return ""
	}
	return p.OutputPath()
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Segments lists the files finalized so far.
func (r *Recorder) Segments() []encoder.Segment {
	r.mu.Lock()
	p := r.pipeline
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Segments()
}

func (r *Recorder) ManifestPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifestPath
}

func (r *Recorder) Metrics() metrics.Snapshot { return r.metrics.Snapshot() }

func (r *Recorder) Health() *health.Monitor { return r.health }
