package encoder

import (
	"fmt"
	"sort"
	"sync"
)

// StreamFormat is the output stream a sink is opened with. Input is always
// progressive 32-bit BGRA of the same size.
type StreamFormat struct {
	Codec   Codec
	Width   int
	Height  int
	FPS     int
	Bitrate int
}

// Sample is one BGRA frame with its presentation time and duration in
// 100-nanosecond units. Data is only valid for the duration of WriteSample.
type Sample struct {
	Data     []byte
	Width    int
	Height   int
	Time     int64
	Duration int64
}

// Sink writes samples into one output file.
type Sink interface {
	WriteSample(s Sample) error
	// Finalize flushes and closes the file. It is called exactly once.
	Finalize() error
}

// SinkOptions carries backend-specific settings.
type SinkOptions struct {
	FFmpegPath string
}

// SinkFactory opens sinks of one backend.
type SinkFactory interface {
	Name() string
	Available() bool
	Supports(c Codec) bool
	Extension(c Codec) string
	Open(path string, f StreamFormat) (Sink, error)
}

type factoryCtor func(SinkOptions) SinkFactory

var (
	sinkFactoriesMu sync.Mutex
	sinkFactories   = map[string]factoryCtor{}
	// sinkPriority orders backends for "auto": lower first.
	sinkPriority = map[string]int{}
)

func registerSinkFactory(name string, priority int, ctor factoryCtor) {
	sinkFactoriesMu.Lock()
	defer sinkFactoriesMu.Unlock()
	sinkFactories[name] = ctor
	sinkPriority[name] = priority
}

// SinkNames lists registered backends in auto-selection order.
func SinkNames() []string {
	sinkFactoriesMu.Lock()
	defer sinkFactoriesMu.Unlock()
	names := make([]string, 0, len(sinkFactories))
	for n := range sinkFactories {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return sinkPriority[names[i]] < sinkPriority[names[j]] })
	return names
}

// NewSinkFactory builds a named backend.
func NewSinkFactory(name string, opts SinkOptions) (SinkFactory, error) {
	sinkFactoriesMu.Lock()
	ctor, ok := sinkFactories[name]
	sinkFactoriesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink %q", ErrSinkUnavailable, name)
	}
	return ctor(opts), nil
}

// SelectSink resolves a sink name for a codec. "auto" (or "") picks the first
// available backend that supports the codec; when none does, it falls back
// to the MJPEG writer and returns CodecMJPEG as the effective codec.
func SelectSink(name string, codec Codec, opts SinkOptions) (SinkFactory, Codec, error) {
	if name != "" && name != "auto" {
		f, err := NewSinkFactory(name, opts)
		if err != nil {
			return nil, codec, err
		}
		if !f.Available() {
			return nil, codec, fmt.Errorf("%w: %s is not available on this system", ErrSinkUnavailable, name)
		}
		if !f.Supports(codec) {
			return nil, codec, fmt.Errorf("%w: %s does not support %s", ErrSinkUnavailable, name, codec)
		}
		return f, codec, nil
	}

	for _, n := range SinkNames() {
		f, err := NewSinkFactory(n, opts)
		if err != nil {
			continue
		}
		if f.Available() && f.Supports(codec) {
			return f, codec, nil
		}
	}

	f, err := NewSinkFactory(mjpegSinkName, opts)
	if err != nil {
		return nil, codec, err
	}
	if codec != CodecMJPEG {
		log.Warn("no sink supports codec, falling back to motion jpeg", "codec", string(codec))
	}
	return f, CodecMJPEG, nil
}
