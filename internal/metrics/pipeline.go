package metrics

import (
	"sync"
	"time"
)

// Pipeline tracks capture and encode counters for one recording session.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	mu sync.RWMutex

	FramesDelivered uint64
	FramesDropped   uint64
	ResizeDrops     uint64
	ExtractFailures uint64
	FramesEncoded   uint64
	WriteFailures   uint64
	Segments        uint64
	BytesEncoded    uint64

	LastExtractTime time.Duration
	LastEncodeTime  time.Duration

	startTime time.Time
}

func NewPipeline() *Pipeline {
	return &Pipeline{startTime: time.Now()}
}

func (m *Pipeline) RecordDelivered(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.FramesDelivered++
	m.LastExtractTime = d
	m.mu.Unlock()
}

// RecordPoolDrop counts frames discarded by the frame pool because the
// consumer fell behind.
func (m *Pipeline) RecordPoolDrop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.FramesDropped++
	m.mu.Unlock()
}

func (m *Pipeline) RecordResizeDrop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ResizeDrops++
	m.mu.Unlock()
}

func (m *Pipeline) RecordExtractFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ExtractFailures++
	m.mu.Unlock()
}

func (m *Pipeline) RecordEncode(d time.Duration, size int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.FramesEncoded++
	m.LastEncodeTime = d
	m.BytesEncoded += uint64(size)
	m.mu.Unlock()
}

func (m *Pipeline) RecordWriteFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.WriteFailures++
	m.mu.Unlock()
}

func (m *Pipeline) RecordSegment() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.Segments++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters for logging.
type Snapshot struct {
	FramesDelivered uint64        `yaml:"framesDelivered"`
	FramesDropped   uint64        `yaml:"framesDropped"`
	ResizeDrops     uint64        `yaml:"resizeDrops"`
	ExtractFailures uint64        `yaml:"extractFailures"`
	FramesEncoded   uint64        `yaml:"framesEncoded"`
	WriteFailures   uint64        `yaml:"writeFailures"`
	Segments        uint64        `yaml:"segments"`
	ExtractMs       float64       `yaml:"extractMs"`
	EncodeMs        float64       `yaml:"encodeMs"`
	EncodedFPS      float64       `yaml:"encodedFps"`
	InputMBps       float64       `yaml:"inputMBps"`
	Uptime          time.Duration `yaml:"uptime"`
}

func (m *Pipeline) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	var fps, mbps float64
	if secs := uptime.Seconds(); secs > 0 {
		fps = float64(m.FramesEncoded) / secs
		mbps = float64(m.BytesEncoded) / secs / (1024 * 1024)
	}

	return Snapshot{
		FramesDelivered: m.FramesDelivered,
		FramesDropped:   m.FramesDropped,
		ResizeDrops:     m.ResizeDrops,
		ExtractFailures: m.ExtractFailures,
		FramesEncoded:   m.FramesEncoded,
		WriteFailures:   m.WriteFailures,
		Segments:        m.Segments,
		ExtractMs:       float64(m.LastExtractTime.Microseconds()) / 1000.0,
		EncodeMs:        float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		EncodedFPS:      fps,
		InputMBps:       mbps,
		Uptime:          uptime,
	}
}
