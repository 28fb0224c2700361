package metrics

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("metrics")

// ProcessStats is the recorder's own resource usage.
type ProcessStats struct {
	CPUPercent float64
	RSSBytes   uint64
	Threads    int32
}

// CollectProcessStats samples CPU and memory for the current process.
func CollectProcessStats() (ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, err
	}

	var stats ProcessStats
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return stats, err
	}
	stats.RSSBytes = mem.RSS
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	return stats, nil
}

// Reporter periodically logs pipeline counters, component health and
// process usage.
type Reporter struct {
	pipeline *Pipeline
	health   *health.Monitor
	interval time.Duration
	logger   *slog.Logger
}

func NewReporter(p *Pipeline, h *health.Monitor, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = log
	}
	return &Reporter{pipeline: p, health: h, interval: interval, logger: logger}
}

// Run logs every interval until ctx is done. A non-positive interval
// disables reporting.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report writes a single stats line.
func (r *Reporter) Report() {
	s := r.pipeline.Snapshot()
	attrs := []any{
		"framesDelivered", s.FramesDelivered,
		"framesEncoded", s.FramesEncoded,
		"framesDropped", s.FramesDropped,
		"resizeDrops", s.ResizeDrops,
		"extractFailures", s.ExtractFailures,
		"writeFailures", s.WriteFailures,
		"segments", s.Segments,
		"encodedFps", s.EncodedFPS,
		"extractMs", s.ExtractMs,
		"encodeMs", s.EncodeMs,
	}
	if ps, err := CollectProcessStats(); err == nil {
		attrs = append(attrs, "cpuPercent", ps.CPUPercent, "rssMB", ps.RSSBytes/(1024*1024), "threads", ps.Threads)
	} else {
		r.logger.Debug("process stats unavailable", logging.KeyError, err.Error())
	}
	if r.health != nil {
		attrs = append(attrs, "health", r.health)
	}
	r.logger.Info("recording stats", attrs...)
}
