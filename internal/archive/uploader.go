package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/workerpool"
)

const defaultQueueSize = 64

// UploaderOptions configures background uploads.
type UploaderOptions struct {
	Prefix      string
	Workers     int
	DeleteLocal bool
	Health      *health.Monitor
	// Retry applies per file. The zero value makes a single attempt.
	Retry  RetryPolicy
	Logger *slog.Logger
	// OnUploaded runs on the worker after each successful upload.
	OnUploaded func(localPath, key string)
}

// Uploader archives files on a worker pool so callers never block on the
// network.
type Uploader struct {
	provider Provider
	opts     UploaderOptions
	pool     *workerpool.Pool
	logger   *slog.Logger

	uploaded atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

func NewUploader(p Provider, opts UploaderOptions) *Uploader {
	logger := opts.Logger
	if logger == nil {
		logger = log
	}
	return &Uploader{
		provider: p,
		opts:     opts,
		pool:     workerpool.New(opts.Workers, defaultQueueSize),
		logger:   logger.With("provider", p.Name()),
	}
}

// Enqueue schedules localPath for upload. It returns false when the queue is
// full or the uploader is closed.
func (u *Uploader) Enqueue(localPath string) bool {
	key := ObjectKey(u.opts.Prefix, localPath)
	ok := u.pool.Submit(func() { u.upload(localPath, key) })
	if !ok {
		u.rejected.Add(1)
		u.logger.Warn("archive upload rejected", logging.KeySegment, localPath)
		u.setHealth(health.Degraded, "upload queue full")
	}
	return ok
}

func (u *Uploader) upload(localPath, key string) {
	start := time.Now()
	ctx := u.pool.Context()
	attempts, err := withRetry(ctx, u.opts.Retry, u.logger, key, func() error {
		return u.provider.Upload(ctx, localPath, key)
	})
	if err != nil {
		u.failed.Add(1)
		u.logger.Error("archive upload failed",
			logging.KeySegment, localPath,
			"key", key,
			"attempts", attempts,
			logging.KeyError, err.Error())
		u.setHealth(health.Degraded, fmt.Sprintf("upload of %s failed", key))
		return
	}
	u.uploaded.Add(1)
	u.logger.Info("segment archived",
		logging.KeySegment, localPath,
		"key", key,
		"attempts", attempts,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	u.setHealth(health.Healthy, "")
	if u.opts.OnUploaded != nil {
		u.opts.OnUploaded(localPath, key)
	}

	if u.opts.DeleteLocal {
		if err := os.Remove(localPath); err != nil {
			u.logger.Warn("failed to remove archived segment", logging.KeySegment, localPath, logging.KeyError, err.Error())
		}
	}
}

func (u *Uploader) setHealth(s health.Status, msg string) {
	if u.opts.Health != nil {
		u.opts.Health.Update(health.ComponentArchive, s, msg)
	}
}

// Pending is the number of queued and running uploads.
func (u *Uploader) Pending() int { return u.pool.Pending() }

// Stats returns uploaded, failed and rejected counts.
func (u *Uploader) Stats() (uploaded, failed, rejected int64) {
	return u.uploaded.Load(), u.failed.Load(), u.rejected.Load()
}

// Close waits for queued uploads until ctx expires, then cancels the rest.
func (u *Uploader) Close(ctx context.Context) {
	u.pool.Drain(ctx)
	if c, ok := u.provider.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
