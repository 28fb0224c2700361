package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/archive"
	"github.com/breeze-rmm/recorder/internal/audit"
	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/recorder"
	"github.com/breeze-rmm/recorder/internal/secmem"
)

const archiveDrainTimeout = 2 * time.Minute

var recordFlags struct {
	monitor   int
	window    string
	fps       int
	bitrate   int
	codec     string
	sink      string
	outputDir string
	duration  time.Duration
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a monitor or window until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd)
	},
}

func init() {
	f := recordCmd.Flags()
	f.IntVar(&recordFlags.monitor, "monitor", 1, "monitor ordinal, starting at 1")
	f.StringVar(&recordFlags.window, "window", "", "native window handle to record instead of a monitor (decimal or 0x hex)")
	f.IntVar(&recordFlags.fps, "fps", 60, "frames per second")
	f.IntVar(&recordFlags.bitrate, "bitrate", 8_000_000, "target bitrate in bits per second")
	f.StringVar(&recordFlags.codec, "codec", "h264", "video codec: h264, h265, vp8, vp9, av1, mjpeg")
	f.StringVar(&recordFlags.sink, "sink", "auto", "encoder backend: auto, mf, ffmpeg, mjpeg")
	f.StringVar(&recordFlags.outputDir, "output-dir", "", "output directory (default <Videos>/BreezeRecorder)")
	f.DurationVar(&recordFlags.duration, "duration", 0, "stop after this long (0 records until interrupted)")
}

// applyRecordFlags overrides config values with flags the user set.
func applyRecordFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("monitor") {
		cfg.Monitor = recordFlags.monitor
	}
	if f.Changed("fps") {
		cfg.FPS = recordFlags.fps
	}
	if f.Changed("bitrate") {
		cfg.Bitrate = recordFlags.bitrate
	}
	if f.Changed("codec") {
		cfg.Codec = recordFlags.codec
	}
	if f.Changed("sink") {
		cfg.Sink = recordFlags.sink
	}
	if f.Changed("output-dir") {
		cfg.OutputDir = recordFlags.outputDir
	}
}

func parseWindowHandle(s string) (uintptr, error) {
	h, err := strconv.ParseUint(s, 0, 64)
	if err != nil || h == 0 {
		return 0, fmt.Errorf("invalid window handle %q", s)
	}
	return uintptr(h), nil
}

func archiveSettings(cfg *config.Config) archive.Settings {
	return archive.Settings{
		Provider:         cfg.ArchiveProvider,
		Bucket:           cfg.ArchiveBucket,
		Prefix:           cfg.ArchivePrefix,
		Region:           cfg.ArchiveRegion,
		Endpoint:         cfg.ArchiveEndpoint,
		AccessKey:        cfg.ArchiveAccessKey,
		SecretKey:        secmem.New(cfg.ArchiveSecretKey),
		CredentialsFile:  cfg.ArchiveCredentialsFile,
		ConnectionString: secmem.New(cfg.ArchiveConnectionString),
		Path:             cfg.ArchivePath,
	}
}

func retryPolicy(cfg *config.Config) archive.RetryPolicy {
	p := archive.DefaultRetryPolicy()
	p.MaxRetries = cfg.ArchiveMaxRetries
	return p
}

func runRecord(cmd *cobra.Command) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	applyRecordFlags(cmd, cfg)
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return fmt.Errorf("invalid settings: %w", errors.Join(res.Fatals...))
	}

	codec, err := encoder.ParseCodec(cfg.Codec)
	if err != nil {
		return err
	}
	target := capture.Monitor(cfg.Monitor)
	if recordFlags.window != "" {
		h, err := parseWindowHandle(recordFlags.window)
		if err != nil {
			return err
		}
		target = capture.Window(h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := recorder.New()
	opts := recorder.Options{
		Monitor:         cfg.Monitor,
		Width:           cfg.Width,
		Height:          cfg.Height,
		FPS:             cfg.FPS,
		Bitrate:         cfg.Bitrate,
		Codec:           codec,
		Sink:            cfg.Sink,
		FFmpegPath:      cfg.FFmpegPath,
		OutputDir:       cfg.OutputDir,
		AppFolder:       cfg.AppFolder,
		WriteManifest:   cfg.WriteManifest,
		StatsInterval:   time.Duration(cfg.StatsIntervalSeconds) * time.Second,
		CaptureInterval: time.Duration(cfg.CaptureIntervalMs) * time.Millisecond,
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	opts.Audit = auditLog

	var uploader *archive.Uploader
	settings := archiveSettings(cfg)
	provider, err := archive.New(ctx, settings)
	settings.SecretKey.Wipe()
	settings.ConnectionString.Wipe()
	switch {
	case errors.Is(err, archive.ErrDisabled):
	case err != nil:
		return fmt.Errorf("archive: %w", err)
	default:
		uploader = archive.NewUploader(provider, archive.UploaderOptions{
			Prefix:      cfg.ArchivePrefix,
			Workers:     cfg.ArchiveWorkers,
			DeleteLocal: cfg.ArchiveDeleteLocal,
			Retry:       retryPolicy(cfg),
			Health:      rec.Health(),
			OnUploaded: func(localPath, key string) {
				auditLog.Log(audit.EventSegmentArchived, rec.SessionID(), map[string]any{
					"path":     localPath,
					"key":      key,
					"provider": provider.Name(),
				})
			},
		})
		opts.Archiver = uploader
	}

	if err := rec.Initialize(opts); err != nil {
		drainUploader(uploader)
		return err
	}
	if err := rec.Start(target); err != nil {
		return abortRecording(err, rec, uploader)
	}
	log.Info("recording",
		logging.KeySessionID, rec.SessionID(),
		"target", target.String(),
		"output", rec.OutputPath())
	fmt.Fprintf(os.Stderr, "Recording to %s (Ctrl+C to stop)\n", rec.OutputPath())

	var timeout <-chan time.Time
	if recordFlags.duration > 0 {
		timer := time.NewTimer(recordFlags.duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	stopErr := rec.Stop()
	drainUploader(uploader)

	for _, seg := range rec.Segments() {
		fmt.Printf("%s\t%dx%d\t%d frames\t%s\n", seg.Path, seg.Width, seg.Height, seg.Frames, seg.Duration.Round(time.Millisecond))
	}
	if m := rec.ManifestPath(); m != "" {
		fmt.Printf("manifest: %s\n", m)
	}
	return stopErr
}

// drainUploader waits up to archiveDrainTimeout for queued uploads. A nil
// uploader is a no-op.
func drainUploader(u *archive.Uploader) {
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveDrainTimeout)
	defer cancel()
	u.Close(ctx)
	uploaded, failed, rejected := u.Stats()
	log.Info("archive finished", "uploaded", uploaded, "failed", failed, "rejected", rejected)
}

// abortRecording tears down a recorder whose Start failed and reports both
// the start error and any stop error.
func abortRecording(cause error, rec interface{ Stop() error }, u *archive.Uploader) error {
	stopErr := rec.Stop()
	drainUploader(u)
	if stopErr != nil {
		return errors.Join(cause, fmt.Errorf("stop: %w", stopErr))
	}
	return cause
}

// openAudit returns nil when auditing is disabled; the nil logger is a no-op.
func openAudit(cfg *config.Config) (*audit.Logger, error) {
	if !cfg.AuditEnabled {
		return nil, nil
	}
	dir := cfg.AuditDir
	if dir == "" {
		dir = config.ConfigDir()
	}
	l, err := audit.NewLogger(dir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return l, nil
}
