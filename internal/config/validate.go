package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var knownCodecs = map[string]bool{
	"h264":  true,
	"h265":  true,
	"hevc":  true,
	"vp8":   true,
	"vp9":   true,
	"av1":   true,
	"mjpeg": true,
}

var knownSinks = map[string]bool{
	"auto":   true,
	"mf":     true,
	"ffmpeg": true,
	"mjpeg":  true,
}

var knownArchiveProviders = map[string]bool{
	"":      true,
	"none":  true,
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop the recorder from
// values that were clamped or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// Validate checks the config and returns all errors found. Out-of-range
// numbers are clamped in place.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

func clampInt(name string, v *int, lo, hi int, warn *[]error) {
	if *v < lo {
		*warn = append(*warn, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warn = append(*warn, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if !knownCodecs[strings.ToLower(c.Codec)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("codec %q is not supported (use h264, h265, vp8, vp9, av1, mjpeg)", c.Codec))
	}
	if !knownSinks[strings.ToLower(c.Sink)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("sink %q is not valid (use auto, mf, ffmpeg, mjpeg)", c.Sink))
	}

	provider := strings.ToLower(c.ArchiveProvider)
	if !knownArchiveProviders[provider] {
		r.Fatals = append(r.Fatals, fmt.Errorf("archive_provider %q is not valid (use local, s3, gcs, azure, b2)", c.ArchiveProvider))
	} else {
		switch provider {
		case "s3", "gcs", "b2":
			if c.ArchiveBucket == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive_bucket is required for archive_provider %q", provider))
			}
		case "azure":
			if c.ArchiveBucket == "" || c.ArchiveConnectionString == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive_bucket and archive_connection_string are required for azure"))
			}
		case "local":
			if c.ArchivePath == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive_path is required for archive_provider local"))
			}
		}
	}

	if c.Monitor < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("monitor %d is below minimum 1, clamping", c.Monitor))
		c.Monitor = 1
	}
	// 0x0 adopts the captured item's size.
	if c.Width <= 0 || c.Height <= 0 {
		if c.Width != 0 || c.Height != 0 {
			r.Warnings = append(r.Warnings, fmt.Errorf("width/height %dx%d is incomplete, using the capture size", c.Width, c.Height))
		}
		c.Width, c.Height = 0, 0
	} else {
		clampInt("width", &c.Width, 16, 16384, &r.Warnings)
		clampInt("height", &c.Height, 16, 16384, &r.Warnings)
	}
	clampInt("fps", &c.FPS, 1, 240, &r.Warnings)
	clampInt("bitrate", &c.Bitrate, 100_000, 200_000_000, &r.Warnings)
	clampInt("capture_interval_ms", &c.CaptureIntervalMs, 0, 1000, &r.Warnings)
	clampInt("stats_interval_seconds", &c.StatsIntervalSeconds, 0, 3600, &r.Warnings)
	clampInt("archive_workers", &c.ArchiveWorkers, 1, 16, &r.Warnings)
	clampInt("archive_max_retries", &c.ArchiveMaxRetries, 0, 10, &r.Warnings)
	clampInt("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024, &r.Warnings)
	clampInt("log_max_backups", &c.LogMaxBackups, 1, 100, &r.Warnings)
	clampInt("audit_max_size_mb", &c.AuditMaxSizeMB, 1, 1024, &r.Warnings)
	clampInt("audit_max_backups", &c.AuditMaxBackups, 1, 100, &r.Warnings)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.AppFolder == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("app_folder is empty, using BreezeRecorder"))
		c.AppFolder = "BreezeRecorder"
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}
