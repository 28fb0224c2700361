package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Monitor int `mapstructure:"monitor"`
	// Width and Height of the first file; 0 adopts the captured item's size.
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
	FPS     int    `mapstructure:"fps"`
	Bitrate int    `mapstructure:"bitrate"`
	Codec   string `mapstructure:"codec"`

	// Sink selects the encoder backend: auto, mf, ffmpeg or mjpeg.
	Sink       string `mapstructure:"sink"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`

	OutputDir string `mapstructure:"output_dir"`
	AppFolder string `mapstructure:"app_folder"`

	CaptureIntervalMs    int  `mapstructure:"capture_interval_ms"`
	StatsIntervalSeconds int  `mapstructure:"stats_interval_seconds"`
	WriteManifest        bool `mapstructure:"write_manifest"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	ArchiveProvider         string `mapstructure:"archive_provider"`
	ArchiveBucket           string `mapstructure:"archive_bucket"`
	ArchivePrefix           string `mapstructure:"archive_prefix"`
	ArchiveRegion           string `mapstructure:"archive_region"`
	ArchiveEndpoint         string `mapstructure:"archive_endpoint"`
	ArchiveAccessKey        string `mapstructure:"archive_access_key"`
	ArchiveSecretKey        string `mapstructure:"archive_secret_key"`
	ArchiveCredentialsFile  string `mapstructure:"archive_credentials_file"`
	ArchiveConnectionString string `mapstructure:"archive_connection_string"`
	ArchivePath             string `mapstructure:"archive_path"`
	ArchiveWorkers          int    `mapstructure:"archive_workers"`
	ArchiveDeleteLocal      bool   `mapstructure:"archive_delete_local"`
	ArchiveMaxRetries       int    `mapstructure:"archive_max_retries"`

	// AuditEnabled appends session events to a hash-chained audit.jsonl
	// under AuditDir (the config directory when empty).
	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditDir        string `mapstructure:"audit_dir"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		Monitor:              1,
		FPS:                  60,
		Bitrate:              8_000_000,
		Codec:                "h264",
		Sink:                 "auto",
		AppFolder:            "BreezeRecorder",
		CaptureIntervalMs:    0,
		StatsIntervalSeconds: 30,
		WriteManifest:        true,
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         20,
		LogMaxBackups:        3,
		ArchiveWorkers:       2,
		ArchiveMaxRetries:    3,
		AuditEnabled:         true,
		AuditMaxSizeMB:       50,
		AuditMaxBackups:      3,
	}
}

// keys lists every setting with its default so viper can bind the matching
// BREEZE_RECORDER_* environment variable.
func keys(cfg *Config) map[string]any {
	return map[string]any{
		"monitor":                   cfg.Monitor,
		"width":                     cfg.Width,
		"height":                    cfg.Height,
		"fps":                       cfg.FPS,
		"bitrate":                   cfg.Bitrate,
		"codec":                     cfg.Codec,
		"sink":                      cfg.Sink,
		"ffmpeg_path":               cfg.FFmpegPath,
		"output_dir":                cfg.OutputDir,
		"app_folder":                cfg.AppFolder,
		"capture_interval_ms":       cfg.CaptureIntervalMs,
		"stats_interval_seconds":    cfg.StatsIntervalSeconds,
		"write_manifest":            cfg.WriteManifest,
		"log_level":                 cfg.LogLevel,
		"log_format":                cfg.LogFormat,
		"log_file":                  cfg.LogFile,
		"log_max_size_mb":           cfg.LogMaxSizeMB,
		"log_max_backups":           cfg.LogMaxBackups,
		"archive_provider":          cfg.ArchiveProvider,
		"archive_bucket":            cfg.ArchiveBucket,
		"archive_prefix":            cfg.ArchivePrefix,
		"archive_region":            cfg.ArchiveRegion,
		"archive_endpoint":          cfg.ArchiveEndpoint,
		"archive_access_key":        cfg.ArchiveAccessKey,
		"archive_secret_key":        cfg.ArchiveSecretKey,
		"archive_credentials_file":  cfg.ArchiveCredentialsFile,
		"archive_connection_string": cfg.ArchiveConnectionString,
		"archive_path":              cfg.ArchivePath,
		"archive_workers":           cfg.ArchiveWorkers,
		"archive_delete_local":      cfg.ArchiveDeleteLocal,
		"archive_max_retries":       cfg.ArchiveMaxRetries,
		"audit_enabled":             cfg.AuditEnabled,
		"audit_dir":                 cfg.AuditDir,
		"audit_max_size_mb":         cfg.AuditMaxSizeMB,
		"audit_max_backups":         cfg.AuditMaxBackups,
	}
}

// Map returns the settings keyed as they appear in recorder.yaml.
func (c *Config) Map() map[string]any {
	return keys(c)
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	for k, def := range keys(cfg) {
		v.SetDefault(k, def)
	}
	v.SetEnvPrefix("BREEZE_RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads recorder.yaml from cfgFile, or from the user config directory
// and the working directory when cfgFile is empty. A missing file is not an
// error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for k, val := range keys(cfg) {
		v.Set(k, val)
	}

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(ConfigDir(), "recorder.yaml")
		if err := os.MkdirAll(ConfigDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Archive credentials may live in the file.
	return os.Chmod(cfgPath, 0600)
}

// ConfigDir is the per-user directory searched for recorder.yaml.
func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "BreezeRecorder")
}
