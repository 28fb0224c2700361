package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/metrics"
)

// Manifest lists every file written by one session, in order.
type Manifest struct {
	SessionID string            `yaml:"sessionId"`
	Backend   string            `yaml:"backend"`
	Target    string            `yaml:"target"`
	Codec     string            `yaml:"codec"`
	Sink      string            `yaml:"sink"`
	FPS       int               `yaml:"fps"`
	Bitrate   int               `yaml:"bitrate"`
	Started   time.Time         `yaml:"started"`
	Stopped   time.Time         `yaml:"stopped"`
	Segments  []encoder.Segment `yaml:"segments"`
	Stats     metrics.Snapshot  `yaml:"stats"`
	Health    []health.Check    `yaml:"health"`
}

// ManifestPathFor is "<first file without extension>.segments.yaml".
func ManifestPathFor(firstSegment string) string {
	return strings.TrimSuffix(firstSegment, filepath.Ext(firstSegment)) + ".segments.yaml"
}

// writeManifest runs under r.mu after the pipeline is finalized.
func (r *Recorder) writeManifest() (string, error) {
	segs := r.pipeline.Segments()
	if len(segs) == 0 {
		return "", nil
	}
	m := Manifest{
		SessionID: r.sessionID,
		Backend:   r.opts.Backend.Name(),
		Target:    r.target.String(),
		Codec:     r.pipeline.Codec().String(),
		Sink:      r.pipeline.SinkName(),
		FPS:       r.opts.FPS,
		Bitrate:   r.opts.Bitrate,
		Started:   r.started,
		Stopped:   r.stopped,
		Segments:  segs,
		Stats:     r.metrics.Snapshot(),
		Health:    r.health.All(),
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	path := ManifestPathFor(segs[0].Path)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by a previous session.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
