// Package encoder turns BGRA frames into a compressed video file through a
// pluggable sink: Media Foundation on Windows, an ffmpeg process, or a pure-Go
// Motion-JPEG AVI writer.
package encoder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Codec string

const (
	CodecH264  Codec = "h264"
	CodecH265  Codec = "h265"
	CodecVP8   Codec = "vp8"
	CodecVP9   Codec = "vp9"
	CodecAV1   Codec = "av1"
	CodecMJPEG Codec = "mjpeg"
)

var (
	ErrInvalidCodec               = errors.New("invalid codec")
	ErrEncoderConfigurationFailed = errors.New("encoder: configuration failed")
	ErrEncodeWriteFailed          = errors.New("encoder: sample write failed")
	ErrNotInitialized             = errors.New("encoder: not initialized")
	ErrClosed                     = errors.New("encoder: finalized")
	ErrSinkUnavailable            = errors.New("encoder: sink unavailable")
)

// Format describes how a codec is carried by each sink backend.
type Format struct {
	Codec Codec
	// FourCC is the Media Foundation video subtype tag (MFVideoFormat_*).
	FourCC string
	// FFmpegEncoder is the ffmpeg -c:v value.
	FFmpegEncoder string
	// Extension is the default container extension, including the dot.
	Extension string
}

var formats = map[Codec]Format{
	CodecH264:  {Codec: CodecH264, FourCC: "H264", FFmpegEncoder: "libx264", Extension: ".mp4"},
	CodecH265:  {Codec: CodecH265, FourCC: "HEVC", FFmpegEncoder: "libx265", Extension: ".mp4"},
	CodecVP8:   {Codec: CodecVP8, FourCC: "VP80", FFmpegEncoder: "libvpx", Extension: ".mp4"},
	CodecVP9:   {Codec: CodecVP9, FourCC: "VP90", FFmpegEncoder: "libvpx-vp9", Extension: ".mp4"},
	CodecAV1:   {Codec: CodecAV1, FourCC: "AV01", FFmpegEncoder: "libaom-av1", Extension: ".mp4"},
	CodecMJPEG: {Codec: CodecMJPEG, FourCC: "MJPG", FFmpegEncoder: "mjpeg", Extension: ".avi"},
}

// ParseCodec accepts codec names case-insensitively, including "hevc".
func ParseCodec(s string) (Codec, error) {
	c := Codec(strings.ToLower(strings.TrimSpace(s)))
	if c == "hevc" {
		c = CodecH265
	}
	if _, ok := formats[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
	}
	return c, nil
}

// FormatFor looks up the codec table.
func FormatFor(c Codec) (Format, error) {
	f, ok := formats[c]
	if !ok {
		return Format{}, fmt.Errorf("%w: %q", ErrInvalidCodec, c)
	}
	return f, nil
}

// Codecs lists every codec in the table.
func Codecs() []Codec {
	out := make([]Codec, 0, len(formats))
	for c := range formats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Codec) String() string { return string(c) }
