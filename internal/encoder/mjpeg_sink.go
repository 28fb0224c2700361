package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/icza/mjpeg"
)

const mjpegSinkName = "mjpeg"

func init() {
	registerSinkFactory(mjpegSinkName, 100, func(SinkOptions) SinkFactory { return mjpegFactory{} })
}

// mjpegFactory writes Motion-JPEG AVI files in pure Go. It is always
// available and backs "auto" when no hardware or ffmpeg encoder is present.
type mjpegFactory struct{}

func (mjpegFactory) Name() string           { return mjpegSinkName }
func (mjpegFactory) Available() bool        { return true }
func (mjpegFactory) Supports(c Codec) bool  { return c == CodecMJPEG }
func (mjpegFactory) Extension(Codec) string { return formats[CodecMJPEG].Extension }

func (mjpegFactory) Open(path string, f StreamFormat) (Sink, error) {
	if f.Width <= 0 || f.Height <= 0 || f.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream %dx%d@%d", f.Width, f.Height, f.FPS)
	}
	w, err := mjpeg.New(path, int32(f.Width), int32(f.Height), int32(f.FPS))
	if err != nil {
		return nil, fmt.Errorf("create avi: %w", err)
	}
	return &mjpegSink{
		aw:      w,
		quality: jpegQuality(f),
		rgba:    image.NewRGBA(image.Rect(0, 0, f.Width, f.Height)),
	}, nil
}

type mjpegSink struct {
	aw      mjpeg.AviWriter
	quality int
	rgba    *image.RGBA
	buf     bytes.Buffer
}

func (s *mjpegSink) WriteSample(sample Sample) error {
	b := s.rgba.Bounds()
	if sample.Width != b.Dx() || sample.Height != b.Dy() {
		return fmt.Errorf("frame %dx%d does not match stream %dx%d", sample.Width, sample.Height, b.Dx(), b.Dy())
	}
	bgraToRGBA(s.rgba.Pix, sample.Data)

	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, s.rgba, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}
	return s.aw.AddFrame(s.buf.Bytes())
}

func (s *mjpegSink) Finalize() error {
	if s.aw == nil {
		return errors.New("mjpeg sink already finalized")
	}
	err := s.aw.Close()
	s.aw = nil
	return err
}

func bgraToRGBA(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i+3 < n; i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = 0xff
	}
}

// jpegQuality maps the target bitrate to a JPEG quality by bits per pixel.
func jpegQuality(f StreamFormat) int {
	px := f.Width * f.Height * f.FPS
	if px <= 0 {
		return 75
	}
	bpp := float64(f.Bitrate) / float64(px)
	q := 20 + int(bpp*400)
	if q < 30 {
		q = 30
	}
	if q > 95 {
		q = 95
	}
	return q
}
