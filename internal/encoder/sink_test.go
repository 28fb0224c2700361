package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestParseCodec(t *testing.T) {
	cases := map[string]Codec{"h264": CodecH264, "H265": CodecH265, "hevc": CodecH265, " vp9 ": CodecVP9, "MJPEG": CodecMJPEG}
	for in, want := range cases {
		got, err := ParseCodec(in)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCodec("theora"); !errors.Is(err, ErrInvalidCodec) {
		t.Fatalf("expected ErrInvalidCodec, got %v", err)
	}
}

func TestCodecsSorted(t *testing.T) {
	got := Codecs()
	if len(got) != 6 || !slices.IsSorted(got) {
		t.Fatalf("Codecs = %v", got)
	}
}

func TestSelectSinkExplicit(t *testing.T) {
	f, c, err := SelectSink(fakeSinkName, CodecH265, SinkOptions{})
	if err != nil || f.Name() != fakeSinkName || c != CodecH265 {
		t.Fatalf("got %v %v %v", f, c, err)
	}
	if _, _, err := SelectSink(fakeSinkName, CodecVP9, SinkOptions{}); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("unsupported codec: %v", err)
	}
	if _, _, err := SelectSink("gstreamer", CodecH264, SinkOptions{}); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("unknown sink: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "no-ffmpeg")
	if _, _, err := SelectSink(ffmpegSinkName, CodecH264, SinkOptions{FFmpegPath: missing}); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("missing ffmpeg: %v", err)
	}
}

func TestSelectSinkAutoFallsBackToMJPEG(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-ffmpeg")
	f, c, err := SelectSink("auto", CodecAV1, SinkOptions{FFmpegPath: missing})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != mjpegSinkName || c != CodecMJPEG {
		t.Fatalf("auto picked %s/%s", f.Name(), c)
	}
}

func TestSinkNamesOrder(t *testing.T) {
	names := SinkNames()
	ff := slices.Index(names, ffmpegSinkName)
	mj := slices.Index(names, mjpegSinkName)
	if ff < 0 || mj < 0 || ff > mj {
		t.Fatalf("SinkNames = %v", names)
	}
}

func TestFFmpegArgs(t *testing.T) {
	args, err := ffmpegArgs("out.mp4", StreamFormat{Codec: CodecH264, Width: 1921, Height: 1080, FPS: 60, Bitrate: 8_000_000})
	if err != nil {
		t.Fatal(err)
	}
	line := strings.Join(args, " ")
	for _, want := range []string{"-pix_fmt bgra", "-s 1921x1080", "-r 60", "-c:v libx264", "-b:v 8000000", "pad=ceil(iw/2)*2:ceil(ih/2)*2", "-pix_fmt yuv420p"} {
		if !strings.Contains(line, want) {
			t.Errorf("args missing %q: %s", want, line)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("output not last: %v", args)
	}

	args, _ = ffmpegArgs("out.avi", StreamFormat{Codec: CodecMJPEG, Width: 64, Height: 64, FPS: 30, Bitrate: 1_000_000})
	if strings.Contains(strings.Join(args, " "), "yuv420p") {
		t.Fatalf("mjpeg should keep encoder pixel format: %v", args)
	}
}

func TestBGRAToRGBA(t *testing.T) {
	src := []byte{1, 2, 3, 0, 10, 20, 30, 0}
	dst := make([]byte, 8)
	bgraToRGBA(dst, src)
	want := []byte{3, 2, 1, 255, 30, 20, 10, 255}
	if !bytes.Equal(dst, want) {
		t.Fatalf("got %v", dst)
	}
}

func TestJPEGQualityBounds(t *testing.T) {
	low := jpegQuality(StreamFormat{Width: 3840, Height: 2160, FPS: 240, Bitrate: 100_000})
	high := jpegQuality(StreamFormat{Width: 16, Height: 16, FPS: 1, Bitrate: 200_000_000})
	if low != 30 || high != 95 {
		t.Fatalf("low=%d high=%d", low, high)
	}

	// 1080p60 at 8 Mbps sits inside the clamp and rises with bitrate.
	mid := jpegQuality(StreamFormat{Width: 1920, Height: 1080, FPS: 60, Bitrate: 8_000_000})
	more := jpegQuality(StreamFormat{Width: 1920, Height: 1080, FPS: 60, Bitrate: 16_000_000})
	if mid <= 30 || mid >= 95 || more <= mid {
		t.Fatalf("mid=%d more=%d", mid, more)
	}
	if q := jpegQuality(StreamFormat{}); q != 75 {
		t.Fatalf("zero format quality = %d", q)
	}
}

// TestMJPEGRoundTrip writes a short AVI and checks the main header.
func TestMJPEGRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(Options{
		OutputDir: dir,
		Width:     32,
		Height:    16,
		FPS:       20,
		Bitrate:   1_000_000,
		Sink:      mjpegSinkName,
		Now:       fixedClock(),
	})
	if err := p.Initialize(CodecMJPEG); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		buf := frame(32, 16)
		for j := range buf {
			buf[j] = byte(i * 40)
		}
		if err := p.ProcessFrame(buf, 32, 16); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p.OutputPath())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(p.OutputPath()) != ".avi" {
		t.Fatalf("extension: %s", p.OutputPath())
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		t.Fatalf("not an AVI: %q", data[:12])
	}
	i := bytes.Index(data, []byte("avih"))
	if i < 0 {
		t.Fatal("avih chunk missing")
	}
	hdr := data[i+8:]
	le := binary.LittleEndian
	if got := le.Uint32(hdr[0:]); got != 50000 {
		t.Errorf("µs per frame = %d", got)
	}
	if got := le.Uint32(hdr[16:]); got != 3 {
		t.Errorf("total frames = %d", got)
	}
	if w, h := le.Uint32(hdr[32:]), le.Uint32(hdr[36:]); w != 32 || h != 16 {
		t.Errorf("size = %dx%d", w, h)
	}
	segs := p.Segments()
	if len(segs) != 1 || segs[0].Frames != 3 || segs[0].Bytes != int64(len(data)) {
		t.Fatalf("segments = %+v", segs)
	}
}
