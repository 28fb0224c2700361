package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

const ffmpegSinkName = "ffmpeg"

func init() {
	registerSinkFactory(ffmpegSinkName, 50, func(o SinkOptions) SinkFactory {
		path := o.FFmpegPath
		if path == "" {
			path = "ffmpeg"
		}
		return &ffmpegFactory{binary: path}
	})
}

// ffmpegFactory pipes raw BGRA frames into an ffmpeg child process.
type ffmpegFactory struct {
	binary string

	once     sync.Once
	resolved string
}

func (f *ffmpegFactory) Name() string { return ffmpegSinkName }

func (f *ffmpegFactory) lookPath() string {
	f.once.Do(func() {
		if p, err := exec.LookPath(f.binary); err == nil {
			f.resolved = p
		}
	})
	return f.resolved
}

func (f *ffmpegFactory) Available() bool { return f.lookPath() != "" }

func (f *ffmpegFactory) Supports(c Codec) bool {
	_, ok := formats[c]
	return ok
}

func (f *ffmpegFactory) Extension(c Codec) string {
	if fm, ok := formats[c]; ok {
		return fm.Extension
	}
	return ".mp4"
}

// ffmpegArgs builds the ffmpeg command line for one output file.
func ffmpegArgs(path string, f StreamFormat) ([]string, error) {
	fm, err := FormatFor(f.Codec)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-r", strconv.Itoa(f.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", fm.FFmpegEncoder,
		"-b:v", strconv.Itoa(f.Bitrate),
	}
	if f.Codec != CodecMJPEG {
		// yuv420p needs even dimensions.
		args = append(args, "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2", "-pix_fmt", "yuv420p")
	}
	if fm.Extension == ".mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, path), nil
}

func (f *ffmpegFactory) Open(path string, sf StreamFormat) (Sink, error) {
	bin := f.lookPath()
	if bin == "" {
		return nil, fmt.Errorf("%w: %s not found", ErrSinkUnavailable, f.binary)
	}
	args, err := ffmpegArgs(path, sf)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	s := &ffmpegSink{cmd: cmd, stdin: stdin, frameSize: sf.Width * sf.Height * 4}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Debug("ffmpeg started", "pid", cmd.Process.Pid, "path", path, "codec", string(sf.Codec))
	return s, nil
}

type ffmpegSink struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    lockedBuffer
	frameSize int
	done      bool
}

func (s *ffmpegSink) WriteSample(sample Sample) error {
	if s.done {
		return errors.New("ffmpeg sink finalized")
	}
	if len(sample.Data) < s.frameSize {
		return fmt.Errorf("short frame: %d < %d bytes", len(sample.Data), s.frameSize)
	}
	if _, err := s.stdin.Write(sample.Data[:s.frameSize]); err != nil {
		return fmt.Errorf("write to ffmpeg: %w%s", err, s.tail())
	}
	return nil
}

func (s *ffmpegSink) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true
	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w%s", err, s.tail())
	}
	return closeErr
}

func (s *ffmpegSink) tail() string {
	const max = 512
	b := bytes.TrimSpace(s.stderr.snapshot())
	if len(b) == 0 {
		return ""
	}
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return ": " + string(b)
}

// lockedBuffer collects ffmpeg stderr, written from the exec copy goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
