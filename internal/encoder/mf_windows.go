//go:build windows

package encoder

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/breeze-rmm/recorder/internal/comutil"
)

const mfSinkName = "mf"

func init() {
	registerSinkFactory(mfSinkName, 10, func(SinkOptions) SinkFactory { return &mfFactory{} })
}

var (
	mfplatDLL      = syscall.NewLazyDLL("mfplat.dll")
	mfreadwriteDLL = syscall.NewLazyDLL("mfreadwrite.dll")

	procMFStartup              = mfplatDLL.NewProc("MFStartup")
	procMFShutdown             = mfplatDLL.NewProc("MFShutdown")
	procMFCreateMediaType      = mfplatDLL.NewProc("MFCreateMediaType")
	procMFCreateAttributes     = mfplatDLL.NewProc("MFCreateAttributes")
	procMFCreateSample         = mfplatDLL.NewProc("MFCreateSample")
	procMFCreateMemoryBuffer   = mfplatDLL.NewProc("MFCreateMemoryBuffer")
	procMFCreateSinkWriterFrom = mfreadwriteDLL.NewProc("MFCreateSinkWriterFromURL")
)

const (
	mfVersion     = 0x00020070
	mfStartupFull = 0

	mfVideoInterlaceProgressive = 2

	// D3DFMT_X8R8G8B8, the FOURCC-less value behind MFVideoFormat_RGB32.
	mfRGB32FourCC = 22
)

// IMFAttributes, IMFSample, IMFMediaBuffer and IMFSinkWriter slots.
const (
	vtblSetUINT32 = 21
	vtblSetUINT64 = 22
	vtblSetGUID   = 24

	vtblSetSampleTime     = 36
	vtblSetSampleDuration = 38
	vtblAddBuffer         = 42

	vtblBufLock             = 3
	vtblBufUnlock           = 4
	vtblBufSetCurrentLength = 6

	vtblSWAddStream         = 3
	vtblSWSetInputMediaType = 4
	vtblSWBeginWriting      = 5
	vtblSWWriteSample       = 6
	vtblSWFinalize          = 11
)

var (
	mfMediaTypeVideo  = mfSubtype(0x73646976)
	mfMTMajorType     = comutil.MustGUID("{48EBA18E-F8C9-4687-BF11-0A74C9F96A8F}")
	mfMTSubtype       = comutil.MustGUID("{F7E34C9A-42E8-4714-B74B-CB29D72C35E5}")
	mfMTAvgBitrate    = comutil.MustGUID("{20332624-FB0D-4D9E-BD0D-CBF6786C102E}")
	mfMTInterlaceMode = comutil.MustGUID("{E2724BB8-E676-4806-B4B2-A8D6EFB44CCD}")
	mfMTFrameSize     = comutil.MustGUID("{1652C33D-D6B2-4012-B834-72030849A37D}")
	mfMTFrameRate     = comutil.MustGUID("{C459A2E8-3D2C-4E44-B132-FEE5156C7BB0}")
	mfMTPixelAspect   = comutil.MustGUID("{C6376A1E-8D0A-4027-BE45-6D9A0AD39BB6}")
	mfMTDefaultStride = comutil.MustGUID("{644B4E48-1E02-4516-B0EB-C01CA9D49AC6}")

	mfReadWriteEnableHardwareTransforms = comutil.MustGUID("{A634A91C-822B-41B9-A494-4DE4643612B0}")
)

// mfSubtype builds a Media Foundation format GUID from a FOURCC or D3DFMT
// value: {XXXXXXXX-0000-0010-8000-00AA00389B71}.
func mfSubtype(fourcc uint32) comutil.GUID {
	return comutil.GUID{
		Data1: fourcc,
		Data2: 0x0000,
		Data3: 0x0010,
		Data4: [8]byte{0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71},
	}
}

func fourCC(s string) uint32 {
	if len(s) != 4 {
		return 0
	}
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// mfFactory writes MP4 through the Media Foundation sink writer, which picks
// a hardware encoder MFT when one is registered.
type mfFactory struct {
	once  sync.Once
	avail bool
}

func (f *mfFactory) Name() string { return mfSinkName }

func (f *mfFactory) Available() bool {
	f.once.Do(func() {
		f.avail = procMFStartup.Find() == nil && procMFCreateSinkWriterFrom.Find() == nil
	})
	return f.avail
}

func (f *mfFactory) Supports(c Codec) bool {
	return c == CodecH264 || c == CodecH265
}

func (f *mfFactory) Extension(Codec) string { return ".mp4" }

func (f *mfFactory) Open(path string, sf StreamFormat) (Sink, error) {
	if !f.Supports(sf.Codec) {
		return nil, fmt.Errorf("%w: media foundation does not encode %s", ErrSinkUnavailable, sf.Codec)
	}
	s := &mfSink{
		reqs: make(chan mfRequest),
		done: make(chan struct{}),
		w:    sf.Width,
		h:    sf.Height,
		// The H.264 and HEVC encoders reject odd frame sizes.
		encW: sf.Width + sf.Width&1,
		encH: sf.Height + sf.Height&1,
	}
	ready := make(chan error, 1)
	go s.run(path, sf, ready)
	if err := <-ready; err != nil {
		<-s.done
		return nil, err
	}
	return s, nil
}

type mfRequest struct {
	sample   *Sample
	finalize bool
	result   chan error
}

// mfSink owns its COM objects on one goroutine pinned to an MTA thread.
// WriteSample and Finalize hand work to it over reqs.
type mfSink struct {
	reqs   chan mfRequest
	done   chan struct{}
	closed bool

	w, h       int
	encW, encH int

	writer uintptr
	stream uint32
}

func (s *mfSink) run(path string, sf StreamFormat, ready chan<- error) {
	defer close(s.done)

	undo, err := comutil.Apartment()
	if err != nil {
		ready <- err
		return
	}
	defer undo()

	if hr, _, _ := procMFStartup.Call(mfVersion, mfStartupFull); int32(hr) < 0 {
		ready <- fmt.Errorf("MFStartup failed: 0x%08X", uint32(hr))
		return
	}
	defer procMFShutdown.Call()

	if err := s.open(path, sf); err != nil {
		comutil.Release(s.writer)
		ready <- fmt.Errorf("%w: %v", ErrEncoderConfigurationFailed, err)
		return
	}
	defer comutil.Release(s.writer)
	ready <- nil

	for req := range s.reqs {
		if req.finalize {
			_, err := comutil.Call(s.writer, vtblSWFinalize)
			req.result <- err
			return
		}
		req.result <- s.write(req.sample)
	}
}

func (s *mfSink) open(path string, sf StreamFormat) error {
	var attrs uintptr
	if hr, _, _ := procMFCreateAttributes.Call(uintptr(unsafe.Pointer(&attrs)), 1); int32(hr) < 0 {
		return fmt.Errorf("MFCreateAttributes: 0x%08X", uint32(hr))
	}
	defer comutil.Release(attrs)
	if _, err := comutil.Call(attrs, vtblSetUINT32, uintptr(unsafe.Pointer(&mfReadWriteEnableHardwareTransforms)), 1); err != nil {
		return fmt.Errorf("enable hardware transforms: %w", err)
	}

	url, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	if hr, _, _ := procMFCreateSinkWriterFrom.Call(
		uintptr(unsafe.Pointer(url)),
		0,
		attrs,
		uintptr(unsafe.Pointer(&s.writer)),
	); int32(hr) < 0 {
		return fmt.Errorf("MFCreateSinkWriterFromURL: 0x%08X", uint32(hr))
	}

	fm, err := FormatFor(sf.Codec)
	if err != nil {
		return err
	}
	outSubtype := mfSubtype(fourCC(fm.FourCC))
	out, err := s.mediaType(&outSubtype, sf)
	if err != nil {
		return fmt.Errorf("output type: %w", err)
	}
	defer comutil.Release(out)
	if _, err := comutil.Call(out, vtblSetUINT32, uintptr(unsafe.Pointer(&mfMTAvgBitrate)), uintptr(uint32(sf.Bitrate))); err != nil {
		return fmt.Errorf("bitrate: %w", err)
	}
	if _, err := comutil.Call(s.writer, vtblSWAddStream, out, uintptr(unsafe.Pointer(&s.stream))); err != nil {
		return fmt.Errorf("AddStream: %w", err)
	}

	inSubtype := mfSubtype(mfRGB32FourCC)
	in, err := s.mediaType(&inSubtype, sf)
	if err != nil {
		return fmt.Errorf("input type: %w", err)
	}
	defer comutil.Release(in)
	stride := uint32(s.encW * 4)
	if _, err := comutil.Call(in, vtblSetUINT32, uintptr(unsafe.Pointer(&mfMTDefaultStride)), uintptr(stride)); err != nil {
		return fmt.Errorf("stride: %w", err)
	}
	if _, err := comutil.Call(s.writer, vtblSWSetInputMediaType, uintptr(s.stream), in, 0); err != nil {
		return fmt.Errorf("SetInputMediaType: %w", err)
	}
	if _, err := comutil.Call(s.writer, vtblSWBeginWriting); err != nil {
		return fmt.Errorf("BeginWriting: %w", err)
	}
	return nil
}

func (s *mfSink) mediaType(subtype *comutil.GUID, sf StreamFormat) (uintptr, error) {
	var mt uintptr
	if hr, _, _ := procMFCreateMediaType.Call(uintptr(unsafe.Pointer(&mt))); int32(hr) < 0 {
		return 0, fmt.Errorf("MFCreateMediaType: 0x%08X", uint32(hr))
	}
	set := []struct {
		slot int
		key  *comutil.GUID
		val  uintptr
	}{
		{vtblSetGUID, &mfMTMajorType, uintptr(unsafe.Pointer(&mfMediaTypeVideo))},
		{vtblSetGUID, &mfMTSubtype, uintptr(unsafe.Pointer(subtype))},
		{vtblSetUINT32, &mfMTInterlaceMode, mfVideoInterlaceProgressive},
		{vtblSetUINT64, &mfMTFrameSize, uintptr(comutil.Pack64(uint32(s.encW), uint32(s.encH)))},
		{vtblSetUINT64, &mfMTFrameRate, uintptr(comutil.Pack64(uint32(sf.FPS), 1))},
		{vtblSetUINT64, &mfMTPixelAspect, uintptr(comutil.Pack64(1, 1))},
	}
	for _, a := range set {
		if _, err := comutil.Call(mt, a.slot, uintptr(unsafe.Pointer(a.key)), a.val); err != nil {
			comutil.Release(mt)
			return 0, err
		}
	}
	return mt, nil
}

func (s *mfSink) write(sample *Sample) error {
	size := s.encW * s.encH * 4
	var buf uintptr
	if hr, _, _ := procMFCreateMemoryBuffer.Call(uintptr(uint32(size)), uintptr(unsafe.Pointer(&buf))); int32(hr) < 0 {
		return fmt.Errorf("MFCreateMemoryBuffer: 0x%08X", uint32(hr))
	}
	defer comutil.Release(buf)

	var data uintptr
	if _, err := comutil.Call(buf, vtblBufLock, uintptr(unsafe.Pointer(&data)), 0, 0); err != nil {
		return fmt.Errorf("buffer Lock: %w", err)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(data)), size)
	src := sample.Data
	rowIn, rowOut := s.w*4, s.encW*4
	for y := 0; y < s.encH; y++ {
		row := dst[y*rowOut : (y+1)*rowOut]
		if y < s.h && (y+1)*rowIn <= len(src) {
			n := copy(row, src[y*rowIn:(y+1)*rowIn])
			clear(row[n:])
		} else {
			clear(row)
		}
	}
	comutil.Call(buf, vtblBufUnlock)
	comutil.Call(buf, vtblBufSetCurrentLength, uintptr(uint32(size)))

	var ms uintptr
	if hr, _, _ := procMFCreateSample.Call(uintptr(unsafe.Pointer(&ms))); int32(hr) < 0 {
		return fmt.Errorf("MFCreateSample: 0x%08X", uint32(hr))
	}
	defer comutil.Release(ms)
	if _, err := comutil.Call(ms, vtblAddBuffer, buf); err != nil {
		return fmt.Errorf("AddBuffer: %w", err)
	}
	if _, err := comutil.Call(ms, vtblSetSampleTime, uintptr(sample.Time)); err != nil {
		return fmt.Errorf("SetSampleTime: %w", err)
	}
	if _, err := comutil.Call(ms, vtblSetSampleDuration, uintptr(sample.Duration)); err != nil {
		return fmt.Errorf("SetSampleDuration: %w", err)
	}
	if _, err := comutil.Call(s.writer, vtblSWWriteSample, uintptr(s.stream), ms); err != nil {
		return fmt.Errorf("WriteSample: %w", err)
	}
	return nil
}

func (s *mfSink) WriteSample(sample Sample) error {
	if s.closed {
		return errors.New("media foundation sink finalized")
	}
	result := make(chan error, 1)
	s.reqs <- mfRequest{sample: &sample, result: result}
	return <-result
}

func (s *mfSink) Finalize() error {
	if s.closed {
		return nil
	}
	s.closed = true
	result := make(chan error, 1)
	s.reqs <- mfRequest{finalize: true, result: result}
	err := <-result
	close(s.reqs)
	<-s.done
	return err
}
