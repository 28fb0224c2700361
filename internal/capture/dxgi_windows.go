//go:build windows

package capture

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/breeze-rmm/recorder/internal/comutil"
)

const (
	dxgiAdapterEnumOutputs     = 7  // IDXGIAdapter
	dxgiOutputGetDesc          = 7  // IDXGIOutput
	dxgiOutput1DuplicateOutput = 22 // IDXGIOutput1
	dxgiDuplAcquireNextFrame   = 8  // IDXGIOutputDuplication
	dxgiDuplReleaseFrame       = 14 // IDXGIOutputDuplication

	dxgiErrNotFound      = 0x887A0002
	dxgiErrWaitTimeout   = 0x887A0027
	dxgiErrAccessLost    = 0x887A0026
	dxgiErrDeviceRemoved = 0x887A0005
	dxgiErrDeviceReset   = 0x887A0007

	acquireTimeoutMs = 100
)

var iidIDXGIOutput1 = comutil.MustGUID("{00CDDEA8-939B-4B83-A340-A685226666CC}")

// dxgiOutputDesc matches DXGI_OUTPUT_DESC.
type dxgiOutputDesc struct {
	DeviceName        [32]uint16
	Left              int32
	Top               int32
	Right             int32
	Bottom            int32
	AttachedToDesktop int32
	Rotation          uint32
	Monitor           uintptr
}

// dxgiOutDuplFrameInfo matches DXGI_OUTDUPL_FRAME_INFO.
type dxgiOutDuplFrameInfo struct {
	LastPresentTime           int64
	LastMouseUpdateTime       int64
	AccumulatedFrames         uint32
	RectsCoalesced            int32
	ProtectedContentMaskedOut int32
	PointerPositionX          int32
	PointerPositionY          int32
	PointerVisible            int32
	TotalMetadataBufferSize   uint32
	PointerShapeBufferSize    uint32
}

// DXGIBackend captures through DXGI Desktop Duplication on the default
// adapter. Windows are captured by cropping their client area out of the
// duplicated output.
type DXGIBackend struct{}

func NewDXGIBackend() *DXGIBackend { return &DXGIBackend{} }

func (b *DXGIBackend) Name() string { return "dxgi" }

func (b *DXGIBackend) NewDevice() (Device, error) {
	return newD3DDevice()
}

func asD3D(dev Device) (*d3dDevice, error) {
	d, ok := dev.(*d3dDevice)
	if !ok || d.closed.Load() {
		return nil, fmt.Errorf("%w: dxgi backend needs its own device", ErrDeviceCreationFailed)
	}
	return d, nil
}

// output returns the adapter's index-th output. The caller releases it.
func (d *d3dDevice) output(index int) (uintptr, dxgiOutputDesc, error) {
	var out uintptr
	var desc dxgiOutputDesc
	hr := comutil.CallRaw(d.adapter, dxgiAdapterEnumOutputs, uintptr(index), uintptr(unsafe.Pointer(&out)))
	if hr == dxgiErrNotFound {
		return 0, desc, fmt.Errorf("%w: no output %d", ErrTargetNotFound, index)
	}
	if int32(hr) < 0 {
		return 0, desc, fmt.Errorf("IDXGIAdapter::EnumOutputs(%d): 0x%08X", index, hr)
	}
	if hr := comutil.CallRaw(out, dxgiOutputGetDesc, uintptr(unsafe.Pointer(&desc))); int32(hr) < 0 {
		comutil.Release(out)
		return 0, desc, fmt.Errorf("IDXGIOutput::GetDesc(%d): 0x%08X", index, hr)
	}
	return out, desc, nil
}

func (d *d3dDevice) outputs() ([]dxgiOutputDesc, error) {
	var descs []dxgiOutputDesc
	for i := 0; ; i++ {
		out, desc, err := d.output(i)
		if errors.Is(err, ErrTargetNotFound) {
			return descs, nil
		}
		if err != nil {
			return descs, err
		}
		comutil.Release(out)
		descs = append(descs, desc)
	}
}

func (b *DXGIBackend) Monitors() ([]MonitorInfo, error) {
	dev, err := newD3DDevice()
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	descs, err := dev.outputs()
	if err != nil {
		log.Warn("DXGI output enumeration stopped early", "error", err)
	}
	var monitors []MonitorInfo
	for i, desc := range descs {
		if desc.AttachedToDesktop == 0 {
			continue
		}
		monitors = append(monitors, MonitorInfo{
			Ordinal: i + 1,
			Name:    syscall.UTF16ToString(desc.DeviceName[:]),
			Width:   int(desc.Right - desc.Left),
			Height:  int(desc.Bottom - desc.Top),
			X:       int(desc.Left),
			Y:       int(desc.Top),
			Primary: desc.Left == 0 && desc.Top == 0,
		})
	}
	if len(monitors) == 0 {
		return nil, fmt.Errorf("%w: no monitors found", ErrTargetNotFound)
	}
	return monitors, nil
}

func (b *DXGIBackend) ResolveMonitor(dev Device, ordinal int) (Item, error) {
	d, err := asD3D(dev)
	if err != nil {
		return Item{}, err
	}
	if ordinal < 1 {
		return Item{}, fmt.Errorf("%w: monitor %d", ErrTargetNotFound, ordinal)
	}
	out, desc, err := d.output(ordinal - 1)
	if err != nil {
		return Item{}, err
	}
	comutil.Release(out)
	if desc.AttachedToDesktop == 0 {
		return Item{}, fmt.Errorf("%w: monitor %d is not attached to the desktop", ErrTargetNotFound, ordinal)
	}
	return Item{
		Kind:   TargetMonitor,
		Width:  int(desc.Right - desc.Left),
		Height: int(desc.Bottom - desc.Top),
		Output: ordinal - 1,
		Name:   syscall.UTF16ToString(desc.DeviceName[:]),
	}, nil
}

func (b *DXGIBackend) StartStream(dev Device, item Item, pool *FramePool) (Stream, error) {
	d, err := asD3D(dev)
	if err != nil {
		return nil, err
	}
	out, desc, err := d.output(item.Output)
	if err != nil {
		return nil, err
	}
	output1, err := comutil.QueryInterface(out, &iidIDXGIOutput1)
	comutil.Release(out)
	if err != nil {
		return nil, fmt.Errorf("QueryInterface IDXGIOutput1: %w", err)
	}

	st := &duplicationStream{
		dev:     d,
		output1: output1,
		origin:  image.Pt(int(desc.Left), int(desc.Top)),
		item:    item,
		pool:    pool,
		stop:    make(chan struct{}),
	}
	if err := st.duplicate(); err != nil {
		comutil.Release(output1)
		return nil, err
	}

	st.wg.Add(1)
	go st.run()
	return st, nil
}

// duplicationStream is the producer for one output. It owns the
// IDXGIOutputDuplication and pushes one texture per acquired frame.
type duplicationStream struct {
	dev         *d3dDevice
	output1     uintptr
	duplication uintptr
	origin      image.Point // output's desktop coordinates
	item        Item
	pool        *FramePool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (st *duplicationStream) duplicate() error {
	var dupl uintptr
	if _, err := comutil.Call(st.output1, dxgiOutput1DuplicateOutput,
		st.dev.device,
		uintptr(unsafe.Pointer(&dupl)),
	); err != nil {
		return fmt.Errorf("IDXGIOutput1::DuplicateOutput: %w", err)
	}
	st.duplication = dupl
	return nil
}

func (st *duplicationStream) releaseDuplication() {
	comutil.Release(st.duplication)
	st.duplication = 0
}

func (st *duplicationStream) run() {
	defer st.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	failures := 0
	for {
		select {
		case <-st.stop:
			return
		default:
		}

		if st.duplication == 0 {
			if err := st.duplicate(); err != nil {
				failures++
				if failures == 1 || failures%50 == 0 {
					log.Warn("DXGI duplication unavailable", "failures", failures, "error", err)
				}
				time.Sleep(200 * time.Millisecond)
				continue
			}
			failures = 0
		}

		if err := st.acquire(); err != nil {
			log.Debug("DXGI frame dropped", "error", err)
		}
	}
}

// acquire waits up to acquireTimeoutMs for a desktop update and pushes a
// copy of it.
func (st *duplicationStream) acquire() error {
	var info dxgiOutDuplFrameInfo
	var resource uintptr
	hr := comutil.CallRaw(st.duplication, dxgiDuplAcquireNextFrame,
		uintptr(acquireTimeoutMs),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&resource)),
	)
	switch {
	case hr == dxgiErrWaitTimeout:
		return nil
	case hr == dxgiErrAccessLost, hr == dxgiErrDeviceRemoved, hr == dxgiErrDeviceReset:
		// Mode change or desktop switch: the next duplication reports the
		// new size and the source adapts to it.
		log.Info("DXGI access lost, recreating duplication", "hresult", fmt.Sprintf("0x%08X", hr))
		st.releaseDuplication()
		return nil
	case int32(hr) < 0:
		return fmt.Errorf("AcquireNextFrame: 0x%08X", hr)
	}
	defer comutil.CallRaw(st.duplication, dxgiDuplReleaseFrame)

	if info.AccumulatedFrames == 0 {
		comutil.Release(resource)
		return nil
	}

	desktop, err := comutil.QueryInterface(resource, &iidID3D11Texture2D)
	comutil.Release(resource)
	if err != nil {
		return fmt.Errorf("QueryInterface ID3D11Texture2D: %w", err)
	}
	defer comutil.Release(desktop)

	dw, dh := textureSize(desktop)
	region := image.Rect(0, 0, dw, dh)
	// Window mode crops the duplicated desktop, so overlapping windows are
	// captured too.
	if st.item.Kind == TargetWindow {
		rect, err := windowRectOnOutput(st.item.Handle, st.origin)
		if err != nil {
			return err
		}
		region = rect.Intersect(region)
		if region.Empty() {
			return nil
		}
	}

	frame, err := st.dev.createTexture(region.Dx(), region.Dy(), d3d11UsageDefault, 0)
	if err != nil {
		return err
	}
	if region.Min == (image.Point{}) && region.Dx() == dw && region.Dy() == dh {
		st.dev.ctxMu.Lock()
		syscall.SyscallN(comutil.VtblFn(st.dev.context, d3d11CtxCopyResource), st.dev.context, frame.tex, desktop)
		st.dev.ctxMu.Unlock()
	} else {
		st.dev.copyBox(frame.tex, 0, 0, desktop, region)
	}

	st.pool.Push(Frame{Surface: frame, Width: frame.w, Height: frame.h, Time: time.Now()})
	return nil
}

func (st *duplicationStream) Close() error {
	st.once.Do(func() { close(st.stop) })
	st.wg.Wait()
	st.releaseDuplication()
	comutil.Release(st.output1)
	st.output1 = 0
	return nil
}
