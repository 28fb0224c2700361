//go:build windows

package capture

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/recorder/internal/comutil"
)

var (
	d3d11DLL = windows.NewLazySystemDLL("d3d11.dll")

	procD3D11CreateDevice = d3d11DLL.NewProc("D3D11CreateDevice")
)

// D3D11/DXGI constants
const (
	d3dDriverTypeHardware = 1
	d3dFeatureLevel11_0   = 0xb000
	d3d11SDKVersion       = 7

	d3d11CreateDeviceBGRASupport = 0x20

	d3d11UsageDefault  = 0
	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11MapRead       = 1
	dxgiFormatB8G8R8A8 = 87

	// ID3D11Device
	d3d11DeviceCreateTexture2D = 5
	// ID3D11DeviceContext
	d3d11CtxMap                   = 14
	d3d11CtxUnmap                 = 15
	d3d11CtxCopySubresourceRegion = 46
	d3d11CtxCopyResource          = 47
	// ID3D11Texture2D
	d3d11TextureGetDesc = 10
	// IDXGIDevice
	dxgiDeviceGetAdapter = 7
)

var (
	iidIDXGIDevice     = comutil.MustGUID("{54EC77FA-1377-44E6-8C32-88FD5F44C84C}")
	iidID3D11Texture2D = comutil.MustGUID("{6F15AAF2-D208-4E89-9AB4-489535D34F9C}")
)

// d3d11Texture2DDesc matches D3D11_TEXTURE2D_DESC (44 bytes).
type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// d3d11MappedSubresource matches D3D11_MAPPED_SUBRESOURCE.
type d3d11MappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

// d3d11Box matches D3D11_BOX.
type d3d11Box struct {
	Left, Top, Front, Right, Bottom, Back uint32
}

// d3dTexture wraps an ID3D11Texture2D.
type d3dTexture struct {
	tex      uintptr
	w, h     int
	released atomic.Bool
}

func (t *d3dTexture) Width() int  { return t.w }
func (t *d3dTexture) Height() int { return t.h }

func (t *d3dTexture) Release() {
	if t.released.CompareAndSwap(false, true) {
		comutil.Release(t.tex)
	}
}

// d3dDevice is an ID3D11Device plus its immediate context. The immediate
// context is not thread safe; ctxMu guards every call on it, including the
// ones made by the duplication producer.
type d3dDevice struct {
	device  uintptr
	context uintptr
	adapter uintptr // IDXGIAdapter

	ctxMu  sync.Mutex
	closed atomic.Bool
}

func newD3DDevice() (*d3dDevice, error) {
	var device, context uintptr
	featureLevel := uint32(d3dFeatureLevel11_0)
	var actualLevel uint32

	hr, _, _ := procD3D11CreateDevice.Call(
		0,                                      // pAdapter (NULL = default)
		uintptr(d3dDriverTypeHardware),         // DriverType
		0,                                      // Software
		uintptr(d3d11CreateDeviceBGRASupport),  // Flags
		uintptr(unsafe.Pointer(&featureLevel)), // pFeatureLevels
		1,                                      // FeatureLevels count
		uintptr(d3d11SDKVersion),               // SDKVersion
		uintptr(unsafe.Pointer(&device)),       // ppDevice
		uintptr(unsafe.Pointer(&actualLevel)),  // pFeatureLevel
		uintptr(unsafe.Pointer(&context)),      // ppImmediateContext
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("D3D11CreateDevice failed: 0x%08X", uint32(hr))
	}

	dxgiDevice, err := comutil.QueryInterface(device, &iidIDXGIDevice)
	if err != nil {
		comutil.Release(context)
		comutil.Release(device)
		return nil, fmt.Errorf("QueryInterface IDXGIDevice: %w", err)
	}
	defer comutil.Release(dxgiDevice)

	var adapter uintptr
	if _, err := comutil.Call(dxgiDevice, dxgiDeviceGetAdapter, uintptr(unsafe.Pointer(&adapter))); err != nil {
		comutil.Release(context)
		comutil.Release(device)
		return nil, fmt.Errorf("IDXGIDevice::GetAdapter: %w", err)
	}

	return &d3dDevice{device: device, context: context, adapter: adapter}, nil
}

func (d *d3dDevice) createTexture(width, height int, usage, cpuAccess uint32) (*d3dTexture, error) {
	desc := d3d11Texture2DDesc{
		Width:          uint32(width),
		Height:         uint32(height),
		MipLevels:      1,
		ArraySize:      1,
		Format:         dxgiFormatB8G8R8A8,
		SampleCount:    1,
		Usage:          usage,
		CPUAccessFlags: cpuAccess,
	}
	var tex uintptr
	if _, err := comutil.Call(d.device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&desc)),
		0, // pInitialData
		uintptr(unsafe.Pointer(&tex)),
	); err != nil {
		return nil, fmt.Errorf("CreateTexture2D %dx%d: %w", width, height, err)
	}
	return &d3dTexture{tex: tex, w: width, h: height}, nil
}

func (d *d3dDevice) CreateStaging(width, height int) (Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("staging size %dx%d", width, height)
	}
	return d.createTexture(width, height, d3d11UsageStaging, d3d11CPUAccessRead)
}

func textures(dst, src Surface) (*d3dTexture, *d3dTexture, error) {
	dt, ok1 := dst.(*d3dTexture)
	st, ok2 := src.(*d3dTexture)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("foreign surface type")
	}
	if dt.released.Load() || st.released.Load() {
		return nil, nil, fmt.Errorf("surface already released")
	}
	return dt, st, nil
}

// CopyResource returns void in D3D11; size mismatches are rejected here
// because the runtime silently ignores them.
func (d *d3dDevice) CopyResource(dst, src Surface) error {
	dt, st, err := textures(dst, src)
	if err != nil {
		return err
	}
	if dt.w != st.w || dt.h != st.h {
		return fmt.Errorf("copy %dx%d into %dx%d", st.w, st.h, dt.w, dt.h)
	}
	d.ctxMu.Lock()
	syscall.SyscallN(comutil.VtblFn(d.context, d3d11CtxCopyResource), d.context, dt.tex, st.tex)
	d.ctxMu.Unlock()
	return nil
}

func (d *d3dDevice) CopyRegion(dst Surface, dstX, dstY int, src Surface, region image.Rectangle) error {
	dt, st, err := textures(dst, src)
	if err != nil {
		return err
	}
	d.copyBox(dt.tex, dstX, dstY, st.tex, region)
	return nil
}

func (d *d3dDevice) copyBox(dst uintptr, dstX, dstY int, src uintptr, region image.Rectangle) {
	box := d3d11Box{
		Left:   uint32(region.Min.X),
		Top:    uint32(region.Min.Y),
		Front:  0,
		Right:  uint32(region.Max.X),
		Bottom: uint32(region.Max.Y),
		Back:   1,
	}
	d.ctxMu.Lock()
	syscall.SyscallN(comutil.VtblFn(d.context, d3d11CtxCopySubresourceRegion),
		d.context,
		dst, 0, // DstSubresource
		uintptr(dstX), uintptr(dstY), 0,
		src, 0, // SrcSubresource
		uintptr(unsafe.Pointer(&box)),
	)
	d.ctxMu.Unlock()
}

func (d *d3dDevice) Map(s Surface) (Mapped, error) {
	t, ok := s.(*d3dTexture)
	if !ok || t.released.Load() {
		return Mapped{}, fmt.Errorf("cannot map surface")
	}
	var mapped d3d11MappedSubresource
	d.ctxMu.Lock()
	hr, _, _ := syscall.SyscallN(comutil.VtblFn(d.context, d3d11CtxMap),
		d.context,
		t.tex,
		0, // Subresource
		d3d11MapRead,
		0, // Flags
		uintptr(unsafe.Pointer(&mapped)),
	)
	d.ctxMu.Unlock()
	if int32(hr) < 0 {
		return Mapped{}, fmt.Errorf("Map staging texture: 0x%08X", uint32(hr))
	}
	pitch := int(mapped.RowPitch)
	n := pitch*(t.h-1) + t.w*4
	data := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), n)
	return Mapped{Data: data, RowPitch: pitch}, nil
}

func (d *d3dDevice) Unmap(s Surface) {
	t, ok := s.(*d3dTexture)
	if !ok {
		return
	}
	d.ctxMu.Lock()
	syscall.SyscallN(comutil.VtblFn(d.context, d3d11CtxUnmap), d.context, t.tex, 0)
	d.ctxMu.Unlock()
}

func (d *d3dDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	comutil.Release(d.adapter)
	comutil.Release(d.context)
	comutil.Release(d.device)
	return nil
}

// textureSize reads the dimensions of an ID3D11Texture2D.
func textureSize(tex uintptr) (int, int) {
	var desc d3d11Texture2DDesc
	syscall.SyscallN(comutil.VtblFn(tex, d3d11TextureGetDesc), tex, uintptr(unsafe.Pointer(&desc)))
	return int(desc.Width), int(desc.Height)
}
