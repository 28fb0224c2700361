package capture

import (
	"fmt"
	"image"
	"sync/atomic"
)

// stagingAlign mimics GPU row alignment so row pitch handling is exercised
// on every backend.
const stagingAlign = 64

// MemorySurface is a BGRA image in system memory.
type MemorySurface struct {
	Pix       []byte
	Stride    int
	w, h      int
	released  atomic.Bool
	onRelease func()
}

// NewMemorySurface allocates a surface with the given row stride. A stride
// below width*4 is raised to width*4.
func NewMemorySurface(width, height, stride int) *MemorySurface {
	if stride < width*4 {
		stride = width * 4
	}
	return &MemorySurface{
		Pix:    make([]byte, stride*height),
		Stride: stride,
		w:      width,
		h:      height,
	}
}

func (s *MemorySurface) Width() int  { return s.w }
func (s *MemorySurface) Height() int { return s.h }

// Release marks the surface released. It is safe to call more than once.
func (s *MemorySurface) Release() {
	if s.released.CompareAndSwap(false, true) && s.onRelease != nil {
		s.onRelease()
	}
}

// Released reports whether Release has been called.
func (s *MemorySurface) Released() bool { return s.released.Load() }

// OnRelease registers a callback run on the first Release.
func (s *MemorySurface) OnRelease(fn func()) { s.onRelease = fn }

// Set writes one BGRA pixel.
func (s *MemorySurface) Set(x, y int, b, g, r, a byte) {
	i := y*s.Stride + x*4
	s.Pix[i], s.Pix[i+1], s.Pix[i+2], s.Pix[i+3] = b, g, r, a
}

// Fill paints the whole surface with one BGRA color.
func (s *MemorySurface) Fill(b, g, r, a byte) {
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			s.Set(x, y, b, g, r, a)
		}
	}
}

// MemoryDevice implements Device on system memory surfaces.
type MemoryDevice struct {
	staged atomic.Int64
}

func NewMemoryDevice() *MemoryDevice { return &MemoryDevice{} }

// Live returns the number of staging surfaces not yet released.
func (d *MemoryDevice) Live() int { return int(d.staged.Load()) }

func (d *MemoryDevice) CreateStaging(width, height int) (Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: staging size %dx%d", ErrSurfaceAccessFailed, width, height)
	}
	stride := (width*4 + stagingAlign - 1) / stagingAlign * stagingAlign
	s := NewMemorySurface(width, height, stride)
	d.staged.Add(1)
	s.OnRelease(func() { d.staged.Add(-1) })
	return s, nil
}

func memSurfaces(dst, src Surface) (*MemorySurface, *MemorySurface, error) {
	d, ok1 := dst.(*MemorySurface)
	s, ok2 := src.(*MemorySurface)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("%w: foreign surface type", ErrSurfaceAccessFailed)
	}
	if d.Released() || s.Released() {
		return nil, nil, fmt.Errorf("%w: surface already released", ErrSurfaceAccessFailed)
	}
	return d, s, nil
}

func (d *MemoryDevice) CopyResource(dst, src Surface) error {
	ds, ss, err := memSurfaces(dst, src)
	if err != nil {
		return err
	}
	if ds.w != ss.w || ds.h != ss.h {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrSurfaceAccessFailed, ss.w, ss.h, ds.w, ds.h)
	}
	row := ss.w * 4
	for y := 0; y < ss.h; y++ {
		copy(ds.Pix[y*ds.Stride:y*ds.Stride+row], ss.Pix[y*ss.Stride:y*ss.Stride+row])
	}
	return nil
}

func (d *MemoryDevice) CopyRegion(dst Surface, dstX, dstY int, src Surface, region image.Rectangle) error {
	ds, ss, err := memSurfaces(dst, src)
	if err != nil {
		return err
	}
	region = region.Intersect(image.Rect(0, 0, ss.w, ss.h))
	target := image.Rect(dstX, dstY, dstX+region.Dx(), dstY+region.Dy())
	if !target.In(image.Rect(0, 0, ds.w, ds.h)) {
		return fmt.Errorf("%w: region %v at (%d,%d) exceeds %dx%d", ErrSurfaceAccessFailed, region, dstX, dstY, ds.w, ds.h)
	}
	row := region.Dx() * 4
	for y := 0; y < region.Dy(); y++ {
		so := (region.Min.Y+y)*ss.Stride + region.Min.X*4
		do := (dstY+y)*ds.Stride + dstX*4
		copy(ds.Pix[do:do+row], ss.Pix[so:so+row])
	}
	return nil
}

func (d *MemoryDevice) Map(s Surface) (Mapped, error) {
	ms, ok := s.(*MemorySurface)
	if !ok || ms.Released() {
		return Mapped{}, fmt.Errorf("%w: cannot map surface", ErrSurfaceAccessFailed)
	}
	return Mapped{Data: ms.Pix, RowPitch: ms.Stride}, nil
}

func (d *MemoryDevice) Unmap(Surface) {}

func (d *MemoryDevice) Close() error { return nil }
