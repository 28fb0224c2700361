// Package capture acquires raw frames from a monitor or a single window and
// converts them into tightly packed BGRA buffers.
package capture

import (
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	ErrDeviceCreationFailed = errors.New("capture: rendering device creation failed")
	ErrTargetNotFound       = errors.New("capture: target not found")
	ErrSurfaceAccessFailed  = errors.New("capture: surface access failed")
	ErrAlreadyActive        = errors.New("capture: already active")
	ErrNotInitialized       = errors.New("capture: source not initialized")
)

// TargetKind discriminates the capture target union.
type TargetKind int

const (
	TargetMonitor TargetKind = iota + 1
	TargetWindow
)

func (k TargetKind) String() string {
	switch k {
	case TargetMonitor:
		return "monitor"
	case TargetWindow:
		return "window"
	default:
		return "unknown"
	}
}

// Target names what to capture: a monitor by 1-based ordinal or a window by
// its native handle.
type Target struct {
	Kind   TargetKind
	Index  int
	Handle uintptr
}

func Monitor(ordinal int) Target { return Target{Kind: TargetMonitor, Index: ordinal} }

func Window(handle uintptr) Target { return Target{Kind: TargetWindow, Handle: handle} }

func (t Target) String() string {
	if t.Kind == TargetWindow {
		return fmt.Sprintf("window:0x%x", t.Handle)
	}
	return fmt.Sprintf("monitor:%d", t.Index)
}

// Item is a resolved capture target with its natural size. Output is the
// backend's output index for the monitor showing the item; Origin is the
// item's top-left corner relative to that output.
type Item struct {
	Kind   TargetKind
	Width  int
	Height int
	Handle uintptr
	Output int
	Origin image.Point
	Name   string
}

// FrameBuffer is a tightly packed BGRA image: len(Data) == Width*Height*4.
type FrameBuffer struct {
	Data   []byte
	Width  int
	Height int
}

// OutputFunc receives each extracted frame. It runs on the source's
// consumer goroutine and owns buf once called.
type OutputFunc func(buf []byte, width, height int)

// MonitorInfo describes an attached display.
type MonitorInfo struct {
	Ordinal int
	Name    string
	Width   int
	Height  int
	X       int
	Y       int
	Primary bool
}

// Surface is a backend-owned image, either a captured frame or a staging copy.
type Surface interface {
	Width() int
	Height() int
	Release()
}

// Mapped is a CPU view of a staging surface. RowPitch may exceed Width*4.
type Mapped struct {
	Data     []byte
	RowPitch int
}

// Device copies captured surfaces into CPU-readable staging surfaces.
type Device interface {
	CreateStaging(width, height int) (Surface, error)
	CopyResource(dst, src Surface) error
	// CopyRegion copies src's region to dst with its top-left at (dstX, dstY).
	CopyRegion(dst Surface, dstX, dstY int, src Surface, region image.Rectangle) error
	Map(s Surface) (Mapped, error)
	Unmap(s Surface)
	Close() error
}

// Frame is one captured surface plus the content size reported for it.
type Frame struct {
	Surface Surface
	Width   int
	Height  int
	Time    time.Time
}

// Stream is a running producer feeding a FramePool.
type Stream interface {
	Close() error
}

// Backend abstracts the platform capture API.
type Backend interface {
	Name() string
	NewDevice() (Device, error)
	Monitors() ([]MonitorInfo, error)
	ResolveMonitor(dev Device, ordinal int) (Item, error)
	ResolveWindow(dev Device, handle uintptr) (Item, error)
	StartStream(dev Device, item Item, pool *FramePool) (Stream, error)
}

// WindowInfo describes a visible top-level window.
type WindowInfo struct {
	Handle uintptr
	Title  string
	Width  int
	Height int
}

// WindowLister is implemented by backends that can enumerate windows.
type WindowLister interface {
	ListWindows() ([]WindowInfo, error)
}
