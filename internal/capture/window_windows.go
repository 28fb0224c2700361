//go:build windows

package capture

import (
	"fmt"
	"image"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procGetClientRect     = user32.NewProc("GetClientRect")
	procClientToScreen    = user32.NewProc("ClientToScreen")
	procMonitorFromWindow = user32.NewProc("MonitorFromWindow")
	procGetWindowTextW    = user32.NewProc("GetWindowTextW")
)

const monitorDefaultToNearest = 2

type point struct {
	X, Y int32
}

// clientRect returns the window's client area in screen coordinates.
func clientRect(hwnd windows.HWND) (image.Rectangle, error) {
	if !windows.IsWindow(hwnd) {
		return image.Rectangle{}, fmt.Errorf("%w: window 0x%x no longer exists", ErrTargetNotFound, uintptr(hwnd))
	}
	var rc windows.Rect
	if ret, _, err := procGetClientRect.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&rc))); ret == 0 {
		return image.Rectangle{}, fmt.Errorf("GetClientRect: %w", err)
	}
	pt := point{X: rc.Left, Y: rc.Top}
	if ret, _, err := procClientToScreen.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&pt))); ret == 0 {
		return image.Rectangle{}, fmt.Errorf("ClientToScreen: %w", err)
	}
	return image.Rect(int(pt.X), int(pt.Y), int(pt.X+rc.Right-rc.Left), int(pt.Y+rc.Bottom-rc.Top)), nil
}

// windowRectOnOutput returns the client area relative to an output whose
// desktop origin is origin.
func windowRectOnOutput(handle uintptr, origin image.Point) (image.Rectangle, error) {
	r, err := clientRect(windows.HWND(handle))
	if err != nil {
		return image.Rectangle{}, err
	}
	return r.Sub(origin), nil
}

func windowTitle(hwnd windows.HWND) string {
	buf := make([]uint16, 256)
	n, _, _ := procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return syscall.UTF16ToString(buf[:n])
}

func (b *DXGIBackend) ResolveWindow(dev Device, handle uintptr) (Item, error) {
	d, err := asD3D(dev)
	if err != nil {
		return Item{}, err
	}
	hwnd := windows.HWND(handle)
	rect, err := clientRect(hwnd)
	if err != nil {
		return Item{}, err
	}

	hmon, _, _ := procMonitorFromWindow.Call(uintptr(hwnd), monitorDefaultToNearest)
	descs, err := d.outputs()
	if err != nil && len(descs) == 0 {
		return Item{}, err
	}
	for i, desc := range descs {
		if desc.Monitor != hmon {
			continue
		}
		origin := image.Pt(int(desc.Left), int(desc.Top))
		return Item{
			Kind:   TargetWindow,
			Width:  rect.Dx(),
			Height: rect.Dy(),
			Handle: handle,
			Output: i,
			Origin: rect.Min.Sub(origin),
			Name:   windowTitle(hwnd),
		}, nil
	}
	return Item{}, fmt.Errorf("%w: window 0x%x is not on an output of the default adapter", ErrTargetNotFound, handle)
}

// ListWindows enumerates visible, titled top-level windows.
func (b *DXGIBackend) ListWindows() ([]WindowInfo, error) {
	var list []WindowInfo
	cb := windows.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		if !windows.IsWindowVisible(hwnd) {
			return 1
		}
		title := windowTitle(hwnd)
		if title == "" {
			return 1
		}
		r, err := clientRect(hwnd)
		if err != nil || r.Empty() {
			return 1
		}
		list = append(list, WindowInfo{Handle: uintptr(hwnd), Title: title, Width: r.Dx(), Height: r.Dy()})
		return 1
	})
	if err := windows.EnumWindows(cb, nil); err != nil {
		return list, fmt.Errorf("EnumWindows: %w", err)
	}
	return list, nil
}
