//go:build windows

package comutil

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

// GUID is the COM GUID layout shared with go-ole.
type GUID = ole.GUID

// IUnknown vtable slots.
const (
	VtblQueryInterface = 0
	VtblAddRef         = 1
	VtblRelease        = 2
)

const (
	sFalse          = 0x00000001
	rpcEChangedMode = 0x80010106
)

// MustGUID parses a registry-format GUID. It panics on malformed input and is
// meant for package-level vars only.
func MustGUID(s string) GUID {
	g := ole.NewGUID(s)
	if g == nil {
		panic("comutil: malformed GUID " + s)
	}
	return *g
}

// VtblFn resolves a COM vtable function pointer by index.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func VtblFn(obj uintptr, idx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// Call invokes a COM vtable method and converts a failing HRESULT into an
// *ole.OleError wrapped with the slot index.
func Call(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	if obj == 0 {
		return 0, fmt.Errorf("COM vtable[%d] on nil interface", vtableIdx)
	}
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(VtblFn(obj, vtableIdx), allArgs...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d] HRESULT 0x%08X: %w", vtableIdx, uint32(ret), ole.NewError(ret))
	}
	return ret, nil
}

// CallRaw invokes a COM vtable method and returns the raw HRESULT. Used where
// specific failure codes drive control flow.
func CallRaw(obj uintptr, vtableIdx int, args ...uintptr) uint32 {
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(VtblFn(obj, vtableIdx), allArgs...)
	return uint32(ret)
}

// Release calls IUnknown::Release. Zero pointers are ignored.
func Release(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(VtblFn(obj, VtblRelease), obj)
	}
}

// QueryInterface returns obj cast to iid. The caller owns the result.
func QueryInterface(obj uintptr, iid *GUID) (uintptr, error) {
	var out uintptr
	if _, err := Call(obj, VtblQueryInterface,
		uintptr(unsafe.Pointer(iid)),
		uintptr(unsafe.Pointer(&out)),
	); err != nil {
		return 0, err
	}
	return out, nil
}

// Apartment pins the calling goroutine to its OS thread and joins the
// multithreaded COM apartment. The returned func undoes both.
func Apartment() (func(), error) {
	runtime.LockOSThread()
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err != nil {
		if oe, ok := err.(*ole.OleError); ok {
			switch uint32(oe.Code()) {
			case sFalse:
				return func() {
					ole.CoUninitialize()
					runtime.UnlockOSThread()
				}, nil
			case rpcEChangedMode:
				// Thread already lives in an STA; usable, but not ours to uninit.
				return runtime.UnlockOSThread, nil
			}
		}
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}
	return func() {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
	}, nil
}

// Pack64 packs two uint32 values into a single uint64 (high << 32 | low), the
// layout Media Foundation uses for frame size and rate attributes.
func Pack64(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}
