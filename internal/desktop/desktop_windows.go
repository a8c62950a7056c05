//go:build windows

package desktop

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowTextLengthW     = user32.NewProc("GetWindowTextLengthW")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procEnumWindows              = user32.NewProc("EnumWindows")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procIsWindowVisible          = user32.NewProc("IsWindowVisible")
	procGetWindow                = user32.NewProc("GetWindow")
	procBringWindowToTop         = user32.NewProc("BringWindowToTop")
	procSetForegroundWindow      = user32.NewProc("SetForegroundWindow")
	procSetFocus                 = user32.NewProc("SetFocus")
)

const gwOwner = 4

type system struct{}

// System returns the desktop of the current interactive session.
func System() Desktop { return system{} }

func (system) ForegroundTitle() (string, error) {
	if err := procGetForegroundWindow.Find(); err != nil {
		return "", err
	}
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", nil
	}
	return windowText(hwnd), nil
}

func (system) FocusProcess(pid int) error {
	hwnd := mainWindow(uint32(pid))
	if hwnd == 0 {
		return fmt.Errorf("%w: pid %d", ErrNoWindow, pid)
	}
	procBringWindowToTop.Call(hwnd)
	if ok, _, err := procSetForegroundWindow.Call(hwnd); ok == 0 {
		return fmt.Errorf("set foreground window for pid %d: %w", pid, err)
	}
	procSetFocus.Call(hwnd)
	return nil
}

func windowText(hwnd uintptr) string {
	n, _, _ := procGetWindowTextLengthW.Call(hwnd)
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return windows.UTF16ToString(buf)
}

// The runtime never frees callbacks made by syscall.NewCallback, so the
// EnumWindows callback is created once and reads its query from enumQuery.
var (
	enumMu    sync.Mutex
	enumQuery struct {
		pid   uint32
		found uintptr
	}
	enumWindowsProc = syscall.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		var owner uint32
		procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&owner)))
		if owner != enumQuery.pid {
			return 1
		}
		if vis, _, _ := procIsWindowVisible.Call(hwnd); vis == 0 {
			return 1
		}
		if parent, _, _ := procGetWindow.Call(hwnd, gwOwner); parent != 0 {
			return 1
		}
		enumQuery.found = hwnd
		return 0
	})
)

// mainWindow returns the first visible unowned top-level window of pid.
func mainWindow(pid uint32) uintptr {
	enumMu.Lock()
	defer enumMu.Unlock()
	enumQuery.pid, enumQuery.found = pid, 0
	procEnumWindows.Call(enumWindowsProc, 0)
	return enumQuery.found
}
