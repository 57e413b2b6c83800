//go:build windows && (amd64 || arm64)

package pe

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	ntdllDLL                = windows.NewLazySystemDLL("ntdll.dll")
	ldrLockLoaderLockProc   = ntdllDLL.NewProc("LdrLockLoaderLock")
	ldrUnlockLoaderLockProc = ntdllDLL.NewProc("LdrUnlockLoaderLock")
)

// LdrLockLoaderLock acquires the loader lock, waiting for it if needed, and
// returns the cookie LdrUnlockLoaderLock wants back.
func LdrLockLoaderLock() (uintptr, error) {
	// Resolve both procs first: resolving needs the loader lock itself.
	if err := ldrLockLoaderLockProc.Find(); err != nil {
		return 0, err
	}
	if err := ldrUnlockLoaderLockProc.Find(); err != nil {
		return 0, err
	}
	var cookie uintptr
	r1, _, _ := ldrLockLoaderLockProc.Call(0, 0, uintptr(unsafe.Pointer(&cookie)))
	if r1 != 0 {
		return 0, windows.NTStatus(r1)
	}
	return cookie, nil
}

func LdrUnlockLoaderLock(cookie uintptr) error {
	r1, _, _ := ldrUnlockLoaderLockProc.Call(0, cookie)
	if r1 != 0 {
		return windows.NTStatus(r1)
	}
	return nil
}

// checkReadable verifies that [addr, addr+size) is committed memory the
// process may read.
func checkReadable(addr, size uintptr) error {
	end := addr + size
	if end < addr {
		return ErrAddressInvalid
	}
	for addr < end {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return ErrAddressInvalid
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect == 0 ||
			mbi.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return ErrAddressInvalid
		}
		addr = mbi.BaseAddress + mbi.RegionSize
	}
	return nil
}
