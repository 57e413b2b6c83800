//go:build windows && (amd64 || arm64)

package pe

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// Offsets into the 64-bit PEB_LDR_DATA and LDR_DATA_TABLE_ENTRY.
const (
	ldrInLoadOrderModuleList = 0x10
	entryDllBase             = 0x30
	entrySizeOfImage         = 0x40
	entryBaseDllName         = 0x58
	unicodeStringBuffer      = 0x08

	// a corrupt Flink chain must not keep the walk going forever
	maxLoaderEntries = 0x4000
)

// processMemory reads the calling process's own address space. Every range
// is checked with VirtualQuery before it is touched.
type processMemory struct {
	mu     sync.Mutex
	lo, hi uintptr
}

func (m *processMemory) ReadAt(b []byte, addr uint64) error {
	if len(b) == 0 {
		return nil
	}
	start := uintptr(addr)
	end := start + uintptr(len(b))
	if start == 0 || end < start {
		return ErrAddressInvalid
	}

	m.mu.Lock()
	known := start >= m.lo && end <= m.hi
	m.mu.Unlock()
	if !known {
		if err := checkReadable(start, uintptr(len(b))); err != nil {
			return err
		}
		var mbi windows.MemoryBasicInformation
		if windows.VirtualQuery(start, &mbi, unsafe.Sizeof(mbi)) == nil && end <= mbi.BaseAddress+mbi.RegionSize {
			m.mu.Lock()
			m.lo, m.hi = mbi.BaseAddress, mbi.BaseAddress+mbi.RegionSize
			m.mu.Unlock()
		}
	}
	copy(b, unsafe.Slice((*byte)(unsafe.Add(nil, start)), len(b)))
	return nil
}

// loaderList walks PEB->Ldr->InLoadOrderModuleList.
//
// Nothing stops another thread from unloading a module while the walk is on
// it; an entry can then be dangling or half updated. With lock set the walk
// holds the loader lock, which narrows that window.
type loaderList struct {
	mem  Memory
	lock bool
	log  logrus.FieldLogger
}

func readUnicodeString(mem Memory, addr uint64) ([]uint16, error) {
	length, err := readUint[uint16](mem, addr)
	if err != nil {
		return nil, err
	}
	buffer, err := readUint[uint64](mem, addr+unicodeStringBuffer)
	if err != nil {
		return nil, err
	}
	if length == 0 || buffer == 0 {
		return nil, nil
	}
	raw := make([]byte, length&^1)
	if err := mem.ReadAt(raw, buffer); err != nil {
		return nil, err
	}
	name := make([]uint16, len(raw)/2)
	for i := range name {
		name[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return name, nil
}

func (l *loaderList) Walk(fn func(Module) bool) error {
	if l.lock {
		cookie, err := LdrLockLoaderLock()
		if err != nil {
			l.log.WithError(err).Debug("Walking loader list without loader lock")
		} else {
			defer LdrUnlockLoaderLock(cookie)
		}
	}

	peb := windows.RtlGetCurrentPeb()
	if peb == nil || peb.Ldr == nil {
		return fmt.Errorf("%w: no loader data in PEB", ErrAddressInvalid)
	}
	head := uint64(uintptr(unsafe.Pointer(peb.Ldr))) + ldrInLoadOrderModuleList
	link, err := readUint[uint64](l.mem, head)
	if err != nil {
		return err
	}
	for i := 0; link != head; i++ {
		if i >= maxLoaderEntries {
			return fmt.Errorf("loader list longer than %d entries", maxLoaderEntries)
		}
		// InLoadOrderLinks is the first member of the entry
		entry := link
		base, err := readUint[uint64](l.mem, entry+entryDllBase)
		if err != nil {
			return err
		}
		size, err := readUint[uint32](l.mem, entry+entrySizeOfImage)
		if err != nil {
			return err
		}
		name, err := readUnicodeString(l.mem, entry+entryBaseDllName)
		if err != nil {
			l.log.WithError(err).WithField("entry", fmt.Sprintf("%#x", entry)).Debug("Skipping loader entry with unreadable name")
		} else if !fn(Module{Base: base, Size: size, Name: name}) {
			return nil
		}
		if link, err = readUint[uint64](l.mem, entry); err != nil {
			return err
		}
	}
	return nil
}

// Current returns an Inspector over the calling process and its loader
// list.
func Current(opts ...Option) (*Inspector, error) {
	mem := &processMemory{}
	in := New(mem, nil, opts...)
	in.modules = &loaderList{mem: mem, lock: in.loaderLock, log: in.log}
	return in, nil
}
