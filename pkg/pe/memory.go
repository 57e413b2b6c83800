package pe

import (
	"bytes"
	"encoding/binary"
	"sort"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Memory is a read-only view of an address space. ReadAt fills b with the
// bytes at addr or fails with ErrAddressInvalid; it never reads past the
// backing storage.
type Memory interface {
	ReadAt(b []byte, addr uint64) error
}

// Buffer is a Memory backed by a byte slice that pretends to live at Base.
type Buffer struct {
	Base uint64
	Data []byte
}

func (b *Buffer) contains(addr uint64, size int) bool {
	if addr < b.Base {
		return false
	}
	off := addr - b.Base
	return off <= uint64(len(b.Data)) && uint64(size) <= uint64(len(b.Data))-off
}

func (b *Buffer) ReadAt(p []byte, addr uint64) error {
	if !b.contains(addr, len(p)) {
		return ErrAddressInvalid
	}
	copy(p, b.Data[addr-b.Base:])
	return nil
}

// Regions is a Memory made of several non-overlapping buffers.
type Regions []*Buffer

// Add inserts buf keeping the regions sorted by base.
func (r *Regions) Add(buf *Buffer) {
	*r = append(*r, buf)
	sort.Slice(*r, func(i, j int) bool { return (*r)[i].Base < (*r)[j].Base })
}

func (r Regions) ReadAt(p []byte, addr uint64) error {
	i := sort.Search(len(r), func(i int) bool { return r[i].Base > addr })
	if i == 0 {
		return ErrAddressInvalid
	}
	return r[i-1].ReadAt(p, addr)
}

func readUint[T constraints.Unsigned](mem Memory, addr uint64) (T, error) {
	var v T
	var buf [8]byte
	size := unsafe.Sizeof(v)
	if err := mem.ReadAt(buf[:size], addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return T(buf[0]), nil
	case 2:
		return T(binary.LittleEndian.Uint16(buf[:])), nil
	case 4:
		return T(binary.LittleEndian.Uint32(buf[:])), nil
	default:
		return T(binary.LittleEndian.Uint64(buf[:])), nil
	}
}

// readCString reads a NUL-terminated string starting at addr, never looking
// at more than limit bytes. A string without a terminator inside that window is
// rejected.
func readCString(mem Memory, addr uint64, limit uint64) (string, error) {
	var data []byte
	var buf [0x10]byte
	for begin := addr; begin-addr < limit; {
		chunk := buf[:min(uint64(len(buf)), limit-(begin-addr))]
		if err := mem.ReadAt(chunk, begin); err != nil {
			// the end of a mapping may fall inside a chunk
			chunk = chunk[:1]
			if err := mem.ReadAt(chunk, begin); err != nil {
				return "", err
			}
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(data, chunk[:i]...)), nil
		}
		data = append(data, chunk...)
		begin += uint64(len(chunk))
	}
	return "", ErrAddressInvalid
}
