// Package petest builds small PE32+ images for tests. The images use the
// same layout on disk and in memory (every section's file offset equals its
// RVA), so the bytes can be fed to a file parser or read as a mapped module.
package petest

import (
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	Align           = 0x1000
	NTOffset        = 0x80
	FileHeaderSize  = 20
	OptHeaderOffset = NTOffset + 4 + FileHeaderSize
	OptHeaderSize   = 240
	SectionTable    = OptHeaderOffset + OptHeaderSize
	SectionHdrSize  = 40
	TextRVA         = Align
	SizeOfImageOff  = OptHeaderOffset + 56
)

type section struct {
	name [8]byte
	size uint32
	data []byte
}

type export struct {
	name    string
	ordinal uint16
	rva     uint32
	forward string
}

// Builder assembles an image. The zero value is not usable; call New.
type Builder struct {
	name        string
	ordinalBase uint32
	sections    []section
	exports     []export
}

// New starts an image whose export directory carries name. Every image gets
// a 0x1000 byte ".text" section at TextRVA.
func New(name string) *Builder {
	b := &Builder{name: name, ordinalBase: 1}
	return b.Section(".text", Align, nil)
}

// Section appends a section. Names longer than eight bytes are truncated and
// an eight byte name is stored without a terminator.
func (b *Builder) Section(name string, size uint32, data []byte) *Builder {
	var s section
	copy(s.name[:], name)
	s.size = max(size, uint32(len(data)))
	s.data = data
	b.sections = append(b.sections, s)
	return b
}

// OrdinalBase sets the export directory's Base field.
func (b *Builder) OrdinalBase(base uint32) *Builder {
	b.ordinalBase = base
	return b
}

// Export adds an export at ordinal pointing to rva. An empty name makes it
// ordinal-only.
func (b *Builder) Export(name string, ordinal uint16, rva uint32) *Builder {
	b.exports = append(b.exports, export{name: name, ordinal: ordinal, rva: rva})
	return b
}

// Forward adds an export whose function entry is the forward string target.
func (b *Builder) Forward(name string, ordinal uint16, target string) *Builder {
	b.exports = append(b.exports, export{name: name, ordinal: ordinal, forward: target})
	return b
}

func alignUp(v uint32) uint32 {
	return (v + Align - 1) &^ (Align - 1)
}

// exportData lays out the export directory for an .edata section at rva.
func (b *Builder) exportData(rva uint32) []byte {
	var maxOrdinal uint32
	for _, e := range b.exports {
		if uint32(e.ordinal) < b.ordinalBase {
			panic(fmt.Sprintf("petest: ordinal %d below base %d", e.ordinal, b.ordinalBase))
		}
		maxOrdinal = max(maxOrdinal, uint32(e.ordinal))
	}
	nFuncs := maxOrdinal - b.ordinalBase + 1

	var named []export
	for _, e := range b.exports {
		if e.name != "" {
			named = append(named, e)
		}
	}
	sort.Slice(named, func(i, j int) bool { return named[i].name < named[j].name })

	funcsOff := uint32(40)
	namesOff := funcsOff + nFuncs*4
	ordsOff := namesOff + uint32(len(named))*4
	strOff := ordsOff + uint32(len(named))*2

	data := make([]byte, strOff)
	addString := func(s string) uint32 {
		at := rva + uint32(len(data))
		data = append(data, s...)
		data = append(data, 0)
		return at
	}

	// addString may move data, so each string is appended before its RVA
	// is written
	le := binary.LittleEndian
	nameRva := addString(b.name)
	le.PutUint32(data[12:], nameRva)
	le.PutUint32(data[16:], b.ordinalBase)
	le.PutUint32(data[20:], nFuncs)
	le.PutUint32(data[24:], uint32(len(named)))
	le.PutUint32(data[28:], rva+funcsOff)
	le.PutUint32(data[32:], rva+namesOff)
	le.PutUint32(data[36:], rva+ordsOff)

	for _, e := range b.exports {
		target := e.rva
		if e.forward != "" {
			target = addString(e.forward)
		}
		le.PutUint32(data[funcsOff+(uint32(e.ordinal)-b.ordinalBase)*4:], target)
	}
	for i, e := range named {
		at := addString(e.name)
		le.PutUint32(data[namesOff+uint32(i)*4:], at)
		le.PutUint16(data[ordsOff+uint32(i)*2:], uint16(uint32(e.ordinal)-b.ordinalBase))
	}
	return data
}

// Build returns the image bytes.
func (b *Builder) Build() []byte {
	sections := append([]section(nil), b.sections...)
	rva := uint32(Align)
	vas := make([]uint32, 0, len(sections)+1)
	for _, s := range sections {
		vas = append(vas, rva)
		rva += alignUp(max(s.size, 1))
	}

	var exportDir dpe.DataDirectory
	if len(b.exports) > 0 {
		data := b.exportData(rva)
		exportDir = dpe.DataDirectory{VirtualAddress: rva, Size: uint32(len(data))}
		var s section
		copy(s.name[:], ".edata")
		s.size, s.data = uint32(len(data)), data
		sections = append(sections, s)
		vas = append(vas, rva)
		rva += alignUp(s.size)
	}
	sizeOfImage := rva

	img := make([]byte, sizeOfImage)
	le := binary.LittleEndian
	le.PutUint16(img[0:], 0x5A4D)
	le.PutUint32(img[0x3C:], NTOffset)
	le.PutUint32(img[NTOffset:], 0x00004550)

	fh := img[NTOffset+4:]
	le.PutUint16(fh[0:], dpe.IMAGE_FILE_MACHINE_AMD64)
	le.PutUint16(fh[2:], uint16(len(sections)))
	le.PutUint16(fh[16:], OptHeaderSize)
	le.PutUint16(fh[18:], dpe.IMAGE_FILE_EXECUTABLE_IMAGE|dpe.IMAGE_FILE_LARGE_ADDRESS_AWARE|dpe.IMAGE_FILE_DLL)

	oh := img[OptHeaderOffset:]
	le.PutUint16(oh[0:], 0x020B)
	le.PutUint64(oh[24:], 0x180000000)
	le.PutUint32(oh[32:], Align)
	le.PutUint32(oh[36:], Align)
	le.PutUint32(oh[56:], sizeOfImage)
	le.PutUint32(oh[60:], Align)
	le.PutUint32(oh[108:], 16)
	le.PutUint32(oh[112:], exportDir.VirtualAddress)
	le.PutUint32(oh[116:], exportDir.Size)

	for i, s := range sections {
		sh := img[SectionTable+i*SectionHdrSize:]
		copy(sh[0:8], s.name[:])
		le.PutUint32(sh[8:], s.size)
		le.PutUint32(sh[12:], vas[i])
		le.PutUint32(sh[16:], alignUp(max(s.size, 1)))
		le.PutUint32(sh[20:], vas[i])
		le.PutUint32(sh[36:], 0x40000040)
		copy(img[vas[i]:], s.data)
	}
	return img
}
