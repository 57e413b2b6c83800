package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
)

const (
	imageDosSignature       = 0x5A4D     // MZ
	imageNtSignature        = 0x00004550 // PE\0\0
	imageNtOptionalHdr64    = 0x020B
	dosLfanewOffset         = 0x3C
	fileHeaderSize          = 20
	sectionHeaderSize       = 40
	sizeOfImageOffset       = 56
	optionalHeader64MaxSize = 240
)

// imageHeaders is a validated view of the headers of a mapped image.
type imageHeaders struct {
	base uint64
	nt   uint64
	file dpe.FileHeader
	opt  dpe.OptionalHeader64
}

func (h *imageHeaders) optionalHeader() uint64 {
	return h.nt + 4 + fileHeaderSize
}

func (h *imageHeaders) firstSection() uint64 {
	return h.optionalHeader() + uint64(h.file.SizeOfOptionalHeader)
}

// directory returns the data directory entry at index, or a zero entry if
// the image declares fewer directories.
func (h *imageHeaders) directory(index int) dpe.DataDirectory {
	if uint32(index) >= h.opt.NumberOfRvaAndSizes || index >= len(h.opt.DataDirectory) {
		return dpe.DataDirectory{}
	}
	return h.opt.DataDirectory[index]
}

func ntHeadersAddr(mem Memory, base uint64) (uint64, error) {
	lfanew, err := readUint[uint32](mem, base+dosLfanewOffset)
	if err != nil {
		return 0, err
	}
	if int32(lfanew) < 0 {
		return 0, ErrInvalidImage
	}
	return base + uint64(lfanew), nil
}

// readHeaders walks the DOS header, the NT signature and the optional header
// magic in that order and stops at the first check that fails.
func readHeaders(mem Memory, base uint64) (*imageHeaders, error) {
	if base == 0 {
		return nil, ErrInvalidImage
	}
	magic, err := readUint[uint16](mem, base)
	if err != nil || magic != imageDosSignature {
		return nil, fmt.Errorf("%w: bad dos signature at %#x", ErrInvalidImage, base)
	}
	nt, err := ntHeadersAddr(mem, base)
	if err != nil {
		return nil, fmt.Errorf("%w: bad e_lfanew at %#x", ErrInvalidImage, base)
	}
	sig, err := readUint[uint32](mem, nt)
	if err != nil || sig != imageNtSignature {
		return nil, fmt.Errorf("%w: bad nt signature at %#x", ErrInvalidImage, nt)
	}
	h := &imageHeaders{base: base, nt: nt}
	optMagic, err := readUint[uint16](mem, h.optionalHeader())
	if err != nil || optMagic != imageNtOptionalHdr64 {
		return nil, fmt.Errorf("%w: optional header magic %#x is not PE32+", ErrInvalidImage, optMagic)
	}

	var raw [fileHeaderSize]byte
	if err := mem.ReadAt(raw[:], nt+4); err != nil {
		return nil, fmt.Errorf("%w: file header: %v", ErrInvalidImage, err)
	}
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &h.file); err != nil {
		return nil, fmt.Errorf("%w: file header: %v", ErrInvalidImage, err)
	}

	// Short optional headers are legal; anything past SizeOfOptionalHeader
	// stays zero.
	size := min(int(h.file.SizeOfOptionalHeader), optionalHeader64MaxSize)
	if size < sizeOfImageOffset+4 {
		return nil, fmt.Errorf("%w: optional header too small (%d)", ErrInvalidImage, size)
	}
	opt := make([]byte, optionalHeader64MaxSize)
	if err := mem.ReadAt(opt[:size], h.optionalHeader()); err != nil {
		return nil, fmt.Errorf("%w: optional header: %v", ErrInvalidImage, err)
	}
	if err := binary.Read(bytes.NewReader(opt), binary.LittleEndian, &h.opt); err != nil {
		return nil, fmt.Errorf("%w: optional header: %v", ErrInvalidImage, err)
	}
	return h, nil
}

// ValidateImage reports whether base holds a plausible PE32+ image and
// returns its declared SizeOfImage.
func ValidateImage(mem Memory, base uint64) (uint32, error) {
	h, err := readHeaders(mem, base)
	if err != nil {
		return 0, err
	}
	return h.opt.SizeOfImage, nil
}

// GetModuleSize reads SizeOfImage from an image the caller already
// validated. Unreadable memory yields 0.
func GetModuleSize(mem Memory, base uint64) uint32 {
	nt, err := ntHeadersAddr(mem, base)
	if err != nil {
		return 0
	}
	size, err := readUint[uint32](mem, nt+4+fileHeaderSize+sizeOfImageOffset)
	if err != nil {
		return 0
	}
	return size
}
