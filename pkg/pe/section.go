package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
)

const sectionNameSize = 8

// Section is one entry of an image's section table.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
}

// sectionName trims a raw section name at its first NUL. A name that fills
// all eight bytes has no terminator.
func sectionName(raw [sectionNameSize]uint8) string {
	if i := bytes.IndexByte(raw[:], 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw[:])
}

func (in *Inspector) readSection(h *imageHeaders, i uint16) (dpe.SectionHeader32, error) {
	var raw [sectionHeaderSize]byte
	var sh dpe.SectionHeader32
	if err := in.mem.ReadAt(raw[:], h.firstSection()+uint64(i)*sectionHeaderSize); err != nil {
		return sh, err
	}
	err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &sh)
	return sh, err
}

// Sections returns the section table of a validated image.
func (in *Inspector) Sections(base uint64) ([]Section, error) {
	h, err := readHeaders(in.mem, base)
	if err != nil {
		return nil, err
	}
	sections := make([]Section, 0, h.file.NumberOfSections)
	for i := uint16(0); i < h.file.NumberOfSections; i++ {
		sh, err := in.readSection(h, i)
		if err != nil {
			return sections, fmt.Errorf("section %d: %w", i, err)
		}
		sections = append(sections, Section{
			Name:           sectionName(sh.Name),
			VirtualAddress: sh.VirtualAddress,
			VirtualSize:    sh.VirtualSize,
		})
	}
	return sections, nil
}

// FindSection returns the first section called name. Names are at most
// eight bytes and are compared up to the stored name's first NUL.
func (in *Inspector) FindSection(base uint64, name string) (Section, error) {
	if len(name) > sectionNameSize {
		return Section{}, ErrSectionNotFound
	}
	h, err := readHeaders(in.mem, base)
	if err != nil {
		return Section{}, err
	}
	for i := uint16(0); i < h.file.NumberOfSections; i++ {
		sh, err := in.readSection(h, i)
		if err != nil {
			return Section{}, fmt.Errorf("%w: section %d: %v", ErrSectionNotFound, i, err)
		}
		if sectionName(sh.Name) == name {
			return Section{Name: name, VirtualAddress: sh.VirtualAddress, VirtualSize: sh.VirtualSize}, nil
		}
	}
	return Section{}, ErrSectionNotFound
}

// GetSectionRva returns a section's RVA and virtual size, or (0, 0).
func (in *Inspector) GetSectionRva(base uint64, name string) (uint32, uint32) {
	s, err := in.FindSection(base, name)
	if err != nil {
		return 0, 0
	}
	return s.VirtualAddress, s.VirtualSize
}

// GetSectionAddress returns a section's absolute address and virtual size,
// or (0, 0).
func (in *Inspector) GetSectionAddress(base uint64, name string) (uint64, uint32) {
	rva, size := in.GetSectionRva(base, name)
	if rva == 0 {
		return 0, 0
	}
	return base + uint64(rva), size
}
