// Package imagemap builds offline views of PE files: each file's headers and
// sections are copied to their RVAs in a private buffer so the pe package can
// read them as if the loader had mapped them. Nothing is relocated, no
// imports are bound and nothing is ever executed.
package imagemap

import (
	"bytes"
	"debug/pe"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// maxImageSize caps SizeOfImage so a hostile header cannot make us allocate
// gigabytes.
const maxImageSize = 1 << 30

// Image is a PE file laid out the way the loader would map it.
type Image struct {
	Name string
	Info PEInfo
	Data []byte
}

var ErrEmptyFile = errors.New("empty file")

// mapFile maps path read-only. The caller unmaps.
func mapFile(path string) (mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	return m, nil
}

// ReadFile returns a copy of the file at path. Use it when the raw bytes are
// needed after the file is laid out, for decryption or Verify.
func ReadFile(path string) ([]byte, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	return bytes.Clone(m), nil
}

// Open lays out the PE file at path straight from a read-only mapping of it.
func Open(path string) (*Image, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	return Map(filepath.Base(path), m)
}

// Map lays out raw, the contents of a PE32+ file, under the module name name.
// The image does not keep raw.
func Map(name string, raw []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := GetPEBasicInfo(f)
	if err != nil {
		return nil, err
	}
	if info.SizeOfImage == 0 || info.SizeOfImage > maxImageSize {
		return nil, fmt.Errorf("implausible SizeOfImage %#x", info.SizeOfImage)
	}

	data, err := CopySections(info, raw)
	if err != nil {
		return nil, err
	}
	return &Image{Name: name, Info: info, Data: data}, nil
}

// CopySections copies the headers and every section's raw data to its RVA
// in a SizeOfImage buffer. Section data beyond VirtualSize is dropped and
// the rest of each section stays zero, like uninitialised data.
func CopySections(info PEInfo, raw []byte) ([]byte, error) {
	fullData := make([]byte, info.SizeOfImage)

	copy(fullData, raw[:min(int(info.SizeOfHeaders), len(raw), len(fullData))])

	for _, section := range info.Sections {
		destAddr := section.VirtualAddress
		if destAddr >= info.SizeOfImage {
			return nil, fmt.Errorf("section %s at %#x lies outside the image", section.Name, destAddr)
		}

		// raw data past the end of the file is treated as absent
		if section.Size == 0 || uint64(section.Offset) >= uint64(len(raw)) {
			continue
		}
		size := section.Size
		if section.VirtualSize != 0 && size > section.VirtualSize {
			size = section.VirtualSize
		}
		sectionData := raw[section.Offset:min(uint64(section.Offset)+uint64(size), uint64(len(raw)))]

		n := copy(fullData[destAddr:], sectionData)
		if n != len(sectionData) {
			return nil, errors.New("section data runs past SizeOfImage")
		}
	}

	return fullData, nil
}
