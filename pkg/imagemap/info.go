package imagemap

import (
	"debug/pe"
	"errors"
)

var ErrNot64Bit = errors.New("image is not PE32+")

// PEInfo holds the header fields needed to lay an image out.
type PEInfo struct {
	ImageBase           uint64
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	AddressOfEntryPoint uint32
	DllCharacteristics  uint16
	ExportDirectory     pe.DataDirectory
	Sections            []pe.SectionHeader
}

func GetPEBasicInfo(f *pe.File) (PEInfo, error) {
	if f.OptionalHeader == nil {
		return PEInfo{}, errors.New("optional header is empty")
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return PEInfo{}, ErrNot64Bit
	}

	p := PEInfo{
		ImageBase:           oh.ImageBase,
		SizeOfImage:         oh.SizeOfImage,
		SizeOfHeaders:       oh.SizeOfHeaders,
		AddressOfEntryPoint: oh.AddressOfEntryPoint,
		DllCharacteristics:  oh.DllCharacteristics,
	}
	for _, s := range f.Sections {
		p.Sections = append(p.Sections, s.SectionHeader)
	}
	if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		p.ExportDirectory = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	}
	return p, nil
}
