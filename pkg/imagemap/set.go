package imagemap

import (
	"strings"
	"unicode/utf16"

	"pewalk/pkg/pe"
)

const (
	// DefaultBase is where the first image of a Set is placed.
	DefaultBase = 0x180000000
	baseAlign   = 0x10000
)

// Set is a synthetic process: images placed at non-overlapping bases, listed
// in the order they were added. It serves as both the memory and the module
// list of a pe.Inspector, so forwards between its images resolve.
type Set struct {
	next    uint64
	mem     pe.Regions
	modules pe.StaticList
	images  []*Image
}

func NewSet() *Set {
	return &Set{next: DefaultBase}
}

func alignBase(v uint64) uint64 {
	return (v + baseAlign - 1) &^ (baseAlign - 1)
}

// Add places img after the previous image and returns its base.
func (s *Set) Add(img *Image) uint64 {
	base := alignBase(s.next)
	s.next = alignBase(base + uint64(len(img.Data)))

	s.mem.Add(&pe.Buffer{Base: base, Data: img.Data})
	s.modules = append(s.modules, pe.Module{
		Base: base,
		Size: uint32(len(img.Data)),
		Name: utf16.Encode([]rune(img.Name)),
	})
	s.images = append(s.images, img)
	return base
}

// Base returns the base of the first image called name, ignoring case.
func (s *Set) Base(name string) (uint64, bool) {
	for i, img := range s.images {
		if strings.EqualFold(img.Name, name) {
			return s.modules[i].Base, true
		}
	}
	return 0, false
}

func (s *Set) Images() []*Image {
	return s.images
}

func (s *Set) ReadAt(b []byte, addr uint64) error {
	return s.mem.ReadAt(b, addr)
}

func (s *Set) Walk(fn func(pe.Module) bool) error {
	return s.modules.Walk(fn)
}

// Inspector returns an Inspector reading this set.
func (s *Set) Inspector(opts ...pe.Option) *pe.Inspector {
	return pe.New(s, s, opts...)
}
