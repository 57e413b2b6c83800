package pe

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"
)

// MaxModuleNameLength is the longest module name, in UTF-16 code units, a
// loader entry can carry.
const MaxModuleNameLength = 0x7FFF

// Module is one entry of the loader's module list.
type Module struct {
	Base uint64
	Size uint32
	Name []uint16
}

func (m Module) String() string {
	return string(utf16.Decode(m.Name))
}

// ModuleList enumerates loaded modules in load order until fn returns false.
//
// A live loader list can change under a walk when another thread loads or
// unloads a module; implementations are not required to prevent that.
type ModuleList interface {
	Walk(fn func(Module) bool) error
}

// StaticList is a fixed module list.
type StaticList []Module

func (l StaticList) Walk(fn func(Module) bool) error {
	for _, m := range l {
		if !fn(m) {
			break
		}
	}
	return nil
}

func equalFoldW(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && unicode.ToLower(rune(a[i])) != unicode.ToLower(rune(b[i])) {
			return false
		}
	}
	return true
}

func trimNul(name []uint16) []uint16 {
	for i, c := range name {
		if c == 0 {
			return name[:i]
		}
	}
	return name
}

// FindModuleW returns the first loaded module whose name matches name
// case-insensitively and whose headers validate. Entries with a matching
// name but broken headers are skipped.
func (in *Inspector) FindModuleW(name []uint16) (Module, error) {
	name = trimNul(name)
	if len(name) == 0 || len(name) > MaxModuleNameLength {
		return Module{}, ErrModuleNotFound
	}
	if in.modules == nil {
		return Module{}, ErrModuleNotFound
	}

	var found Module
	var ok bool
	err := in.modules.Walk(func(m Module) bool {
		if !equalFoldW(name, m.Name) {
			return true
		}
		size, err := ValidateImage(in.mem, m.Base)
		if err != nil {
			in.log.WithError(err).WithField("module", m.String()).Debug("Skipping loader entry with invalid image")
			return true
		}
		found, ok = Module{Base: m.Base, Size: size, Name: m.Name}, true
		return false
	})
	if ok {
		return found, nil
	}
	if err != nil {
		return Module{}, fmt.Errorf("%w: walking loader list: %v", ErrModuleNotFound, err)
	}
	return Module{}, ErrModuleNotFound
}

// FindModule decodes a narrow module name through the inspector's code page
// and looks it up with FindModuleW.
func (in *Inspector) FindModule(name string) (Module, error) {
	wide, err := in.widen(name)
	if err != nil {
		return Module{}, fmt.Errorf("%w: %v", ErrModuleNotFound, err)
	}
	return in.FindModuleW(wide)
}

func (in *Inspector) widen(name string) ([]uint16, error) {
	// the name ends at its first NUL, whatever follows
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	// a single-byte code page yields at most one rune per input byte
	if len(name) > MaxModuleNameLength {
		return nil, fmt.Errorf("name longer than %d characters", MaxModuleNameLength)
	}
	decoded, err := in.codePage.NewDecoder().String(name)
	if err != nil {
		return nil, err
	}
	wide := make([]uint16, 0, min(MaxModuleNameLength, 2*len(name)))
	for _, r := range decoded {
		n := 1
		if r >= 0x10000 {
			n = 2
		}
		if len(wide)+n > MaxModuleNameLength {
			return nil, fmt.Errorf("name longer than %d characters", MaxModuleNameLength)
		}
		wide = utf16.AppendRune(wide, r)
	}
	return wide, nil
}

// Modules returns every module in the loader list whose headers validate.
func (in *Inspector) Modules() ([]Module, error) {
	if in.modules == nil {
		return nil, nil
	}
	var mods []Module
	err := in.modules.Walk(func(m Module) bool {
		size, err := ValidateImage(in.mem, m.Base)
		if err != nil {
			in.log.WithError(err).WithField("module", m.String()).Debug("Skipping loader entry with invalid image")
			return true
		}
		mods = append(mods, Module{Base: m.Base, Size: size, Name: m.Name})
		return true
	})
	return mods, err
}

// GetModuleAddressW returns the base and mapped size of a loaded module, or
// (0, 0) when it is not loaded or fails validation.
func (in *Inspector) GetModuleAddressW(name []uint16) (uint64, uint32) {
	m, err := in.FindModuleW(name)
	if err != nil {
		return 0, 0
	}
	return m.Base, m.Size
}

// GetModuleAddress is GetModuleAddressW for narrow names.
func (in *Inspector) GetModuleAddress(name string) (uint64, uint32) {
	m, err := in.FindModule(name)
	if err != nil {
		return 0, 0
	}
	return m.Base, m.Size
}
