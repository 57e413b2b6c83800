package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	exportDirectorySize = 40
	// ordinals are 16 bits wide, so no sane table is longer than this
	maxExportFunctions = 0x10000
	maxExportNameSize  = 0x1000
)

type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// exportTable is a decoded export directory together with where it lives.
type exportTable struct {
	base uint64
	rva  uint32
	size uint32
	dir  exportDirectory
}

// contains reports whether rva points into the export directory itself,
// which is where forward strings live.
func (t *exportTable) contains(rva uint32) bool {
	return rva >= t.rva && uint64(rva) < uint64(t.rva)+uint64(t.size)
}

func (t *exportTable) end() uint64 {
	return t.base + uint64(t.rva) + uint64(t.size)
}

// Selector picks an export either by name or by ordinal.
type Selector struct {
	name      string
	ordinal   uint16
	byOrdinal bool
}

func ByName(name string) Selector {
	return Selector{name: name}
}

func ByOrdinal(ordinal uint16) Selector {
	return Selector{ordinal: ordinal, byOrdinal: true}
}

// ParseSelector reads "#N" as an ordinal and anything else as a name.
func ParseSelector(s string) (Selector, error) {
	if !strings.HasPrefix(s, "#") {
		if s == "" {
			return Selector{}, fmt.Errorf("empty export name")
		}
		return ByName(s), nil
	}
	n, err := strconv.ParseUint(s[1:], 0, 16)
	if err != nil {
		return Selector{}, fmt.Errorf("bad ordinal %q: %w", s, err)
	}
	return ByOrdinal(uint16(n)), nil
}

func (s Selector) String() string {
	if s.byOrdinal {
		return "#" + strconv.Itoa(int(s.ordinal))
	}
	return s.name
}

// Export is one entry of an image's export address table.
type Export struct {
	Name      string
	Ordinal   uint32
	RVA       uint32
	Forwarder string
}

func (in *Inspector) readExportTable(base uint64) (*exportTable, error) {
	h, err := readHeaders(in.mem, base)
	if err != nil {
		return nil, err
	}
	dd := h.directory(dpe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if dd.VirtualAddress == 0 || dd.Size < exportDirectorySize {
		return nil, fmt.Errorf("%w: image has no export directory", ErrExportNotFound)
	}
	t := &exportTable{base: base, rva: dd.VirtualAddress, size: dd.Size}
	var raw [exportDirectorySize]byte
	if err := in.mem.ReadAt(raw[:], base+uint64(dd.VirtualAddress)); err != nil {
		return nil, fmt.Errorf("%w: export directory: %v", ErrExportNotFound, err)
	}
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &t.dir); err != nil {
		return nil, fmt.Errorf("%w: export directory: %v", ErrExportNotFound, err)
	}
	return t, nil
}

func (in *Inspector) nameOrdinal(t *exportTable, i uint32) (uint16, error) {
	return readUint[uint16](in.mem, t.base+uint64(t.dir.AddressOfNameOrdinals)+uint64(i)*2)
}

func (in *Inspector) functionRva(t *exportTable, index uint32) (uint32, error) {
	if index >= t.dir.NumberOfFunctions {
		return 0, ErrExportNotFound
	}
	return readUint[uint32](in.mem, t.base+uint64(t.dir.AddressOfFunctions)+uint64(index)*4)
}

func (in *Inspector) exportName(t *exportTable, i uint32) (string, error) {
	rva, err := readUint[uint32](in.mem, t.base+uint64(t.dir.AddressOfNames)+uint64(i)*4)
	if err != nil {
		return "", err
	}
	return readCString(in.mem, t.base+uint64(rva), maxExportNameSize)
}

// nameEquals compares the C string at the i-th name slot with name without
// reading more than len(name)+1 bytes of it. An error means the name pointer
// table itself is unreadable.
func (in *Inspector) nameEquals(t *exportTable, i uint32, name string) (bool, error) {
	rva, err := readUint[uint32](in.mem, t.base+uint64(t.dir.AddressOfNames)+uint64(i)*4)
	if err != nil {
		return false, err
	}
	buf := make([]byte, len(name)+1)
	if err := in.mem.ReadAt(buf, t.base+uint64(rva)); err != nil {
		found, err := readCString(in.mem, t.base+uint64(rva), uint64(len(buf)))
		return err == nil && found == name, nil
	}
	return buf[len(name)] == 0 && string(buf[:len(name)]) == name, nil
}

// functionIndex maps a selector to an index into AddressOfFunctions.
//
// Named exports are a prefix of the name-ordinal table, which holds
// NumberOfNames entries no matter how many functions there are. Ordinals that
// no name slot carries are ordinal-only exports and index the function table
// directly.
func (in *Inspector) functionIndex(t *exportTable, sel Selector) (uint32, error) {
	for i := uint32(0); i < t.dir.NumberOfNames; i++ {
		if sel.byOrdinal {
			idx, err := in.nameOrdinal(t, i)
			if err != nil {
				return 0, fmt.Errorf("%w: name ordinal %d: %v", ErrExportNotFound, i, err)
			}
			if t.dir.Base+uint32(idx) == uint32(sel.ordinal) {
				return uint32(idx), nil
			}
			continue
		}
		match, err := in.nameEquals(t, i, sel.name)
		if err != nil {
			return 0, fmt.Errorf("%w: name pointer %d: %v", ErrExportNotFound, i, err)
		}
		if !match {
			continue
		}
		idx, err := in.nameOrdinal(t, i)
		if err != nil {
			return 0, fmt.Errorf("%w: name ordinal %d: %v", ErrExportNotFound, i, err)
		}
		return uint32(idx), nil
	}
	if sel.byOrdinal && uint32(sel.ordinal) >= t.dir.Base {
		return uint32(sel.ordinal) - t.dir.Base, nil
	}
	return 0, ErrExportNotFound
}

// Symbol is a resolved export: the module it finally lives in and its RVA
// there. For a forwarded export Base is the forward target's base.
type Symbol struct {
	Base uint64
	RVA  uint32
}

func (s Symbol) Address() uint64 {
	return s.Base + uint64(s.RVA)
}

func (in *Inspector) resolveExport(base uint64, sel Selector, depth int) (Symbol, error) {
	t, err := in.readExportTable(base)
	if err != nil {
		return Symbol{}, err
	}
	idx, err := in.functionIndex(t, sel)
	if err != nil {
		return Symbol{}, err
	}
	rva, err := in.functionRva(t, idx)
	if err != nil || rva == 0 {
		return Symbol{}, ErrExportNotFound
	}
	if !t.contains(rva) {
		return Symbol{Base: base, RVA: rva}, nil
	}

	addr := base + uint64(rva)
	forward, err := readCString(in.mem, addr, t.end()-addr)
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: unreadable forward string for %s", ErrForwardMalformed, sel)
	}
	return in.resolveForward(forward, depth+1)
}

// ResolveExport looks up an export of the validated image at base, following
// forwarded exports into other loaded modules.
func (in *Inspector) ResolveExport(base uint64, sel Selector) (Symbol, error) {
	return in.resolveExport(base, sel, 0)
}

// FindExport returns the RVA of an export. A forwarded export yields an RVA
// relative to the module the forward chain ends in.
func (in *Inspector) FindExport(base uint64, sel Selector) (uint32, error) {
	sym, err := in.resolveExport(base, sel, 0)
	if err != nil {
		return 0, err
	}
	return sym.RVA, nil
}

// Exports enumerates the export address table. Forwarded entries carry
// their forward string and are not resolved.
func (in *Inspector) Exports(base uint64) ([]Export, error) {
	t, err := in.readExportTable(base)
	if err != nil {
		return nil, err
	}
	n := min(t.dir.NumberOfFunctions, maxExportFunctions)
	names := make(map[uint32]string, min(t.dir.NumberOfNames, maxExportFunctions))
	for i := uint32(0); i < t.dir.NumberOfNames; i++ {
		idx, err := in.nameOrdinal(t, i)
		if err != nil {
			return nil, err
		}
		name, err := in.exportName(t, i)
		if err != nil {
			return nil, err
		}
		if _, dup := names[uint32(idx)]; !dup {
			names[uint32(idx)] = name
		}
	}

	exports := make([]Export, 0, n)
	for i := uint32(0); i < n; i++ {
		rva, err := in.functionRva(t, i)
		if err != nil {
			return exports, err
		}
		if rva == 0 {
			continue
		}
		e := Export{Name: names[i], Ordinal: t.dir.Base + i, RVA: rva}
		if t.contains(rva) {
			addr := base + uint64(rva)
			if e.Forwarder, err = readCString(in.mem, addr, t.end()-addr); err != nil {
				return exports, fmt.Errorf("%w: export #%d", ErrForwardMalformed, e.Ordinal)
			}
		}
		exports = append(exports, e)
	}
	return exports, nil
}

// GetExportRva returns the RVA of an export or 0. An unresolvable forward is
// indistinguishable from a missing export.
func (in *Inspector) GetExportRva(base uint64, sel Selector) uint32 {
	rva, err := in.FindExport(base, sel)
	if err != nil {
		return 0
	}
	return rva
}

// GetExportAddress returns the absolute address of an export, or 0. The
// address of a forwarded export lies in the module the forward ends in.
func (in *Inspector) GetExportAddress(base uint64, sel Selector) uint64 {
	sym, err := in.resolveExport(base, sel, 0)
	if err != nil || sym.RVA == 0 {
		return 0
	}
	return sym.Address()
}
