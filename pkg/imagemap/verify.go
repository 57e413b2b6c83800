package imagemap

import (
	"fmt"

	sfpe "github.com/saferwall/pe"

	"pewalk/pkg/pe"
)

// Mismatch is one place where the inspector disagrees with the reference
// parser.
type Mismatch struct {
	Item string
	Want string
	Got  string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: want %s, got %s", m.Item, m.Want, m.Got)
}

// Report summarises a Verify run.
type Report struct {
	Sections   int
	Exports    int
	Mismatches []Mismatch
}

func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

func (r *Report) mismatch(item, want, got string) {
	r.Mismatches = append(r.Mismatches, Mismatch{Item: item, Want: want, Got: got})
}

// Verify parses raw, the file behind the image at base, with saferwall/pe
// and checks that in resolves every section and export the same way.
func Verify(raw []byte, in *pe.Inspector, base uint64) (*Report, error) {
	f, err := sfpe.NewBytes(raw, &sfpe.Options{})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return nil, err
	}

	sections := make([]pe.Section, 0, len(f.Sections))
	for i := range f.Sections {
		s := &f.Sections[i]
		sections = append(sections, pe.Section{
			Name:           s.NameString(),
			VirtualAddress: s.Header.VirtualAddress,
			VirtualSize:    s.Header.VirtualSize,
		})
	}

	var exports []pe.Export
	for _, fn := range f.Export.Functions {
		exports = append(exports, pe.Export{
			Name:      fn.Name,
			Ordinal:   fn.Ordinal,
			RVA:       fn.FunctionRVA,
			Forwarder: fn.Forwarder,
		})
	}

	return compare(in, base, sections, exports), nil
}

// compare checks in against sections and exports as another parser saw
// them.
func compare(in *pe.Inspector, base uint64, sections []pe.Section, exports []pe.Export) *Report {
	r := &Report{}

	seen := make(map[string]bool)
	for _, want := range sections {
		// FindSection returns the first match, so later duplicates can't be checked
		if seen[want.Name] {
			continue
		}
		seen[want.Name] = true
		r.Sections++

		item := "section " + want.Name
		got, err := in.FindSection(base, want.Name)
		if err != nil {
			r.mismatch(item, fmt.Sprintf("%#x+%#x", want.VirtualAddress, want.VirtualSize), err.Error())
			continue
		}
		if got.VirtualAddress != want.VirtualAddress || got.VirtualSize != want.VirtualSize {
			r.mismatch(item,
				fmt.Sprintf("%#x+%#x", want.VirtualAddress, want.VirtualSize),
				fmt.Sprintf("%#x+%#x", got.VirtualAddress, got.VirtualSize))
		}
	}

	listed, err := in.Exports(base)
	if err != nil && len(exports) > 0 {
		r.mismatch("export directory", fmt.Sprintf("%d exports", len(exports)), err.Error())
		return r
	}
	forwarders := make(map[uint32]string, len(listed))
	for _, e := range listed {
		forwarders[e.Ordinal] = e.Forwarder
	}

	for _, want := range exports {
		if want.RVA == 0 && want.Forwarder == "" {
			continue
		}
		r.Exports++

		if want.Forwarder != "" {
			if got := forwarders[want.Ordinal]; got != want.Forwarder {
				r.mismatch(fmt.Sprintf("forwarder #%d", want.Ordinal), want.Forwarder, fmt.Sprintf("%q", got))
			}
			continue
		}

		var sels []pe.Selector
		if want.Ordinal <= 0xFFFF {
			sels = append(sels, pe.ByOrdinal(uint16(want.Ordinal)))
		}
		if want.Name != "" {
			sels = append(sels, pe.ByName(want.Name))
		}
		for _, sel := range sels {
			got, err := in.FindExport(base, sel)
			switch {
			case err != nil:
				r.mismatch("export "+sel.String(), fmt.Sprintf("%#x", want.RVA), err.Error())
			case got != want.RVA:
				r.mismatch("export "+sel.String(), fmt.Sprintf("%#x", want.RVA), fmt.Sprintf("%#x", got))
			}
		}
	}
	return r
}
