package imagemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pewalk/pkg/pe"
)

func reference() ([]pe.Section, []pe.Export) {
	sections := []pe.Section{
		{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x1000},
		{Name: ".rdata", VirtualAddress: 0x2000, VirtualSize: 0x800},
	}
	exports := []pe.Export{
		{Name: "CreateFileW", Ordinal: 1, RVA: 0x1010},
		{Name: "HeapAlloc", Ordinal: 2, Forwarder: "NTDLL.RtlAllocateHeap"},
		{Ordinal: 3, RVA: 0x1030},
	}
	return sections, exports
}

func TestCompareAgrees(t *testing.T) {
	s, k32, _ := newSet(t)
	sections, exports := reference()
	// a duplicate name is only checked once
	sections = append(sections, pe.Section{Name: ".text", VirtualAddress: 0x9000, VirtualSize: 1})

	r := compare(s.Inspector(), k32, sections, exports)
	require.True(t, r.OK(), "%v", r.Mismatches)
	require.Equal(t, 2, r.Sections)
	require.Equal(t, 3, r.Exports)
}

func TestVerify(t *testing.T) {
	s, k32, _ := newSet(t)

	r, err := Verify(kernel32(), s.Inspector(), k32)
	require.NoError(t, err)
	require.True(t, r.OK(), "%v", r.Mismatches)
	require.Equal(t, 3, r.Sections)
	require.Equal(t, 3, r.Exports)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s, k32, _ := newSet(t)
	_, err := Verify([]byte("not a PE file"), s.Inspector(), k32)
	require.Error(t, err)
}

func TestCompareMismatches(t *testing.T) {
	s, k32, _ := newSet(t)
	sections, exports := reference()
	sections[1].VirtualSize = 0x900
	sections = append(sections, pe.Section{Name: ".reloc", VirtualAddress: 0x5000, VirtualSize: 0x10})
	exports[0].RVA = 0x1011
	exports[1].Forwarder = "NTDLL.RtlFreeHeap"

	r := compare(s.Inspector(), k32, sections, exports)
	require.False(t, r.OK())

	items := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		items = append(items, m.Item)
	}
	require.ElementsMatch(t, []string{
		"section .rdata",
		"section .reloc",
		"export #1",
		"export CreateFileW",
		"forwarder #2",
	}, items)
}
