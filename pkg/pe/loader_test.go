package pe

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"pewalk/pkg/pe/petest"
)

func TestFindModuleCaseInsensitive(t *testing.T) {
	p := newProcess(t, []image{
		{name: "ntdll.dll", data: petest.New("ntdll.dll").Build()},
		{name: "KERNEL32.DLL", data: petest.New("KERNEL32.dll").Build()},
	})

	want := p.bases["KERNEL32.DLL"]
	for _, name := range []string{"KERNEL32.dll", "kernel32.DLL", "Kernel32.Dll"} {
		base, size := p.in.GetModuleAddress(name)
		require.Equal(t, want, base, name)
		require.Equal(t, p.in.GetModuleSize(base), size, name)

		wbase, wsize := p.in.GetModuleAddressW(utf16.Encode([]rune(name)))
		require.Equal(t, base, wbase)
		require.Equal(t, size, wsize)
	}
}

func TestFindModuleExactLength(t *testing.T) {
	p := newProcess(t, []image{
		{name: "kernel32.dll", data: petest.New("kernel32.dll").Build()},
	})

	for _, name := range []string{"kernel32", "kernel32.dl", "kernel32.dll2", "ernel32.dll", ""} {
		base, size := p.in.GetModuleAddress(name)
		require.Zero(t, base, name)
		require.Zero(t, size, name)
	}
}

func TestFindModuleSkipsCorruptEntry(t *testing.T) {
	corrupt := petest.New("dup.dll").Build()
	corrupt[0] = 0
	p := newProcess(t, []image{
		{name: "dup.dll", data: corrupt},
		{name: "dup.dll", data: petest.New("dup.dll").Build()},
	})

	m, err := p.in.FindModule("DUP.DLL")
	require.NoError(t, err)
	require.Equal(t, uint64(0x11000000), m.Base)
	require.Equal(t, "dup.dll", m.String())
	require.NotEmpty(t, p.logs.AllEntries())
}

func TestFindModuleOnlyCorrupt(t *testing.T) {
	corrupt := petest.New("bad.dll").Build()
	copy(corrupt[petest.NTOffset:], "NE")
	p := newProcess(t, []image{{name: "bad.dll", data: corrupt}})

	_, err := p.in.FindModule("bad.dll")
	require.ErrorIs(t, err, ErrModuleNotFound)
	base, size := p.in.GetModuleAddress("bad.dll")
	require.Zero(t, base)
	require.Zero(t, size)
}

func TestFindModuleLongNames(t *testing.T) {
	p := newProcess(t, []image{
		{name: "a.dll", data: petest.New("a.dll").Build()},
	})

	base, size := p.in.GetModuleAddress(strings.Repeat("a", 300) + ".dll")
	require.Zero(t, base)
	require.Zero(t, size)

	_, err := p.in.FindModule(strings.Repeat("x", MaxModuleNameLength+1))
	require.ErrorIs(t, err, ErrModuleNotFound)

	wide := make([]uint16, MaxModuleNameLength+1)
	for i := range wide {
		wide[i] = 'x'
	}
	_, err = p.in.FindModuleW(wide)
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestFindModuleNarrowCodePage(t *testing.T) {
	p := newProcess(t, []image{
		{name: "café.dll", data: petest.New("cafe.dll").Build()},
	})

	// 0xE9 is é in Windows-1252
	base, _ := p.in.GetModuleAddress("caf\xe9.dll")
	require.Equal(t, p.bases["café.dll"], base)
	base, _ = p.in.GetModuleAddress("CAF\xc9.DLL")
	require.Equal(t, p.bases["café.dll"], base)

	// in code page 437 0xE9 is Θ
	p = newProcess(t, []image{
		{name: "cafΘ.dll", data: petest.New("cafe.dll").Build()},
	}, WithCodePage(charmap.CodePage437))
	base, _ = p.in.GetModuleAddress("caf\xe9.dll")
	require.Equal(t, p.bases["cafΘ.dll"], base)
}

func TestFindModuleStopsAtNul(t *testing.T) {
	p := newProcess(t, []image{
		{name: "user32.dll", data: petest.New("user32.dll").Build()},
	})

	base, _ := p.in.GetModuleAddress("user32.dll\x00garbage")
	require.Equal(t, p.bases["user32.dll"], base)

	// the tail after the NUL never counts against the length limit
	base, _ = p.in.GetModuleAddress("user32.dll\x00" + strings.Repeat("x", 40000))
	require.Equal(t, p.bases["user32.dll"], base)

	wide := append(utf16.Encode([]rune("user32.dll")), 0, 'x')
	base, _ = p.in.GetModuleAddressW(wide)
	require.Equal(t, p.bases["user32.dll"], base)
}

type brokenList struct {
	before []Module
}

func (l brokenList) Walk(fn func(Module) bool) error {
	for _, m := range l.before {
		if !fn(m) {
			return nil
		}
	}
	return errors.New("flink unreadable")
}

func TestFindModuleWalkError(t *testing.T) {
	img := petest.New("a.dll").Build()
	mem := &Buffer{Base: 0x20000000, Data: img}
	list := brokenList{before: []Module{{Base: 0x20000000, Name: utf16.Encode([]rune("a.dll"))}}}
	in := New(mem, list)

	m, err := in.FindModule("a.dll")
	require.NoError(t, err)
	require.Equal(t, uint64(0x20000000), m.Base)

	_, err = in.FindModule("b.dll")
	require.ErrorIs(t, err, ErrModuleNotFound)
	require.ErrorContains(t, err, "flink unreadable")
}

func TestModules(t *testing.T) {
	corrupt := petest.New("b.dll").Build()
	corrupt[1] = 0
	p := newProcess(t, []image{
		{name: "a.dll", data: petest.New("a.dll").Build()},
		{name: "b.dll", data: corrupt},
		{name: "c.dll", data: petest.New("c.dll").Section(".rdata", 0x3000, nil).Build()},
	})

	mods, err := p.in.Modules()
	require.NoError(t, err)
	require.Len(t, mods, 2)
	require.Equal(t, "a.dll", mods[0].String())
	require.Equal(t, "c.dll", mods[1].String())
	require.Equal(t, p.in.GetModuleSize(mods[1].Base), mods[1].Size)
}

func TestNoModuleList(t *testing.T) {
	in := New(&Buffer{}, nil)

	base, size := in.GetModuleAddress("ntdll.dll")
	require.Zero(t, base)
	require.Zero(t, size)
	mods, err := in.Modules()
	require.NoError(t, err)
	require.Empty(t, mods)
}
