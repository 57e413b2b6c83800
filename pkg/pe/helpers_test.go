package pe

import (
	"testing"
	"unicode/utf16"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type image struct {
	name string
	data []byte
}

type process struct {
	in    *Inspector
	bases map[string]uint64
	logs  *test.Hook
}

// newProcess maps images one after another, 16MiB apart, and lists them in
// the given order.
func newProcess(t *testing.T, images []image, opts ...Option) *process {
	t.Helper()
	var mem Regions
	var list StaticList
	bases := make(map[string]uint64)
	for i, img := range images {
		base := uint64(0x10000000) + uint64(i)*0x1000000
		mem.Add(&Buffer{Base: base, Data: img.data})
		list = append(list, Module{Base: base, Size: uint32(len(img.data)), Name: utf16.Encode([]rune(img.name))})
		if _, ok := bases[img.name]; !ok {
			bases[img.name] = base
		}
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &process{in: New(mem, list, opts...), bases: bases, logs: hook}
}
