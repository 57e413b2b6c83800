// Package pe locates loaded modules, their sections and their exports by
// reading loader bookkeeping and image headers straight out of memory.
//
// Everything here is a read-only view: returned addresses stay meaningful
// only while the module stays loaded, which is the caller's business.
package pe

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DefaultMaxForwardDepth bounds how many forwarded exports are chased before
// giving up.
const DefaultMaxForwardDepth = 8

var log = logrus.WithField("subsys", "pe")

// Inspector resolves modules, sections and exports over a Memory using a
// ModuleList as the loader's module list.
type Inspector struct {
	mem             Memory
	modules         ModuleList
	log             logrus.FieldLogger
	codePage        encoding.Encoding
	maxForwardDepth int
	loaderLock      bool
}

type Option func(*Inspector)

func WithLogger(l logrus.FieldLogger) Option {
	return func(in *Inspector) { in.log = l }
}

// WithMaxForwardDepth sets the forward-chasing bound. Values below 1 disable
// forward resolution entirely.
func WithMaxForwardDepth(depth int) Option {
	return func(in *Inspector) { in.maxForwardDepth = depth }
}

// WithCodePage sets the single-byte code page narrow module names are
// decoded from.
func WithCodePage(cp encoding.Encoding) Option {
	return func(in *Inspector) { in.codePage = cp }
}

// WithLoaderLock makes walks of the live loader list hold the OS loader lock.
// It narrows, but does not close, the window in which another thread can
// unload a module under the walk. Only Current honours it.
func WithLoaderLock(enabled bool) Option {
	return func(in *Inspector) { in.loaderLock = enabled }
}

func New(mem Memory, modules ModuleList, opts ...Option) *Inspector {
	in := &Inspector{
		mem:             mem,
		modules:         modules,
		log:             log,
		codePage:        charmap.Windows1252,
		maxForwardDepth: DefaultMaxForwardDepth,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Inspector) Memory() Memory {
	return in.mem
}

// ValidateImage is ValidateImage over the inspector's memory.
func (in *Inspector) ValidateImage(base uint64) (uint32, error) {
	return ValidateImage(in.mem, base)
}

// GetModuleSize is GetModuleSize over the inspector's memory.
func (in *Inspector) GetModuleSize(base uint64) uint32 {
	return GetModuleSize(in.mem, base)
}
