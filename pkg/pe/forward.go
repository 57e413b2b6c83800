package pe

import (
	"fmt"
	"strings"
)

// forwardModuleSuffix completes the module half of "Module.Export", whose
// '.' is kept.
const forwardModuleSuffix = "dll"

// splitForward splits "Module.Export" at its first '.' into the module file
// name and the export selector. "Module.#N" forwards by ordinal.
func splitForward(forward string) (string, Selector, error) {
	dot := strings.IndexByte(forward, '.')
	if dot <= 0 || dot == len(forward)-1 {
		return "", Selector{}, fmt.Errorf("%w: %q", ErrForwardMalformed, forward)
	}
	sel, err := ParseSelector(forward[dot+1:])
	if err != nil {
		return "", Selector{}, fmt.Errorf("%w: %q: %v", ErrForwardMalformed, forward, err)
	}
	return forward[:dot+1] + forwardModuleSuffix, sel, nil
}

// resolveForward follows a forward string; depth counts the forwards taken
// so far including this one.
func (in *Inspector) resolveForward(forward string, depth int) (Symbol, error) {
	if depth > in.maxForwardDepth {
		in.log.WithField("forward", forward).WithField("depth", depth).Debug("Forward chain exceeds depth limit")
		return Symbol{}, fmt.Errorf("%w: giving up at %q", ErrForwardDepth, forward)
	}
	module, sel, err := splitForward(forward)
	if err != nil {
		return Symbol{}, err
	}
	in.log.WithField("forward", forward).WithField("depth", depth).Debug("Following forwarded export")

	m, err := in.FindModule(module)
	if err != nil {
		return Symbol{}, fmt.Errorf("forward %q: %w", forward, err)
	}
	return in.resolveExport(m.Base, sel, depth)
}

// FindForwardedExport resolves a forward string of the form
// "Module.Export" against the loaded modules.
func (in *Inspector) FindForwardedExport(forward string) (Symbol, error) {
	return in.resolveForward(forward, 1)
}

// FindForwardedExportRva returns the RVA, inside the target module, that a
// forward string resolves to, or 0 when the string is malformed, the module
// is not loaded or the export is missing.
func (in *Inspector) FindForwardedExportRva(forward string) uint32 {
	sym, err := in.FindForwardedExport(forward)
	if err != nil {
		return 0
	}
	return sym.RVA
}
