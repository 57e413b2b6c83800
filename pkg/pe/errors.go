package pe

import "errors"

var (
	ErrAddressInvalid   = errors.New("address invalid")
	ErrInvalidImage     = errors.New("invalid image")
	ErrModuleNotFound   = errors.New("module not found")
	ErrSectionNotFound  = errors.New("section not found")
	ErrExportNotFound   = errors.New("export not found")
	ErrForwardMalformed = errors.New("malformed forward string")
	ErrForwardDepth     = errors.New("forward chain too deep")
	ErrUnsupported      = errors.New("live process inspection unsupported on this platform")
)
