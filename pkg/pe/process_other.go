//go:build !windows || !(amd64 || arm64)

package pe

// Current is only available in 64-bit Windows processes.
func Current(opts ...Option) (*Inspector, error) {
	return nil, ErrUnsupported
}
