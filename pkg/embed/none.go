//go:build !embed

package embedCheck

var EmbeddedBytes []byte

const IsEmbedded = false
