//go:build embed

package embedCheck

import _ "embed"

//go:embed preload
var EmbeddedBytes []byte

const IsEmbedded = true
