package embedded

import (
	_ "embed"
)

//go:embed patch.bin
var patch []byte

// Patch returns the embedded RAM bootstrap patch that the host uploads
// before flashing.
func Patch() []byte {
	return patch
}
