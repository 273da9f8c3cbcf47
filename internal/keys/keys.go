// Package keys generates the 64-bit identifiers used for items, chunks and
// episodes. Keys are uniform random; collisions between independently drawn
// keys are treated as programming errors by the callers that intern them.
package keys

import "math/rand"

// New returns a fresh random 64-bit key.
func New() uint64 {
	return rand.Uint64()
}
