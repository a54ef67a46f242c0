// Package helper collects small, dependency-free utilities shared across
// the stack components, mirroring the teacher's pkg/mcast/helper package.
package helper

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// GenerateUID returns a fresh, random request identifier. No UID-generation
// library appears anywhere in the retrieval pack, so this stays on
// crypto/rand + hex rather than reaching for an unverified dependency.
func GenerateUID() types.UID {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return types.UID(hex.EncodeToString(buf[:]))
}
