package helper

import (
	"crypto/rand"
	"math/big"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// RandomMember picks a uniformly random address from members, excluding
// exclude when possible. Used by NAKACK's xmitFromRandomMember option
// (spec.md §4.2).
func RandomMember(members []types.Address, exclude types.Address) (types.Address, bool) {
	candidates := make([]types.Address, 0, len(members))
	for _, m := range members {
		if m != exclude {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		if len(members) > 0 {
			return members[0], true
		}
		return "", false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return candidates[0], true
	}
	return candidates[n.Int64()], true
}
