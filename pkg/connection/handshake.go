package connection

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/gierens/rft/pkg/wire"
)

// MaxCIDAllocationAttempts bounds the collision-retry loop for server-side
// CID allocation before the attempt is treated as an unresolvable
// collision (a protocol error per the error taxonomy).
const MaxCIDAllocationAttempts = 16

// AllocateCID draws a random, non-zero CID and retries on collision
// against taken, up to MaxCIDAllocationAttempts times. It returns ok=false
// if no free CID was found, which callers should treat as an
// unresolvable-collision protocol error.
func AllocateCID(taken func(uint32) bool) (cid uint32, ok bool) {
	for attempt := 0; attempt < MaxCIDAllocationAttempts; attempt++ {
		candidate := randomCID()
		if candidate == wire.HelloCID {
			continue
		}
		if !taken(candidate) {
			return candidate, true
		}
	}
	return 0, false
}

func randomCID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is fatal to the process elsewhere; here we
		// fall back to a fixed non-zero value so allocation can still
		// retry deterministically in the exceedingly unlikely failure case.
		return 1
	}
	v := binary.LittleEndian.Uint32(b[:])
	if v == wire.HelloCID {
		v = 1
	}
	return v
}

// ResolveHandshakeCID implements the server-side hello response logic from
// §4.4: if the client proposed a CID (via an attached
// ConnectionIDChange{old:0,new:proposed}) and it is free, the server
// accepts it; otherwise the server allocates its own.
func ResolveHandshakeCID(proposed uint32, hasProposal bool, taken func(uint32) bool) (cid uint32, serverChose bool, ok bool) {
	if hasProposal && proposed != wire.HelloCID && !taken(proposed) {
		return proposed, false, true
	}
	cid, ok = AllocateCID(taken)
	return cid, true, ok
}
