package peer

import (
	"encoding/binary"
	"math/rand"

	"github.com/mr-tron/base58"

	"github.com/elevengr/voicecraft/packages/voicenet/packet"
)

// ID is the private 64-bit identifier of a peer. The type minimum is the
// reserved "no id" sentinel and is never generated.
type ID int64

// String returns a base58 representation of the id.
func (id ID) String() string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return base58.Encode(b)
}

// NoID is the sentinel value for an unset id.
const NoID = ID(packet.NoID)

// randomID draws a uniform id, excluding the sentinel. The RNG does not need
// to be cryptographic; ids only disambiguate peers.
func randomID() ID {
	for {
		if id := ID(rand.Uint64()); id != NoID {
			return id
		}
	}
}

// randomKey draws the uniform 16-bit public handle, excluding the sentinel.
func randomKey() int16 {
	for {
		if key := int16(rand.Uint32()); key != packet.NoKey {
			return key
		}
	}
}
