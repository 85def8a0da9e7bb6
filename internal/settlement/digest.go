package settlement

import (
	"AuctionLedger/internal/auction"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"
)

const digestSeed = "AuctionLedger:settlement:v1"

// Digest computes SHA-256 over a canonical encoding of the settlement:
// seed || auction id || mechanism || result || winner || prices ||
// allocations || charges || method || forced || settled_at. Integers are
// little-endian, strings are length-prefixed, and the record's own id is
// excluded so a replayed settlement hashes identically.
func Digest(s *auction.Settlement) string {
	h := sha256.New()
	h.Write([]byte(digestSeed))

	writeUUID(h, s.AuctionID)
	writeString(h, string(s.Mechanism))
	writeString(h, string(s.ResultType))
	if s.WinnerBidID != nil {
		writeUUID(h, *s.WinnerBidID)
	} else {
		writeUUID(h, uuid.Nil)
	}
	writeString(h, s.WinnerID)
	writeInt(h, s.FinalPrice)
	writeInt(h, s.ClearingPrice)

	writeInt(h, int64(len(s.Allocations)))
	for _, a := range s.Allocations {
		writeUUID(h, a.BidID)
		writeString(h, a.BidderID)
		writeString(h, string(a.Side))
		writeInt(h, a.Quantity)
		writeInt(h, a.Price)
		writeInt(h, int64(len(a.Items)))
		for _, it := range a.Items {
			writeString(h, it)
		}
	}

	writeInt(h, int64(len(s.Charges)))
	for _, c := range s.Charges {
		writeString(h, c.BidderID)
		writeInt(h, c.Amount)
		writeString(h, c.Reason)
	}

	writeString(h, s.Method)
	if s.Forced {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	writeInt(h, s.SettledAt.UnixNano())

	return hex.EncodeToString(h.Sum(nil))
}

func writeUUID(h hash.Hash, id uuid.UUID) {
	h.Write(id[:])
}

func writeInt(h hash.Hash, n int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	writeInt(h, int64(len(s)))
	h.Write([]byte(s))
}
