package types

// DigestEntry is a single sender's summary within a Digest: the lowest
// seqno still retained, the highest seqno delivered to the application and
// the highest seqno ever received (possibly out of order).
type DigestEntry struct {
	LowRetained     Seqno
	HighestDelivered Seqno
	HighestSeen     Seqno
}

// Digest maps sender -> DigestEntry. Digests are exchanged to synchronise
// state after joins and merges and to guide rebroadcast (spec.md §3).
type Digest map[Address]DigestEntry

// NewDigest builds an empty digest.
func NewDigest() Digest {
	return make(Digest)
}

// Clone returns a deep copy of the digest.
func (d Digest) Clone() Digest {
	out := make(Digest, len(d))
	for addr, entry := range d {
		out[addr] = entry
	}
	return out
}

// Dominates reports whether d is greater-or-equal to other: for every
// sender present in other, d must have both HighestDelivered and
// HighestSeen at least as large. A sender present in other but absent from
// d never dominates. Digests with incomparable entries are, by
// definition, not dominating (spec.md §3).
func (d Digest) Dominates(other Digest) bool {
	for addr, otherEntry := range other {
		mine, ok := d[addr]
		if !ok {
			return false
		}
		if mine.HighestDelivered < otherEntry.HighestDelivered {
			return false
		}
		if mine.HighestSeen < otherEntry.HighestSeen {
			return false
		}
	}
	return true
}

// Equal reports whether two digests carry identical entries for the same
// set of senders.
func (d Digest) Equal(other Digest) bool {
	if len(d) != len(other) {
		return false
	}
	for addr, entry := range d {
		otherEntry, ok := other[addr]
		if !ok || otherEntry != entry {
			return false
		}
	}
	return true
}

// Merge combines two digests per sender, taking the pointwise maximum of
// HighestDelivered and HighestSeen and the minimum of LowRetained.
// merge(D1, D1) == D1 and merge(D1, D2) dominates both D1 and D2
// (spec.md §8).
func (d Digest) Merge(other Digest) Digest {
	out := d.Clone()
	for addr, otherEntry := range other {
		mine, ok := out[addr]
		if !ok {
			out[addr] = otherEntry
			continue
		}
		out[addr] = DigestEntry{
			LowRetained:      minSeqno(mine.LowRetained, otherEntry.LowRetained),
			HighestDelivered: maxSeqno(mine.HighestDelivered, otherEntry.HighestDelivered),
			HighestSeen:      maxSeqno(mine.HighestSeen, otherEntry.HighestSeen),
		}
	}
	return out
}

func maxSeqno(a, b Seqno) Seqno {
	if a > b {
		return a
	}
	return b
}

func minSeqno(a, b Seqno) Seqno {
	if a < b {
		return a
	}
	return b
}
