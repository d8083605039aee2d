package network

// Arc is a node's claimed coverage of the 32-bit location ring. A
// basis hash belongs to the arc when its location falls inside the
// wrapped interval [Start, Start+Length).
type Arc struct {
	Start  uint32
	Length uint64 // up to 1<<32 for the full ring
}

// FullArc covers the entire ring; every node is authority for
// everything. This is the single-node default.
func FullArc() Arc {
	return Arc{Start: 0, Length: 1 << 32}
}

// EmptyArc covers nothing; the node holds no authority.
func EmptyArc() Arc {
	return Arc{}
}

// HalfArc covers half the ring starting at start; two of these make a
// minimal sharded test topology.
func HalfArc(start uint32) Arc {
	return Arc{Start: start, Length: 1 << 31}
}

// Contains reports whether loc falls inside the arc, wrapping at the
// ring boundary.
func (a Arc) Contains(loc uint32) bool {
	if a.Length >= 1<<32 {
		return true
	}
	if a.Length == 0 {
		return false
	}
	offset := uint64(loc - a.Start) // wraps mod 2^32
	return offset < a.Length
}
