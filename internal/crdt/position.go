package crdt

import "math"

// maxDigit bounds the digit space at every position depth. Freshly
// allocated digits always land strictly inside (0, maxDigit), so a real
// segment never carries digit zero.
const maxDigit = 1 << 20

// Segment is one level of a dense position identifier. Replica breaks ties
// between concurrent allocations of the same digit.
type Segment struct {
	Digit   uint32 `cbor:"1,keyasint"`
	Replica uint32 `cbor:"2,keyasint"`
}

// Position totally orders sequence elements. Comparison is lexicographic
// over segments with a strict prefix ordering before its extensions.
type Position []Segment

// Compare returns -1, 0, or 1 ordering p against other.
func (p Position) Compare(other Position) int {
	for depth := 0; depth < len(p) && depth < len(other); depth++ {
		a, b := p[depth], other[depth]
		if a.Digit != b.Digit {
			if a.Digit < b.Digit {
				return -1
			}
			return 1
		}
		if a.Replica != b.Replica {
			if a.Replica < b.Replica {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

func segmentAt(pos Position, depth int, fallback Segment) Segment {
	if depth < len(pos) {
		return pos[depth]
	}
	return fallback
}

// posBetween allocates a fresh position strictly between left and right.
// Either bound may be empty, meaning unbounded on that side. The walk
// follows left's segments until it finds digit room; once it steps below
// right's shared prefix the right bound no longer constrains deeper levels.
func posBetween(left, right Position, replica uint32) Position {
	var pos Position
	rightActive := true
	for depth := 0; ; depth++ {
		l := segmentAt(left, depth, Segment{})
		r := Segment{Digit: maxDigit, Replica: math.MaxUint32}
		if rightActive {
			r = segmentAt(right, depth, r)
		}
		if r.Digit > l.Digit+1 {
			digit := l.Digit + (r.Digit-l.Digit)/2
			return append(pos, Segment{Digit: digit, Replica: replica})
		}
		pos = append(pos, l)
		if l != r {
			rightActive = false
		}
	}
}
