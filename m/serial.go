package m

// Sequence numbers (delivery counts, delivery ids, transfer ids) use
// RFC-1982 serial number arithmetic with a 32 bit serial bits value.

// SerialLess reports whether a comes before b.
func SerialLess(a, b uint32) bool {
	return a != b && int32(b-a) > 0
}

// SerialLessOrEqual reports whether a comes before or is equal to b.
func SerialLessOrEqual(a, b uint32) bool {
	return a == b || SerialLess(a, b)
}

// SerialInRange reports whether v is within the inclusive range [first, last].
func SerialInRange(v, first, last uint32) bool {
	return SerialLessOrEqual(first, v) && SerialLessOrEqual(v, last)
}

// SerialDiff returns b - a as a signed distance.
func SerialDiff(a, b uint32) int64 {
	return int64(int32(b - a))
}
