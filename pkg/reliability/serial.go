package reliability

// seqLess reports whether a precedes b in RFC 1982 serial-number order,
// treating frame IDs as wrapping modulo 2^32.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessEq reports whether a precedes or equals b in serial order.
func seqLessEq(a, b uint32) bool {
	return int32(a-b) <= 0
}
