package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// putU48 writes the low 48 bits of v into dst[0:6], little-endian.
func putU48(dst []byte, v uint64) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	dst[4] = byte(v >> 32)
	dst[5] = byte(v >> 40)
}

// getU48 reads a little-endian 48-bit unsigned integer from src[0:6].
func getU48(src []byte) uint64 {
	return uint64(src[0]) |
		uint64(src[1])<<8 |
		uint64(src[2])<<16 |
		uint64(src[3])<<24 |
		uint64(src[4])<<32 |
		uint64(src[5])<<40
}

const maxU48 = 1<<48 - 1

// putString appends a u16-length-prefixed UTF-8 string to buf and returns
// the result.
func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, ErrStringTooLong
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf, nil
}

// getString reads a u16-length-prefixed UTF-8 string from src, returning
// the string and the number of bytes consumed.
func getString(src []byte) (string, int, error) {
	if len(src) < 2 {
		return "", 0, ErrTruncatedFrame
	}
	n := int(binary.LittleEndian.Uint16(src))
	if len(src) < 2+n {
		return "", 0, ErrTruncatedFrame
	}
	b := src[2 : 2+n]
	if !utf8.Valid(b) {
		return "", 0, ErrBadUTF8
	}
	return string(b), 2 + n, nil
}
