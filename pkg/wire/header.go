package wire

import "encoding/binary"

// HeaderSize is the fixed size in bytes of the packet header: a 4-bit
// version, 32-bit connection ID, 8-bit frame count and 20-bit CRC packed
// into 64 bits, little-endian.
const HeaderSize = 8

// Header is the fixed-size preamble of every RFT packet.
type Header struct {
	Version    uint8
	CID        uint32
	FrameCount uint8
	CRC        uint32 // low 20 bits significant
}

// field bit offsets within the little-endian 64-bit header word.
const (
	versionShift    = 0
	cidShift        = 4
	frameCountShift = 36
	crcShift        = 44

	versionMask    = 0xF
	cidMask        = 0xFFFFFFFF
	frameCountMask = 0xFF
	crcMask        = 0xFFFFF // 20 bits
)

func packHeader(h Header) uint64 {
	return uint64(h.Version)&versionMask<<versionShift |
		uint64(h.CID)&cidMask<<cidShift |
		uint64(h.FrameCount)&frameCountMask<<frameCountShift |
		uint64(h.CRC)&crcMask<<crcShift
}

func unpackHeader(word uint64) Header {
	return Header{
		Version:    uint8(word >> versionShift & versionMask),
		CID:        uint32(word >> cidShift & cidMask),
		FrameCount: uint8(word >> frameCountShift & frameCountMask),
		CRC:        uint32(word >> crcShift & crcMask),
	}
}

// encodeHeader writes h into the first HeaderSize bytes of dst.
func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint64(dst, packHeader(h))
}

// decodeHeader reads a Header from the first HeaderSize bytes of src. It
// does not validate CRC; callers verify that separately once the full
// packet is available.
func decodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrTruncatedHeader
	}
	return unpackHeader(binary.LittleEndian.Uint64(src)), nil
}
