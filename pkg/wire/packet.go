package wire

import "hash/crc32"

// Packet is one UDP datagram's worth of RFT protocol data: a header plus
// the frames it announces.
type Packet struct {
	Version uint8
	CID     uint32
	Frames  []Frame
}

// Encode serializes p into a freshly allocated byte slice, computing and
// splicing in the packet CRC.
func Encode(p Packet) ([]byte, error) {
	if len(p.Frames) > MaxFrameCount {
		return nil, ErrTooManyFrames
	}
	buf := make([]byte, HeaderSize, HeaderSize+64)
	encodeHeader(buf, Header{
		Version:    p.Version,
		CID:        p.CID,
		FrameCount: uint8(len(p.Frames)),
		CRC:        0,
	})
	var err error
	for _, f := range p.Frames {
		buf = append(buf, byte(f.Type()))
		buf, err = f.appendTo(buf)
		if err != nil {
			return nil, err
		}
	}
	crc := crc32.ChecksumIEEE(buf)
	top20 := crc >> 12
	encodeHeader(buf[:HeaderSize], Header{
		Version:    p.Version,
		CID:        p.CID,
		FrameCount: uint8(len(p.Frames)),
		CRC:        top20,
	})
	return buf, nil
}

// Decode parses a received datagram into a Packet. It validates the
// header, the packet-wide CRC, and that exactly the declared number of
// frames were consumed. Any failure here is a wire error: callers must
// drop the datagram silently rather than respond.
func Decode(src []byte) (Packet, error) {
	hdr, err := decodeHeader(src)
	if err != nil {
		return Packet{}, err
	}

	verify := make([]byte, len(src))
	copy(verify, src)
	encodeHeader(verify[:HeaderSize], Header{
		Version:    hdr.Version,
		CID:        hdr.CID,
		FrameCount: hdr.FrameCount,
		CRC:        0,
	})
	got := crc32.ChecksumIEEE(verify) >> 12
	if got != hdr.CRC {
		return Packet{}, ErrBadCRC
	}

	frames := make([]Frame, 0, hdr.FrameCount)
	rest := src[HeaderSize:]
	for i := 0; i < int(hdr.FrameCount); i++ {
		f, n, err := decodeFrame(rest)
		if err != nil {
			return Packet{}, err
		}
		frames = append(frames, f)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Packet{}, ErrLengthMismatch
	}

	return Packet{Version: hdr.Version, CID: hdr.CID, Frames: frames}, nil
}
