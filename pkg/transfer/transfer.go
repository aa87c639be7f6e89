// Package transfer drives a single file transfer: on the receiving side,
// preallocation, arbitrary-offset idempotent writes, and CRC validation;
// on the sending side, MSS-sized chunking fed to the reliability engine.
package transfer

import (
	"hash/crc32"

	"github.com/gierens/rft/pkg/rftfs"
)

// Direction is which side of the transfer this connection is driving.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// Chunk is one outbound slice of file data ready to hand to the
// reliability engine as a Data frame payload.
type Chunk struct {
	Offset  uint64
	Payload []byte
}

// Transfer is owned by a connection; one exists per active command that
// moves file bytes.
type Transfer struct {
	Direction   Direction
	Path        string
	File        rftfs.File
	BaseOffset  uint64
	Length      uint64
	ExpectedCRC uint32 // 0 means "not checked"

	covered       RangeSet // receive side
	nextSendOffset uint64  // send side
	mss           int
}

// NewReceive constructs a Transfer that writes incoming Data frames into
// File starting at baseOffset, expecting length bytes total.
func NewReceive(path string, file rftfs.File, baseOffset, length uint64, expectedCRC uint32) *Transfer {
	return &Transfer{
		Direction:   DirectionReceive,
		Path:        path,
		File:        file,
		BaseOffset:  baseOffset,
		Length:      length,
		ExpectedCRC: expectedCRC,
	}
}

// NewSend constructs a Transfer that chunks File starting at baseOffset
// for length bytes into MSS-sized Data frame payloads.
func NewSend(path string, file rftfs.File, baseOffset, length uint64, mss int) *Transfer {
	return &Transfer{
		Direction:      DirectionSend,
		Path:           path,
		File:           file,
		BaseOffset:     baseOffset,
		Length:         length,
		nextSendOffset: baseOffset,
		mss:            mss,
	}
}

// AcceptData writes payload at offset (relative to the file, not the
// transfer's base) and marks the byte range covered. Writing the same
// range twice is idempotent: the second WriteAt simply repeats the same
// bytes.
func (tr *Transfer) AcceptData(offset uint64, payload []byte) error {
	if _, err := tr.File.WriteAt(payload, int64(offset)); err != nil {
		return err
	}
	tr.covered.Add(offset, offset+uint64(len(payload)))
	return nil
}

// ReceiveComplete reports whether every byte in [BaseOffset,
// BaseOffset+Length) has been written.
func (tr *Transfer) ReceiveComplete() bool {
	return tr.covered.Covers(tr.BaseOffset, tr.BaseOffset+tr.Length)
}

// VerifyCRC recomputes the CRC-32 over the transfer's byte range and
// compares it against ExpectedCRC. A zero ExpectedCRC means no check was
// requested and VerifyCRC reports ok=true without reading the file.
func (tr *Transfer) VerifyCRC() (ok bool, err error) {
	if tr.ExpectedCRC == 0 {
		return true, nil
	}
	got, err := CRCOverRange(tr.File, tr.BaseOffset, tr.Length)
	if err != nil {
		return false, err
	}
	return got == tr.ExpectedCRC, nil
}

// CRCOverRange computes the CRC-32 (IEEE) of f over [offset, offset+length).
func CRCOverRange(f rftfs.File, offset, length uint64) (uint32, error) {
	const bufSize = 32 * 1024
	buf := make([]byte, bufSize)
	h := crc32.NewIEEE()
	remaining := length
	pos := int64(offset)
	for remaining > 0 {
		n := bufSize
		if uint64(n) > remaining {
			n = int(remaining)
		}
		read, err := f.ReadAt(buf[:n], pos)
		if read > 0 {
			h.Write(buf[:read])
		}
		if err != nil {
			return 0, err
		}
		pos += int64(read)
		remaining -= uint64(read)
	}
	return h.Sum32(), nil
}

// NextChunks returns up to quota bytes of outbound chunks, each at most
// MSS bytes, advancing the send cursor. It returns fewer bytes (or none)
// once the transfer's range is exhausted.
func (tr *Transfer) NextChunks(quota int) ([]Chunk, error) {
	end := tr.BaseOffset + tr.Length
	var chunks []Chunk
	budget := quota
	for tr.nextSendOffset < end && budget > 0 {
		size := tr.mss
		if uint64(size) > end-tr.nextSendOffset {
			size = int(end - tr.nextSendOffset)
		}
		if size > budget {
			size = budget
		}
		if size <= 0 {
			break
		}
		buf := make([]byte, size)
		n, err := tr.File.ReadAt(buf, int64(tr.nextSendOffset))
		if n > 0 {
			chunks = append(chunks, Chunk{Offset: tr.nextSendOffset, Payload: buf[:n]})
			tr.nextSendOffset += uint64(n)
			budget -= n
		}
		if err != nil {
			return chunks, err
		}
		if n == 0 {
			break
		}
	}
	return chunks, nil
}

// SendComplete reports whether every byte in the send range has been
// chunked out.
func (tr *Transfer) SendComplete() bool {
	return tr.nextSendOffset >= tr.BaseOffset+tr.Length
}
