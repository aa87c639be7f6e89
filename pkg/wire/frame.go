package wire

import "encoding/binary"

// Frame is implemented by every frame variant. Type reports the wire
// discriminant; appendTo appends the frame body (everything after the type
// byte, which Encode writes) to buf; the package
// decodes frames through decodeFrame, not through this interface, since
// decoding needs to pick the concrete type first.
type Frame interface {
	Type() FrameType
	appendTo(buf []byte) ([]byte, error)
}

// DataFrame carries a range of file bytes for the active transfer.
type DataFrame struct {
	FrameID uint32
	Offset  uint64 // u48
	Length  uint64 // u48, equal to len(Payload)
	Payload []byte
}

func (f *DataFrame) Type() FrameType { return FrameTypeData }

func (f *DataFrame) appendTo(buf []byte) ([]byte, error) {
	if f.Offset > maxU48 || uint64(len(f.Payload)) > maxU48 {
		return nil, ErrPayloadTooLong
	}
	var hdr [4 + 6 + 6]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.FrameID)
	putU48(hdr[4:10], f.Offset)
	putU48(hdr[10:16], uint64(len(f.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// AckFrame cumulatively acknowledges all frames with ID <= FrameID.
type AckFrame struct {
	FrameID uint32
}

func (f *AckFrame) Type() FrameType { return FrameTypeAck }

func (f *AckFrame) appendTo(buf []byte) ([]byte, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], f.FrameID)
	return append(buf, b[:]...), nil
}

// FlowFrame advertises the sender's free receive buffer capacity in bytes.
type FlowFrame struct {
	WindowSize uint16
	Reserved   uint8
}

func (f *FlowFrame) Type() FrameType { return FrameTypeFlow }

func (f *FlowFrame) appendTo(buf []byte) ([]byte, error) {
	var b [3]byte
	binary.LittleEndian.PutUint16(b[0:2], f.WindowSize)
	b[2] = f.Reserved
	return append(buf, b[:]...), nil
}

// ErrorFrame reports a wire, protocol, or command failure.
type ErrorFrame struct {
	FrameID uint32
	Code    ErrorCode
	Message string
}

func (f *ErrorFrame) Type() FrameType { return FrameTypeError }

func (f *ErrorFrame) appendTo(buf []byte) ([]byte, error) {
	var b [5]byte
	binary.LittleEndian.PutUint32(b[0:4], f.FrameID)
	b[4] = byte(f.Code)
	buf = append(buf, b[:]...)
	return putString(buf, f.Message)
}

// ConnectionIDChangeFrame proposes or confirms a connection ID change
// during the handshake.
type ConnectionIDChangeFrame struct {
	FrameID uint32
	OldCID  uint32
	NewCID  uint32
}

func (f *ConnectionIDChangeFrame) Type() FrameType { return FrameTypeConnectionIDChange }

func (f *ConnectionIDChangeFrame) appendTo(buf []byte) ([]byte, error) {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], f.FrameID)
	binary.LittleEndian.PutUint32(b[4:8], f.OldCID)
	binary.LittleEndian.PutUint32(b[8:12], f.NewCID)
	return append(buf, b[:]...), nil
}

// CommandFrame issues a file-system command. Read and Write carry their
// range/path payload in a companion ReadCmdPayloadFrame within the same
// packet instead of inline, since that payload shape is shared by both
// commands; List, Delete and Stat carry a path string inline; Exit carries
// no payload.
type CommandFrame struct {
	FrameID     uint32
	CommandType CommandType
	Path        string // List, Delete, Stat only
}

func (f *CommandFrame) Type() FrameType { return FrameTypeCommand }

func (f *CommandFrame) appendTo(buf []byte) ([]byte, error) {
	var b [5]byte
	binary.LittleEndian.PutUint32(b[0:4], f.FrameID)
	b[4] = byte(f.CommandType)
	buf = append(buf, b[:]...)
	switch f.CommandType {
	case CommandTypeList, CommandTypeDelete, CommandTypeStat:
		return putString(buf, f.Path)
	default:
		return buf, nil
	}
}

// AnswerFrame replies to a CommandFrame. FrameID is the answering side's
// own outbound frame ID, assigned from the same per-connection sequence as
// its Data frames so the two interleave correctly on the peer's single
// receive cursor; InReplyTo carries the original CommandFrame's FrameID for
// correlation and is otherwise inert on the wire.
type AnswerFrame struct {
	FrameID     uint32
	InReplyTo   uint32
	CommandType CommandType
	Status      ErrorCode // ErrorCodeReserved (0) means success
	Detail      string    // error detail, or List's directory listing on success
	Size        uint64    // Stat success only, u48
	IsDir       bool      // Stat success only
	ModTime     uint64    // Stat success only, unix seconds, u48
	CRC         uint32    // Read success only, CRC-32 of the served range
}

func (f *AnswerFrame) Type() FrameType { return FrameTypeAnswer }

func (f *AnswerFrame) appendTo(buf []byte) ([]byte, error) {
	var b [9]byte
	binary.LittleEndian.PutUint32(b[0:4], f.FrameID)
	binary.LittleEndian.PutUint32(b[4:8], f.InReplyTo)
	b[8] = byte(f.CommandType)
	buf = append(buf, b[:]...)
	buf = append(buf, byte(f.Status))
	if f.CommandType == CommandTypeRead && f.Status == ErrorCodeReserved {
		var cb [4]byte
		binary.LittleEndian.PutUint32(cb[:], f.CRC)
		return append(buf, cb[:]...), nil
	}
	if f.CommandType == CommandTypeStat && f.Status == ErrorCodeReserved {
		if f.Size > maxU48 || f.ModTime > maxU48 {
			return nil, ErrPayloadTooLong
		}
		var sb [6 + 1 + 6]byte
		putU48(sb[0:6], f.Size)
		if f.IsDir {
			sb[6] = 1
		}
		putU48(sb[7:13], f.ModTime)
		return append(buf, sb[:]...), nil
	}
	return putString(buf, f.Detail)
}

// ReadCmdPayloadFrame describes the byte range, expected CRC, and target
// path for a Read or Write command. It has no FrameID of its own; it is
// correlated to the Command frame that precedes it in the same packet.
type ReadCmdPayloadFrame struct {
	Offset      uint64 // u48
	Length      uint64 // u48
	ExpectedCRC uint32
	Path        string
}

func (f *ReadCmdPayloadFrame) Type() FrameType { return FrameTypeReadCmdPayload }

func (f *ReadCmdPayloadFrame) appendTo(buf []byte) ([]byte, error) {
	if f.Offset > maxU48 || f.Length > maxU48 {
		return nil, ErrPayloadTooLong
	}
	var b [6 + 6 + 4]byte
	putU48(b[0:6], f.Offset)
	putU48(b[6:12], f.Length)
	binary.LittleEndian.PutUint32(b[12:16], f.ExpectedCRC)
	buf = append(buf, b[:]...)
	return putString(buf, f.Path)
}

// decodeFrame reads one frame from src, returning the frame and the number
// of bytes consumed.
func decodeFrame(src []byte) (Frame, int, error) {
	if len(src) < 1 {
		return nil, 0, ErrTruncatedFrame
	}
	typ := FrameType(src[0])
	body := src[1:]
	switch typ {
	case FrameTypeData:
		if len(body) < 16 {
			return nil, 0, ErrTruncatedFrame
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		offset := getU48(body[4:10])
		length := getU48(body[10:16])
		if uint64(len(body)-16) < length {
			return nil, 0, ErrTruncatedFrame
		}
		payload := make([]byte, length)
		copy(payload, body[16:16+length])
		return &DataFrame{FrameID: id, Offset: offset, Length: length, Payload: payload}, 1 + 16 + int(length), nil

	case FrameTypeAck:
		if len(body) < 4 {
			return nil, 0, ErrTruncatedFrame
		}
		return &AckFrame{FrameID: binary.LittleEndian.Uint32(body)}, 1 + 4, nil

	case FrameTypeFlow:
		if len(body) < 3 {
			return nil, 0, ErrTruncatedFrame
		}
		return &FlowFrame{
			WindowSize: binary.LittleEndian.Uint16(body[0:2]),
			Reserved:   body[2],
		}, 1 + 3, nil

	case FrameTypeError:
		if len(body) < 5 {
			return nil, 0, ErrTruncatedFrame
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		code := ErrorCode(body[4])
		msg, n, err := getString(body[5:])
		if err != nil {
			return nil, 0, err
		}
		return &ErrorFrame{FrameID: id, Code: code, Message: msg}, 1 + 5 + n, nil

	case FrameTypeConnectionIDChange:
		if len(body) < 12 {
			return nil, 0, ErrTruncatedFrame
		}
		return &ConnectionIDChangeFrame{
			FrameID: binary.LittleEndian.Uint32(body[0:4]),
			OldCID:  binary.LittleEndian.Uint32(body[4:8]),
			NewCID:  binary.LittleEndian.Uint32(body[8:12]),
		}, 1 + 12, nil

	case FrameTypeCommand:
		if len(body) < 5 {
			return nil, 0, ErrTruncatedFrame
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		ct := CommandType(body[4])
		switch ct {
		case CommandTypeList, CommandTypeDelete, CommandTypeStat:
			path, n, err := getString(body[5:])
			if err != nil {
				return nil, 0, err
			}
			return &CommandFrame{FrameID: id, CommandType: ct, Path: path}, 1 + 5 + n, nil
		default:
			return &CommandFrame{FrameID: id, CommandType: ct}, 1 + 5, nil
		}

	case FrameTypeAnswer:
		if len(body) < 10 {
			return nil, 0, ErrTruncatedFrame
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		inReplyTo := binary.LittleEndian.Uint32(body[4:8])
		ct := CommandType(body[8])
		status := ErrorCode(body[9])
		rest := body[10:]
		if ct == CommandTypeRead && status == ErrorCodeReserved {
			if len(rest) < 4 {
				return nil, 0, ErrTruncatedFrame
			}
			crc := binary.LittleEndian.Uint32(rest[0:4])
			return &AnswerFrame{FrameID: id, InReplyTo: inReplyTo, CommandType: ct, Status: status, CRC: crc}, 1 + 10 + 4, nil
		}
		if ct == CommandTypeStat && status == ErrorCodeReserved {
			if len(rest) < 13 {
				return nil, 0, ErrTruncatedFrame
			}
			size := getU48(rest[0:6])
			isDir := rest[6] != 0
			mtime := getU48(rest[7:13])
			return &AnswerFrame{FrameID: id, InReplyTo: inReplyTo, CommandType: ct, Status: status, Size: size, IsDir: isDir, ModTime: mtime}, 1 + 10 + 13, nil
		}
		detail, n, err := getString(rest)
		if err != nil {
			return nil, 0, err
		}
		return &AnswerFrame{FrameID: id, InReplyTo: inReplyTo, CommandType: ct, Status: status, Detail: detail}, 1 + 10 + n, nil

	case FrameTypeReadCmdPayload:
		if len(body) < 16 {
			return nil, 0, ErrTruncatedFrame
		}
		offset := getU48(body[0:6])
		length := getU48(body[6:12])
		crc := binary.LittleEndian.Uint32(body[12:16])
		path, n, err := getString(body[16:])
		if err != nil {
			return nil, 0, err
		}
		return &ReadCmdPayloadFrame{Offset: offset, Length: length, ExpectedCRC: crc, Path: path}, 1 + 16 + n, nil

	default:
		return nil, 0, ErrUnknownFrameType
	}
}
