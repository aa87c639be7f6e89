// Package command implements the server-side command/answer layer: it
// demultiplexes Command frames to handlers, pairs each with its Answer,
// and hands read/write byte ranges off to the transfer coordinator.
package command

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gierens/rft/pkg/rftfs"
	"github.com/gierens/rft/pkg/transfer"
	"github.com/gierens/rft/pkg/wire"
)

// Active is an in-progress Read or Write command whose byte transfer has
// not yet completed. The connection driving it polls PumpSend or feeds
// AcceptData as Data frames flow, then asks the Dispatcher to finish it.
type Active struct {
	FrameID     uint32
	CommandType wire.CommandType
	Path        string
	Transfer    *transfer.Transfer
	file        rftfs.File
	crc         uint32 // Read only: CRC-32 of the served range, for FinishSend
}

// Dispatcher binds the command layer to a filesystem collaborator and the
// MSS used to chunk outbound Read transfers.
type Dispatcher struct {
	FS  rftfs.Filesystem
	MSS int
	Log *logrus.Entry
}

// New constructs a Dispatcher.
func New(fs rftfs.Filesystem, mss int, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{FS: fs, MSS: mss, Log: log}
}

// Begin handles a Command frame. For List/Delete/Stat/Exit it executes
// synchronously and returns the Answer immediately. For Read/Write it
// returns an Active command the caller must pump/feed to completion
// (payload is required and describes the byte range and path).
func (d *Dispatcher) Begin(cmd *wire.CommandFrame, payload *wire.ReadCmdPayloadFrame) (*Active, *wire.AnswerFrame, error) {
	switch cmd.CommandType {
	case wire.CommandTypeRead:
		return d.beginRead(cmd, payload)
	case wire.CommandTypeWrite:
		return d.beginWrite(cmd, payload)
	case wire.CommandTypeList:
		return nil, d.doList(cmd), nil
	case wire.CommandTypeDelete:
		return nil, d.doDelete(cmd), nil
	case wire.CommandTypeStat:
		return nil, d.doStat(cmd), nil
	case wire.CommandTypeExit:
		return nil, &wire.AnswerFrame{InReplyTo: cmd.FrameID, CommandType: cmd.CommandType, Status: wire.ErrorCodeReserved}, nil
	default:
		return nil, &wire.AnswerFrame{
			InReplyTo:   cmd.FrameID,
			CommandType: cmd.CommandType,
			Status:      wire.ErrorCodeUnknownCommand,
			Detail:      "unknown command type",
		}, nil
	}
}

// errAnswer builds a failure Answer correlated to cmd. Its FrameID is left
// zero; the connection handle assigns a real outbound ID before sending.
func errAnswer(cmd *wire.CommandFrame, code wire.ErrorCode, detail string) *wire.AnswerFrame {
	return &wire.AnswerFrame{InReplyTo: cmd.FrameID, CommandType: cmd.CommandType, Status: code, Detail: detail}
}

func classifyFSError(err error) wire.ErrorCode {
	switch {
	case err == rftfs.ErrPathEscapesRoot:
		return wire.ErrorCodePermissionDenied
	case strings.Contains(err.Error(), "no such file"):
		return wire.ErrorCodeNotFound
	case strings.Contains(err.Error(), "permission denied"):
		return wire.ErrorCodePermissionDenied
	default:
		return wire.ErrorCodeIOError
	}
}

func (d *Dispatcher) beginRead(cmd *wire.CommandFrame, payload *wire.ReadCmdPayloadFrame) (*Active, *wire.AnswerFrame, error) {
	if payload == nil {
		return nil, errAnswer(cmd, wire.ErrorCodeBadRequest, "missing read payload"), nil
	}
	f, err := d.FS.OpenRead(payload.Path)
	if err != nil {
		return nil, errAnswer(cmd, classifyFSError(err), err.Error()), nil
	}
	got, err := transfer.CRCOverRange(f, payload.Offset, payload.Length)
	if err != nil {
		f.Close()
		return nil, errAnswer(cmd, wire.ErrorCodeIOError, err.Error()), nil
	}
	if payload.ExpectedCRC != 0 && got != payload.ExpectedCRC {
		f.Close()
		return nil, errAnswer(cmd, wire.ErrorCodeChecksumChanged, "requested range CRC no longer matches"), nil
	}
	tr := transfer.NewSend(payload.Path, f, payload.Offset, payload.Length, d.MSS)
	return &Active{FrameID: cmd.FrameID, CommandType: wire.CommandTypeRead, Path: payload.Path, Transfer: tr, file: f, crc: got}, nil, nil
}

func (d *Dispatcher) beginWrite(cmd *wire.CommandFrame, payload *wire.ReadCmdPayloadFrame) (*Active, *wire.AnswerFrame, error) {
	if payload == nil {
		return nil, errAnswer(cmd, wire.ErrorCodeBadRequest, "missing write payload"), nil
	}
	f, err := d.FS.OpenWrite(payload.Path, int64(payload.Offset+payload.Length))
	if err != nil {
		return nil, errAnswer(cmd, classifyFSError(err), err.Error()), nil
	}
	tr := transfer.NewReceive(payload.Path, f, payload.Offset, payload.Length, payload.ExpectedCRC)
	return &Active{FrameID: cmd.FrameID, CommandType: wire.CommandTypeWrite, Path: payload.Path, Transfer: tr, file: f}, nil, nil
}

// PumpSend advances a Read Active command, returning up to quota bytes of
// chunks ready to become Data frames.
func (d *Dispatcher) PumpSend(ac *Active, quota int) ([]transfer.Chunk, error) {
	return ac.Transfer.NextChunks(quota)
}

// FinishSend closes the transfer's file and builds the Read command's
// completion Answer. Callers must only call this once SendComplete is
// true.
func (d *Dispatcher) FinishSend(ac *Active) *wire.AnswerFrame {
	ac.file.Close()
	return &wire.AnswerFrame{InReplyTo: ac.FrameID, CommandType: wire.CommandTypeRead, Status: wire.ErrorCodeReserved, CRC: ac.crc}
}

// AcceptData feeds one inbound Data frame's bytes to a Write Active
// command's transfer.
func (d *Dispatcher) AcceptData(ac *Active, offset uint64, payload []byte) error {
	return ac.Transfer.AcceptData(offset, payload)
}

// FinishReceive checks completion and CRC for a Write Active command and
// builds its completion Answer, closing the file regardless of outcome.
func (d *Dispatcher) FinishReceive(ac *Active) *wire.AnswerFrame {
	defer ac.file.Close()
	if !ac.Transfer.ReceiveComplete() {
		return errAnswer(&wire.CommandFrame{FrameID: ac.FrameID, CommandType: wire.CommandTypeWrite}, wire.ErrorCodeBadRequest, "incomplete transfer")
	}
	ok, err := ac.Transfer.VerifyCRC()
	if err != nil {
		return errAnswer(&wire.CommandFrame{FrameID: ac.FrameID, CommandType: wire.CommandTypeWrite}, wire.ErrorCodeIOError, err.Error())
	}
	if !ok {
		return errAnswer(&wire.CommandFrame{FrameID: ac.FrameID, CommandType: wire.CommandTypeWrite}, wire.ErrorCodeChecksumChanged, "received data does not match expected crc")
	}
	return &wire.AnswerFrame{InReplyTo: ac.FrameID, CommandType: wire.CommandTypeWrite, Status: wire.ErrorCodeReserved}
}

func (d *Dispatcher) doList(cmd *wire.CommandFrame) *wire.AnswerFrame {
	entries, err := d.FS.List(cmd.Path)
	if err != nil {
		return errAnswer(cmd, classifyFSError(err), err.Error())
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		kind := byte('f')
		if e.IsDir {
			kind = 'd'
		}
		b.WriteByte(kind)
		b.WriteByte(' ')
		b.WriteString(e.Name)
		b.WriteByte(' ')
		writeUint(&b, e.Size)
	}
	return &wire.AnswerFrame{InReplyTo: cmd.FrameID, CommandType: wire.CommandTypeList, Status: wire.ErrorCodeReserved, Detail: b.String()}
}

func (d *Dispatcher) doDelete(cmd *wire.CommandFrame) *wire.AnswerFrame {
	if err := d.FS.Delete(cmd.Path); err != nil {
		return errAnswer(cmd, classifyFSError(err), err.Error())
	}
	return &wire.AnswerFrame{InReplyTo: cmd.FrameID, CommandType: wire.CommandTypeDelete, Status: wire.ErrorCodeReserved}
}

func (d *Dispatcher) doStat(cmd *wire.CommandFrame) *wire.AnswerFrame {
	entry, err := d.FS.Stat(cmd.Path)
	if err != nil {
		return errAnswer(cmd, classifyFSError(err), err.Error())
	}
	return &wire.AnswerFrame{
		InReplyTo:   cmd.FrameID,
		CommandType: wire.CommandTypeStat,
		Status:      wire.ErrorCodeReserved,
		Size:        entry.Size,
		IsDir:       entry.IsDir,
		ModTime:     uint64(entry.ModTime.Unix()),
	}
}

func writeUint(b *strings.Builder, v uint64) {
	if v == 0 {
		b.WriteByte('0')
		return
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	b.Write(digits[i:])
}
