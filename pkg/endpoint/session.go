package endpoint

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/connection"
	"github.com/gierens/rft/pkg/flowctl"
	"github.com/gierens/rft/pkg/rftfs"
	"github.com/gierens/rft/pkg/transfer"
	"github.com/gierens/rft/pkg/wire"
)

// Session is a client-side RFT connection: one completed handshake driving
// Read, Write, List, Delete, Stat and Exit commands against a server.
type Session struct {
	ep     *Endpoint
	handle *connHandle
	cancel context.CancelFunc
}

// Dial performs the handshake against serverAddr ("host:port") and returns
// a ready Session. The handshake itself uses a plain blocking read with a
// wall-clock deadline since the endpoint's tick-driven machinery does not
// start running until after the handshake completes.
func Dial(ctx context.Context, serverAddr string, clk clock.Clock, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("rft: resolving server address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("rft: opening client socket: %w", err)
	}

	ep := New(conn, nil, flowctl.DefaultMSS, clk, log)

	hello, err := wire.Encode(wire.Packet{Version: wire.ProtocolVersion, CID: wire.HelloCID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.WriteToUDP(hello, raddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rft: sending hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rft: awaiting handshake reply: %w", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rft: decoding handshake reply: %w", err)
	}

	connObj := connection.NewHandshaking(clk, pkt.CID, raddr, log.Logger)
	connObj.CompleteHandshake(clk.Now())
	handle := newClientConnHandle(ep, connObj)
	ep.registerClient(pkt.CID, handle)
	handle.start()

	sessCtx, cancel := context.WithCancel(ctx)
	go ep.Serve(sessCtx)

	return &Session{ep: ep, handle: handle, cancel: cancel}, nil
}

// Close drains the connection with an Exit and tears down the client
// endpoint. Errors from Exit are ignored: Close always releases local
// resources.
func (s *Session) Close() {
	_, _ = s.doSimple(wire.CommandTypeExit, "")
	s.handle.shutdown(wire.ErrorCodeReserved)
	s.cancel()
}

func (s *Session) doSimple(ct wire.CommandType, path string) (*wire.AnswerFrame, error) {
	var waitCh <-chan *wire.AnswerFrame
	s.handle.exec(func() {
		id := s.handle.conn.Engine.NextFrameID()
		cmd := &wire.CommandFrame{FrameID: id, CommandType: ct, Path: path}
		s.handle.conn.Engine.LogSent(id, []wire.Frame{cmd})
		waitCh = s.handle.pending.Await(id)
		s.handle.sendPacket([]wire.Frame{cmd})
	})
	ans := <-waitCh
	if ans.Status != wire.ErrorCodeReserved {
		return ans, fmt.Errorf("rft: %s failed: %s", ct, ans.Detail)
	}
	return ans, nil
}

// List returns the entries of the directory at path.
func (s *Session) List(path string) ([]rftfs.Entry, error) {
	ans, err := s.doSimple(wire.CommandTypeList, path)
	if err != nil {
		return nil, err
	}
	return parseListing(ans.Detail), nil
}

// Delete removes the file or empty directory at path.
func (s *Session) Delete(path string) error {
	_, err := s.doSimple(wire.CommandTypeDelete, path)
	return err
}

// Stat returns metadata for path.
func (s *Session) Stat(path string) (rftfs.Entry, error) {
	ans, err := s.doSimple(wire.CommandTypeStat, path)
	if err != nil {
		return rftfs.Entry{}, err
	}
	return rftfs.Entry{
		Name:    filepath.Base(path),
		Size:    ans.Size,
		IsDir:   ans.IsDir,
		ModTime: time.Unix(int64(ans.ModTime), 0),
	}, nil
}

// Get downloads remotePath into a freshly created file at localPath.
func (s *Session) Get(remotePath, localPath string) error {
	stat, err := s.Stat(remotePath)
	if err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := transfer.NewReceive(remotePath, f, 0, stat.Size, 0)
	payload := &wire.ReadCmdPayloadFrame{Offset: 0, Length: stat.Size, Path: remotePath}

	var waitCh <-chan *wire.AnswerFrame
	s.handle.exec(func() {
		id := s.handle.conn.Engine.NextFrameID()
		cmd := &wire.CommandFrame{FrameID: id, CommandType: wire.CommandTypeRead}
		s.handle.conn.Engine.LogSent(id, []wire.Frame{cmd, payload})
		s.handle.activeInTr = tr
		waitCh = s.handle.pending.Await(id)
		s.handle.sendPacket([]wire.Frame{cmd, payload})
	})

	ans := <-waitCh
	if ans.Status != wire.ErrorCodeReserved {
		return fmt.Errorf("rft: read failed: %s", ans.Detail)
	}
	// The Answer riding the same ordered sequence as the Data frames
	// guarantees they were all delivered before it, but a short read still
	// deserves its own error rather than a silently truncated file.
	if !tr.ReceiveComplete() {
		return fmt.Errorf("rft: read failed: incomplete transfer")
	}
	got, err := transfer.CRCOverRange(f, 0, stat.Size)
	if err != nil {
		return fmt.Errorf("rft: verifying downloaded content: %w", err)
	}
	if got != ans.CRC {
		return fmt.Errorf("rft: downloaded content failed CRC check")
	}
	return nil
}

// Put uploads localPath to remotePath on the server.
func (s *Session) Put(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := uint64(info.Size())

	crc, err := transfer.CRCOverRange(f, 0, size)
	if err != nil {
		return err
	}

	tr := transfer.NewSend(remotePath, f, 0, size, s.handle.conn.Flow.MSS())
	payload := &wire.ReadCmdPayloadFrame{Offset: 0, Length: size, ExpectedCRC: crc, Path: remotePath}

	var waitCh <-chan *wire.AnswerFrame
	s.handle.exec(func() {
		id := s.handle.conn.Engine.NextFrameID()
		cmd := &wire.CommandFrame{FrameID: id, CommandType: wire.CommandTypeWrite}
		s.handle.conn.Engine.LogSent(id, []wire.Frame{cmd, payload})
		s.handle.activeOutTr = tr
		waitCh = s.handle.pending.Await(id)
		s.handle.sendPacket([]wire.Frame{cmd, payload})
	})

	ans := <-waitCh
	if ans.Status != wire.ErrorCodeReserved {
		return fmt.Errorf("rft: write failed: %s", ans.Detail)
	}
	return nil
}

// parseListing decodes the "d|f name size\n..." format a List Answer's
// Detail carries.
func parseListing(detail string) []rftfs.Entry {
	if detail == "" {
		return nil
	}
	lines := strings.Split(detail, "\n")
	entries := make([]rftfs.Entry, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, rftfs.Entry{
			Name:  fields[1],
			Size:  size,
			IsDir: fields[0] == "d",
		})
	}
	return entries
}
