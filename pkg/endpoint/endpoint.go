// Package endpoint implements the endpoint multiplexer: it owns the UDP
// socket, the CID-authoritative connection table, and drives each
// connection's timers, fanning inbound datagrams to per-connection
// goroutines and draining their outbound packets back to the socket.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/command"
	"github.com/gierens/rft/pkg/connection"
	"github.com/gierens/rft/pkg/exporter"
	"github.com/gierens/rft/pkg/rftfs"
	"github.com/gierens/rft/pkg/wire"
)

// TickInterval is how often each connection's timer wheel is checked for
// retransmits, ack coalescing, idle/handshake/drain deadlines, and the
// zero-window probe. A real timer-per-deadline wheel would be more
// precise; this periodic sweep is simpler and within the tolerances all
// of those deadlines are specified to (seconds, not milliseconds) except
// ack coalescing, which TickInterval is sized to serve directly.
const TickInterval = 20 * time.Millisecond

// Endpoint owns one UDP socket and every connection multiplexed over it.
type Endpoint struct {
	conn    net.PacketConn
	clk     clock.Clock
	log     *logrus.Entry
	fs      rftfs.Filesystem
	mss     int
	version uint8

	mu     sync.Mutex
	byCID  map[uint32]*connHandle
	byAddr map[string]uint32

	metrics *exporter.ConnectionCollector

	outbound chan outboundDatagram
	closing  chan struct{}
	wg       sync.WaitGroup
}

// SetMetrics registers collector to track every connection this endpoint
// subsequently opens, until the connection closes.
func (ep *Endpoint) SetMetrics(collector *exporter.ConnectionCollector) {
	ep.metrics = collector
}

type outboundDatagram struct {
	addr net.Addr
	data []byte
}

// New constructs an Endpoint bound to conn. fs and mss are used for
// server-side command handling; a pure client Endpoint may pass a nil fs
// if it never accepts inbound hellos.
func New(conn net.PacketConn, fs rftfs.Filesystem, mss int, clk clock.Clock, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ep := &Endpoint{
		conn:     conn,
		clk:      clk,
		log:      log,
		fs:       fs,
		mss:      mss,
		version:  wire.ProtocolVersion,
		byCID:    make(map[uint32]*connHandle),
		byAddr:   make(map[string]uint32),
		outbound: make(chan outboundDatagram, 256),
		closing:  make(chan struct{}),
	}
	tuneSocketBuffers(conn, log)
	return ep
}

// Serve runs the multiplexer's read and write loops until ctx is done or
// Close is called.
func (ep *Endpoint) Serve(ctx context.Context) error {
	ep.wg.Add(2)
	go ep.writeLoop()
	go ep.tickLoop(ctx)

	defer ep.wg.Wait()

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			ep.Close()
			return ctx.Err()
		case <-ep.closing:
			return nil
		default:
		}

		n, addr, err := ep.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ep.closing:
				return nil
			default:
			}
			return err
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue // wire error: silent drop
		}
		ep.route(addr, pkt)
	}
}

// Close shuts the endpoint down: it stops the read loop, closes every
// connection, and closes the underlying socket.
func (ep *Endpoint) Close() {
	select {
	case <-ep.closing:
		return
	default:
		close(ep.closing)
	}
	ep.mu.Lock()
	handles := make([]*connHandle, 0, len(ep.byCID))
	for _, h := range ep.byCID {
		handles = append(handles, h)
	}
	ep.mu.Unlock()
	for _, h := range handles {
		h.shutdown(wire.ErrorCodeShutdown)
	}
	ep.conn.Close()
}

func (ep *Endpoint) route(addr net.Addr, pkt wire.Packet) {
	if pkt.CID == wire.HelloCID {
		ep.handleHello(addr, pkt)
		return
	}
	ep.mu.Lock()
	h, ok := ep.byCID[pkt.CID]
	ep.mu.Unlock()
	if !ok {
		return // unknown CID: no connection exists, silently ignore
	}
	h.deliver(inbound{addr: addr, pkt: pkt})
}

func (ep *Endpoint) handleHello(addr net.Addr, pkt wire.Packet) {
	if pkt.Version != ep.version {
		ep.sendError(addr, wire.HelloCID, wire.ErrorCodeVersionMismatch, "unsupported version")
		return
	}

	var proposed uint32
	var hasProposal bool
	for _, f := range pkt.Frames {
		if cc, ok := f.(*wire.ConnectionIDChangeFrame); ok && cc.OldCID == wire.HelloCID {
			proposed, hasProposal = cc.NewCID, true
		}
	}

	ep.mu.Lock()
	taken := func(cid uint32) bool { _, exists := ep.byCID[cid]; return exists }
	cid, serverChose, ok := connection.ResolveHandshakeCID(proposed, hasProposal, taken)
	if !ok {
		ep.mu.Unlock()
		ep.sendError(addr, wire.HelloCID, wire.ErrorCodeInternalError, "could not allocate a connection id")
		return
	}

	h := newConnHandle(ep, connection.NewHandshaking(ep.clk, cid, addr, ep.log.Logger))
	ep.byCID[cid] = h
	ep.byAddr[addr.String()] = cid
	ep.mu.Unlock()

	h.conn.CompleteHandshake(ep.clk.Now())
	h.start()
	if ep.metrics != nil {
		ep.metrics.Add(h.conn, []string{fmt.Sprint(cid), addr.String()})
	}

	frames := []wire.Frame{}
	if serverChose {
		frames = append(frames, &wire.ConnectionIDChangeFrame{FrameID: 0, OldCID: wire.HelloCID, NewCID: cid})
	}
	ep.send(addr, wire.Packet{Version: ep.version, CID: cid, Frames: frames})
}

func (ep *Endpoint) sendError(addr net.Addr, cid uint32, code wire.ErrorCode, msg string) {
	ep.send(addr, wire.Packet{
		Version: ep.version,
		CID:     cid,
		Frames:  []wire.Frame{&wire.ErrorFrame{FrameID: 0, Code: code, Message: msg}},
	})
}

func (ep *Endpoint) send(addr net.Addr, pkt wire.Packet) {
	data, err := wire.Encode(pkt)
	if err != nil {
		ep.log.WithError(err).Error("failed to encode outbound packet")
		return
	}
	select {
	case ep.outbound <- outboundDatagram{addr: addr, data: data}:
	case <-ep.closing:
	}
}

func (ep *Endpoint) writeLoop() {
	defer ep.wg.Done()
	for {
		select {
		case dg := <-ep.outbound:
			ep.conn.WriteTo(dg.data, dg.addr)
		case <-ep.closing:
			return
		}
	}
}

func (ep *Endpoint) tickLoop(ctx context.Context) {
	defer ep.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ep.mu.Lock()
			handles := make([]*connHandle, 0, len(ep.byCID))
			for _, h := range ep.byCID {
				handles = append(handles, h)
			}
			ep.mu.Unlock()
			for _, h := range handles {
				h.tick()
			}
		case <-ctx.Done():
			return
		case <-ep.closing:
			return
		}
	}
}

func (ep *Endpoint) forget(cid uint32, addr string) {
	ep.mu.Lock()
	delete(ep.byCID, cid)
	delete(ep.byAddr, addr)
	ep.mu.Unlock()
}

// registerClient installs a client-initiated connHandle once a Hello
// reply names the assigned CID; used by Session.
func (ep *Endpoint) registerClient(cid uint32, h *connHandle) {
	ep.mu.Lock()
	ep.byCID[cid] = h
	ep.mu.Unlock()
	if ep.metrics != nil {
		ep.metrics.Add(h.conn, []string{fmt.Sprint(cid), h.conn.Peer.String()})
	}
}

func (ep *Endpoint) dispatcher(log *logrus.Entry) *command.Dispatcher {
	return command.New(ep.fs, ep.mss, log)
}
