package endpoint

import (
	"net"
	"time"

	"github.com/gierens/rft/pkg/command"
	"github.com/gierens/rft/pkg/connection"
	"github.com/gierens/rft/pkg/transfer"
	"github.com/gierens/rft/pkg/wire"
)

// role distinguishes the server side of a connection (which dispatches
// incoming Commands against a Dispatcher) from the client side (which
// issues Commands and correlates their Answers).
type role int

const (
	roleServer role = iota
	roleClient
)

// inbound is one decoded packet waiting to be processed by a connHandle's
// actor goroutine.
type inbound struct {
	addr net.Addr
	pkt  wire.Packet
}

// connHandle drives a single Connection: it is the single writer of all
// connection state (the reliability engine, flow controller, and active
// transfers), processing inbound packets, periodic ticks, and session
// command requests one at a time on its own goroutine. Nothing outside
// this file may touch conn, the active transfers, or the send-side
// bookkeeping directly; callers reach in through deliver, tick, and exec.
type connHandle struct {
	ep   *Endpoint
	conn *connection.Connection
	role role

	dispatcher *command.Dispatcher // server role only

	// pending correlates outstanding client Commands with their Answer;
	// nil on the server role, which never issues Commands of its own.
	pending *command.PendingCommands

	inbox chan inbound
	cmds  chan func()
	done  chan struct{}

	// Only one inbound transfer and one outbound transfer may be active on
	// a connection at a time: the wire format carries no command
	// correlation field on Data frames, so a second concurrent transfer in
	// the same direction would have no way to route its bytes.
	activeInAct  *command.Active // server: a Write being received
	activeOutAct *command.Active // server: a Read being served
	activeInTr   *transfer.Transfer // client: the data half of a Read
	activeOutTr  *transfer.Transfer // client: the data half of a Write

	// lastAnswer caches the Answer already sent for a given Command frame
	// ID, so a retransmitted (duplicate) Command is answered again without
	// re-running the command - List and Stat are naturally idempotent, but
	// Delete is not, and Read/Write have already been fully consumed by
	// the time a duplicate could arrive.
	lastAnswer map[uint32]*wire.AnswerFrame

	// sentBytes records each outbound Data frame's payload size by frame
	// ID so OnAck can credit the congestion window once it purges the
	// frame from the reliability engine's send log.
	sentBytes map[uint32]int

	pendingPayload map[uint32]*wire.ReadCmdPayloadFrame

	// lastAdvertisedWindow is the WindowSize this side last sent in a Flow
	// frame, -1 before the first advertisement, so onTick only re-sends
	// when the actually free buffer capacity changes.
	lastAdvertisedWindow int

	// lastZeroWindowProbe is when this side last sent a zero-length Data
	// frame probe while the peer's advertised window was zero.
	lastZeroWindowProbe time.Time
}

func newConnHandle(ep *Endpoint, conn *connection.Connection) *connHandle {
	h := &connHandle{
		ep:                   ep,
		conn:                 conn,
		role:                 roleServer,
		inbox:                make(chan inbound, 64),
		cmds:                 make(chan func()),
		done:                 make(chan struct{}),
		lastAnswer:           make(map[uint32]*wire.AnswerFrame),
		sentBytes:            make(map[uint32]int),
		pendingPayload:       make(map[uint32]*wire.ReadCmdPayloadFrame),
		lastAdvertisedWindow: -1,
	}
	if ep.fs != nil {
		h.dispatcher = ep.dispatcher(conn.Log)
	}
	return h
}

// newClientConnHandle builds a connHandle for the client side of a freshly
// completed handshake.
func newClientConnHandle(ep *Endpoint, conn *connection.Connection) *connHandle {
	h := newConnHandle(ep, conn)
	h.role = roleClient
	h.dispatcher = nil
	h.pending = command.NewPendingCommands()
	return h
}

func (h *connHandle) start() {
	go h.run()
}

// deliver hands an inbound packet to the actor goroutine. It never blocks
// past the connection's shutdown.
func (h *connHandle) deliver(in inbound) {
	select {
	case h.inbox <- in:
	case <-h.done:
	}
}

// tick asks the actor goroutine to run its periodic housekeeping: the
// retransmit sweep, ack coalescing, timeout checks, and the send pump. It
// is dropped rather than blocking if the handle is backed up, since
// another tick follows shortly.
func (h *connHandle) tick() {
	select {
	case h.cmds <- h.onTick:
	case <-h.done:
	default:
	}
}

// exec runs fn on the actor goroutine and waits for it to finish, giving
// session code a way to touch connection state (start a command, register
// a pending Answer wait) without racing the actor's own mutations.
func (h *connHandle) exec(fn func()) {
	result := make(chan struct{})
	select {
	case h.cmds <- func() { fn(); close(result) }:
	case <-h.done:
		return
	}
	select {
	case <-result:
	case <-h.done:
	}
}

func (h *connHandle) run() {
	for {
		select {
		case in := <-h.inbox:
			h.onPacket(in.addr, in.pkt)
		case fn := <-h.cmds:
			fn()
		case <-h.done:
			return
		}
	}
}

func (h *connHandle) onPacket(addr net.Addr, pkt wire.Packet) {
	if h.conn.State == connection.StateClosed {
		return
	}
	now := h.ep.clk.Now()
	if pkt.Version != h.ep.version {
		h.sendError(wire.ErrorCodeVersionMismatch, "unsupported version")
		return
	}
	if h.conn.ObserveInboundAddr(addr, now) {
		h.conn.Stats.RecordMigration()
	}

	for i := 0; i < len(pkt.Frames); i++ {
		f := pkt.Frames[i]
		switch fr := f.(type) {
		case *wire.AckFrame:
			h.onAck(fr)
			continue
		case *wire.FlowFrame:
			h.onFlow(fr)
			continue
		case *wire.ReadCmdPayloadFrame:
			continue // consumed alongside its preceding Command below
		case *wire.CommandFrame:
			if i+1 < len(pkt.Frames) {
				if p, ok := pkt.Frames[i+1].(*wire.ReadCmdPayloadFrame); ok {
					h.pendingPayload[fr.FrameID] = p
				}
			}
		}

		id, ok := frameIDOf(f)
		if !ok {
			continue
		}
		deliver, ackNow := h.conn.Engine.OnFrameReceived(id, f)
		if cmd, isCmd := f.(*wire.CommandFrame); isCmd && len(deliver) == 0 {
			if ans, cached := h.lastAnswer[cmd.FrameID]; cached {
				h.sendAnswer(ans)
			}
		}
		for _, d := range deliver {
			h.handleDeliverable(d)
		}
		if len(deliver) > 0 {
			h.conn.Engine.NoteAckOwed(now)
		}
		if ackNow {
			h.sendAck()
		}
	}

	if h.conn.Engine.AckDue(now) {
		h.sendAck()
	}
}

func frameIDOf(f wire.Frame) (uint32, bool) {
	switch fr := f.(type) {
	case *wire.DataFrame:
		return fr.FrameID, true
	case *wire.CommandFrame:
		return fr.FrameID, true
	case *wire.AnswerFrame:
		return fr.FrameID, true
	case *wire.ErrorFrame:
		return fr.FrameID, true
	case *wire.ConnectionIDChangeFrame:
		return fr.FrameID, true
	default:
		return 0, false
	}
}

func (h *connHandle) handleDeliverable(f wire.Frame) {
	switch fr := f.(type) {
	case *wire.DataFrame:
		h.onData(fr)
	case *wire.CommandFrame:
		payload := h.pendingPayload[fr.FrameID]
		delete(h.pendingPayload, fr.FrameID)
		h.onCommand(fr, payload)
	case *wire.AnswerFrame:
		h.onAnswerFrame(fr)
	case *wire.ErrorFrame:
		h.onError(fr)
	case *wire.ConnectionIDChangeFrame:
		// the handshake that negotiated the CID has already completed by
		// the time any frame reaches a connHandle.
	}
}

func (h *connHandle) onAck(fr *wire.AckFrame) {
	acked, dup, fastRetransmit := h.conn.Engine.OnAck(fr.FrameID)
	for _, id := range acked {
		if n, ok := h.sentBytes[id]; ok {
			h.conn.Flow.OnAcked(n)
			delete(h.sentBytes, id)
		}
	}
	if !dup {
		return
	}
	if fastRetransmit != nil {
		h.conn.Flow.OnFastRetransmit()
		h.conn.Stats.RecordRetransmit()
		h.sendPacket(fastRetransmit)
	}
}

func (h *connHandle) onFlow(fr *wire.FlowFrame) {
	if h.conn.Flow.OnFlowFrame(uint32(fr.WindowSize)) {
		h.shutdown(wire.ErrorCodeShutdown)
	}
}

func (h *connHandle) onError(fr *wire.ErrorFrame) {
	h.conn.Log.WithField("code", fr.Code).WithField("message", fr.Message).Warn("peer reported an error")
	if fr.Code == wire.ErrorCodeShutdown {
		h.shutdown(wire.ErrorCodeReserved)
	}
}

func (h *connHandle) onAnswerFrame(fr *wire.AnswerFrame) {
	if h.pending != nil {
		h.pending.Resolve(fr)
	}
}

func (h *connHandle) onData(fr *wire.DataFrame) {
	tr := h.inTransfer()
	if tr == nil {
		return
	}
	if err := tr.AcceptData(fr.Offset, fr.Payload); err != nil {
		h.conn.Log.WithError(err).Warn("failed to accept data frame")
		return
	}
	h.conn.Stats.RecordReceive(len(fr.Payload))
	if tr.ReceiveComplete() {
		h.finishActiveIn()
	}
}

func (h *connHandle) onCommand(cmd *wire.CommandFrame, payload *wire.ReadCmdPayloadFrame) {
	if h.dispatcher == nil {
		return
	}
	if ans, ok := h.lastAnswer[cmd.FrameID]; ok {
		h.sendAnswer(ans)
		return
	}
	active, answer, err := h.dispatcher.Begin(cmd, payload)
	if err != nil {
		h.conn.Log.WithError(err).Error("command dispatch failed")
		return
	}
	if answer != nil {
		h.lastAnswer[cmd.FrameID] = answer
		h.sendAnswer(answer)
		if cmd.CommandType == wire.CommandTypeExit {
			h.conn.StartDraining(h.ep.clk.Now())
		}
		return
	}
	switch cmd.CommandType {
	case wire.CommandTypeRead:
		h.activeOutAct = active
	case wire.CommandTypeWrite:
		h.activeInAct = active
	}
}

func (h *connHandle) inTransfer() *transfer.Transfer {
	if h.activeInAct != nil {
		return h.activeInAct.Transfer
	}
	return h.activeInTr
}

func (h *connHandle) outTransfer() *transfer.Transfer {
	if h.activeOutAct != nil {
		return h.activeOutAct.Transfer
	}
	return h.activeOutTr
}

func (h *connHandle) finishActiveIn() {
	if h.activeInAct != nil {
		ans := h.dispatcher.FinishReceive(h.activeInAct)
		h.lastAnswer[h.activeInAct.FrameID] = ans
		h.sendAnswer(ans)
	}
	h.activeInAct = nil
	h.activeInTr = nil
}

func (h *connHandle) finishActiveOut() {
	if h.activeOutAct != nil {
		ans := h.dispatcher.FinishSend(h.activeOutAct)
		h.lastAnswer[h.activeOutAct.FrameID] = ans
		h.sendAnswer(ans)
	}
	h.activeOutAct = nil
	h.activeOutTr = nil
}

// onTick runs the periodic housekeeping: retransmits, ack coalescing, the
// send pump, and the connection's timeout checks.
func (h *connHandle) onTick() {
	if h.conn.State == connection.StateClosed {
		return
	}
	now := h.ep.clk.Now()

	for _, frames := range h.conn.Engine.DueRetransmits(now) {
		h.conn.Flow.OnRetransmitTimeout()
		h.conn.Stats.RecordRetransmit()
		h.sendPacket(frames)
	}
	if h.conn.Engine.AckDue(now) {
		h.sendAck()
	}

	switch {
	case h.conn.HandshakeExpired(now):
		h.shutdown(wire.ErrorCodeInternalError)
		return
	case h.conn.IdleExpired(now):
		h.shutdown(wire.ErrorCodeShutdown)
		return
	case h.conn.DrainDeadlineExpired(now):
		h.shutdown(wire.ErrorCodeShutdown)
		return
	}

	h.advertiseWindow()
	h.probeZeroWindow(now)
	h.pumpSend(now)
}

// advertiseWindow tells the peer how much receive buffer this side
// actually has free right now, per §4.3, re-sending only when that value
// has changed since the last advertisement.
func (h *connHandle) advertiseWindow() {
	free := h.conn.Engine.FreeBufferBytes(h.conn.Flow.MSS())
	if free > 0xFFFF {
		free = 0xFFFF
	}
	if free == h.lastAdvertisedWindow {
		return
	}
	h.lastAdvertisedWindow = free
	h.sendPacket([]wire.Frame{&wire.FlowFrame{WindowSize: uint16(free)}})
}

// probeZeroWindow sends a zero-length Data frame every ZeroWindowProbe
// interval while the peer's advertised window is zero, so the peer keeps
// hearing from us and can re-open the window once it has freed buffer.
func (h *connHandle) probeZeroWindow(now time.Time) {
	if !h.conn.Flow.ZeroWindow() {
		return
	}
	tr := h.outTransfer()
	if tr == nil {
		return
	}
	if !h.lastZeroWindowProbe.IsZero() && now.Sub(h.lastZeroWindowProbe) < connection.ZeroWindowProbe {
		return
	}
	h.lastZeroWindowProbe = now
	h.sendPacket([]wire.Frame{&wire.DataFrame{FrameID: 0, Offset: 0, Length: 0, Payload: nil}})
}

func (h *connHandle) pumpSend(now time.Time) {
	tr := h.outTransfer()
	if tr == nil {
		return
	}
	quota := h.conn.Flow.SendQuota()
	if quota <= 0 {
		return
	}
	chunks, err := tr.NextChunks(quota)
	if err != nil {
		h.conn.Log.WithError(err).Error("failed reading transfer data to send")
		h.activeOutAct = nil
		h.activeOutTr = nil
		return
	}
	for _, c := range chunks {
		h.sendData(c.Offset, c.Payload)
	}
	if tr.SendComplete() {
		h.finishActiveOut()
	}
}

func (h *connHandle) sendData(offset uint64, payload []byte) {
	id := h.conn.Engine.NextFrameID()
	f := &wire.DataFrame{FrameID: id, Offset: offset, Length: uint64(len(payload)), Payload: payload}
	h.conn.Engine.LogSent(id, []wire.Frame{f})
	h.sentBytes[id] = len(payload)
	h.conn.Flow.OnSend(len(payload))
	h.conn.Stats.RecordSend(len(payload))
	h.sendPacket([]wire.Frame{f})
}

func (h *connHandle) sendAck() {
	h.sendPacket([]wire.Frame{h.conn.Engine.BuildAck()})
}

// sendAnswer transmits ans, assigning it a frame ID from this side's own
// outbound sequence (so it interleaves correctly with Data frames on the
// peer's receive cursor) the first time it is sent. A cached Answer resent
// for a duplicate Command already carries its original ID and is just
// resent as-is, without re-entering the retransmission log.
func (h *connHandle) sendAnswer(ans *wire.AnswerFrame) {
	if ans.FrameID == 0 {
		id := h.conn.Engine.NextFrameID()
		ans.FrameID = id
		h.conn.Engine.LogSent(id, []wire.Frame{ans})
	}
	h.sendPacket([]wire.Frame{ans})
}

func (h *connHandle) sendError(code wire.ErrorCode, msg string) {
	h.sendPacket([]wire.Frame{&wire.ErrorFrame{Code: code, Message: msg}})
}

func (h *connHandle) sendPacket(frames []wire.Frame) {
	h.ep.send(h.conn.Peer, wire.Packet{Version: h.ep.version, CID: h.conn.CID, Frames: frames})
}

// shutdown tears the connection down, notifying the peer with an Error
// frame carrying reason unless reason is the zero value (used when the
// peer itself initiated the teardown).
func (h *connHandle) shutdown(reason wire.ErrorCode) {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	if reason != wire.ErrorCodeReserved {
		h.sendError(reason, "connection closed")
	}
	h.conn.Close(reason.String())
	h.ep.forget(h.conn.CID, h.conn.Peer.String())
	if h.ep.metrics != nil {
		h.ep.metrics.Remove(h.conn)
	}
}
