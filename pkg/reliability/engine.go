// Package reliability implements exactly-once, in-order delivery on top of
// the unreliable datagram transport: outbound frame numbering, the
// in-flight send log, retransmission, duplicate-ack detection and fast
// retransmit, ack coalescing, and inbound gap buffering.
package reliability

import (
	"time"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/wire"
)

// DupAckThreshold is the number of duplicate acks for the same frame ID
// that triggers a fast retransmit.
const DupAckThreshold = 3

// DefaultRetransmitTimeout is the fixed per-frame retransmit timer from the
// baseline design; a smoothed-RTT estimator could replace it transparently.
const DefaultRetransmitTimeout = 5 * time.Second

// DefaultAckCoalesceInterval bounds how long an Ack may be deferred.
const DefaultAckCoalesceInterval = 40 * time.Millisecond

// DefaultAckCoalesceFrames is the frame-count threshold that forces an Ack
// even before the coalescing interval elapses.
const DefaultAckCoalesceFrames = 8

// DefaultReorderWindow bounds how many out-of-order inbound frames are
// buffered awaiting gap closure.
const DefaultReorderWindow = 256

type sendEntry struct {
	// frames is the bundle transmitted under this frame ID: normally a
	// single frame, but a Command frame travels together with its
	// companion ReadCmdPayloadFrame (which carries no frame ID of its own)
	// in the same packet, and the whole bundle must be retransmitted
	// together.
	frames      []wire.Frame
	sentAt      time.Time
	retransmits int
}

// Engine is a per-connection reliability engine covering both directions. A
// connection with bidirectional traffic owns one Engine: outbound state
// (send log, frame IDs) and inbound state (receive cursor, reorder buffer)
// are both per-connection, not per-direction-pair, matching the data
// model's Connection attributes.
type Engine struct {
	clk clock.Clock

	retransmitTimeout   time.Duration
	ackCoalesceInterval time.Duration
	ackCoalesceFrames   int
	reorderWindow       int

	nextID uint32 // next outbound frame ID to assign; wraps at 2^32

	sendLog   map[uint32]*sendEntry
	sendOrder []uint32 // ascending assignment order

	haveAckCursor bool
	ackCursor     uint32
	dupAckCounts  map[uint32]int

	haveRecvCursor bool
	recvCursor     uint32
	reorder        map[uint32]wire.Frame

	framesSinceAck  int
	ackDeadline     time.Time
	ackDeadlineSet  bool
}

// New constructs an Engine. Outbound frame IDs start at 1 per the data
// model.
func New(clk clock.Clock) *Engine {
	return &Engine{
		clk:                 clk,
		retransmitTimeout:   DefaultRetransmitTimeout,
		ackCoalesceInterval: DefaultAckCoalesceInterval,
		ackCoalesceFrames:   DefaultAckCoalesceFrames,
		reorderWindow:       DefaultReorderWindow,
		nextID:              1,
		sendLog:             make(map[uint32]*sendEntry),
		dupAckCounts:        make(map[uint32]int),
		reorder:             make(map[uint32]wire.Frame),
		haveRecvCursor:      true, // cursor 0: next expected inbound frame ID is 1
	}
}

// NextFrameID reserves and returns the next outbound frame ID.
func (e *Engine) NextFrameID() uint32 {
	id := e.nextID
	e.nextID++
	return id
}

// LogSent records the frame bundle that has just been transmitted under
// the given ID, starting its retransmit clock.
func (e *Engine) LogSent(id uint32, frames []wire.Frame) {
	e.sendLog[id] = &sendEntry{frames: frames, sentAt: e.clk.Now()}
	e.sendOrder = append(e.sendOrder, id)
}

// InFlight reports how many outbound frames are awaiting acknowledgement.
func (e *Engine) InFlight() int {
	return len(e.sendLog)
}

// OnAck processes a cumulative Ack(ackID). It returns the frame IDs newly
// acknowledged (empty on a duplicate), whether this ack was a duplicate
// (did not advance the cursor), and, when three duplicates for the same ID
// accumulate, the frame to fast-retransmit.
func (e *Engine) OnAck(ackID uint32) (acked []uint32, dup bool, fastRetransmit []wire.Frame) {
	if !e.haveAckCursor || seqLess(e.ackCursor, ackID) {
		acked = e.purgeThrough(ackID)
		e.ackCursor = ackID
		e.haveAckCursor = true
		e.dupAckCounts = make(map[uint32]int)
		return acked, false, nil
	}

	dup = true
	e.dupAckCounts[ackID]++
	if e.dupAckCounts[ackID] == DupAckThreshold {
		fastRetransmit = e.nextUnacked()
	}
	return nil, true, fastRetransmit
}

func (e *Engine) purgeThrough(ackID uint32) []uint32 {
	var acked []uint32
	remaining := e.sendOrder[:0:0]
	for _, id := range e.sendOrder {
		if seqLessEq(id, ackID) {
			acked = append(acked, id)
			delete(e.sendLog, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	e.sendOrder = remaining
	return acked
}

func (e *Engine) nextUnacked() []wire.Frame {
	if len(e.sendOrder) == 0 {
		return nil
	}
	return e.sendLog[e.sendOrder[0]].frames
}

// DueRetransmits returns the frame bundles whose retransmit timer has
// elapsed as of now, resetting their send time and incrementing their
// retransmit count. Retransmitted frames keep their original frame ID.
func (e *Engine) DueRetransmits(now time.Time) [][]wire.Frame {
	var due [][]wire.Frame
	for _, id := range e.sendOrder {
		entry := e.sendLog[id]
		if now.Sub(entry.sentAt) >= e.retransmitTimeout {
			entry.sentAt = now
			entry.retransmits++
			due = append(due, entry.frames)
		}
	}
	return due
}

// OnFrameReceived admits an inbound frame carrying the given frame ID. It
// returns the frames newly deliverable upward in order (possibly several,
// if this frame closed a gap) and whether an Ack is immediately owed
// (duplicate or gap signalling loss, per the reliability design).
func (e *Engine) OnFrameReceived(id uint32, f wire.Frame) (deliver []wire.Frame, ackNow bool) {
	switch {
	case id == e.recvCursor+1:
		e.recvCursor = id
		deliver = append(deliver, f)
		for {
			next := e.recvCursor + 1
			buffered, ok := e.reorder[next]
			if !ok {
				break
			}
			delete(e.reorder, next)
			e.recvCursor = next
			deliver = append(deliver, buffered)
		}
		e.framesSinceAck += len(deliver)
		return deliver, false

	case seqLessEq(id, e.recvCursor):
		return nil, true

	default:
		if len(e.reorder) < e.reorderWindow {
			e.reorder[id] = f
		}
		return nil, true
	}
}

// RecvCursor reports the highest contiguous inbound frame ID accepted.
func (e *Engine) RecvCursor() (id uint32, have bool) {
	return e.recvCursor, e.haveRecvCursor
}

// FreeBufferBytes reports the actually free receive-side buffer capacity,
// in bytes, assuming frameSize-sized frames: the reorder window's unused
// slots. This is what a Flow frame advertises to the peer.
func (e *Engine) FreeBufferBytes(frameSize int) int {
	free := e.reorderWindow - len(e.reorder)
	if free < 0 {
		free = 0
	}
	return free * frameSize
}

// NoteAckOwed records that a deliverable frame arrived and an Ack may be
// coalesced, arming the coalescing deadline on the first such frame.
func (e *Engine) NoteAckOwed(now time.Time) {
	if !e.ackDeadlineSet {
		e.ackDeadline = now.Add(e.ackCoalesceInterval)
		e.ackDeadlineSet = true
	}
}

// AckDue reports whether a coalesced Ack must be sent now, either because
// the coalescing interval elapsed or because enough frames have arrived
// since the last Ack.
func (e *Engine) AckDue(now time.Time) bool {
	if !e.ackDeadlineSet {
		return false
	}
	return e.framesSinceAck >= e.ackCoalesceFrames || !now.Before(e.ackDeadline)
}

// BuildAck returns the current cumulative Ack frame and resets the
// coalescing state. Callers must have a receive cursor (i.e. have received
// at least one frame) before calling this.
func (e *Engine) BuildAck() *wire.AckFrame {
	e.framesSinceAck = 0
	e.ackDeadlineSet = false
	return &wire.AckFrame{FrameID: e.recvCursor}
}
