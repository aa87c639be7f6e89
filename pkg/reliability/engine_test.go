package reliability

import (
	"testing"
	"time"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/wire"
)

func TestOnAckAdvancesAndPurges(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)

	for i := 0; i < 3; i++ {
		id := e.NextFrameID()
		e.LogSent(id, []wire.Frame{&wire.AckFrame{FrameID: id}})
	}
	if e.InFlight() != 3 {
		t.Fatalf("expected 3 in flight, got %d", e.InFlight())
	}

	acked, dup, fr := e.OnAck(2)
	if dup || fr != nil {
		t.Fatalf("unexpected dup/fastRetransmit on first ack")
	}
	if len(acked) != 2 {
		t.Fatalf("expected 2 acked, got %d", len(acked))
	}
	if e.InFlight() != 1 {
		t.Fatalf("expected 1 in flight after ack, got %d", e.InFlight())
	}
}

func TestDuplicateAckNeverRewindsCursor(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)
	for i := 0; i < 5; i++ {
		id := e.NextFrameID()
		e.LogSent(id, []wire.Frame{&wire.AckFrame{FrameID: id}})
	}
	e.OnAck(3)
	_, dup, _ := e.OnAck(1) // stale ack, must not rewind
	if !dup {
		t.Fatalf("expected stale ack to be treated as duplicate")
	}
	if e.ackCursor != 3 {
		t.Fatalf("cursor rewound: %d", e.ackCursor)
	}
}

func TestThreeDuplicateAcksTriggerFastRetransmit(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)
	ids := make([]uint32, 3)
	for i := range ids {
		ids[i] = e.NextFrameID()
		e.LogSent(ids[i], []wire.Frame{&wire.AckFrame{FrameID: ids[i]}})
	}
	e.OnAck(ids[0]) // ack frame 1, frames 2 and 3 remain in flight

	var lastFR []wire.Frame
	for i := 0; i < 3; i++ {
		_, dup, fr := e.OnAck(ids[0])
		if !dup {
			t.Fatalf("expected duplicate ack")
		}
		lastFR = fr
	}
	if lastFR == nil {
		t.Fatalf("expected fast retransmit frame after 3 duplicate acks")
	}
	af := lastFR[0].(*wire.AckFrame)
	if af.FrameID != ids[1] {
		t.Fatalf("expected fast retransmit of next unacked frame %d, got %d", ids[1], af.FrameID)
	}
}

func TestRetransmitTimerFires(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)
	id := e.NextFrameID()
	e.LogSent(id, []wire.Frame{&wire.AckFrame{FrameID: id}})

	if due := e.DueRetransmits(fc.Now().Add(4 * time.Second)); len(due) != 0 {
		t.Fatalf("expected no retransmits before timeout, got %d", len(due))
	}
	due := e.DueRetransmits(fc.Now().Add(DefaultRetransmitTimeout))
	if len(due) != 1 {
		t.Fatalf("expected 1 retransmit at timeout, got %d", len(due))
	}
}

func TestInOrderDeliveryAndGapBuffering(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)

	f1 := &wire.DataFrame{FrameID: 1}
	f2 := &wire.DataFrame{FrameID: 2}
	f3 := &wire.DataFrame{FrameID: 3}

	deliver, ackNow := e.OnFrameReceived(1, f1)
	if len(deliver) != 1 || ackNow {
		t.Fatalf("expected in-order delivery of frame 1, got deliver=%v ackNow=%v", deliver, ackNow)
	}

	// Frame 3 arrives before frame 2: a gap.
	deliver, ackNow = e.OnFrameReceived(3, f3)
	if len(deliver) != 0 || !ackNow {
		t.Fatalf("expected gap to buffer and demand an ack, got deliver=%v ackNow=%v", deliver, ackNow)
	}

	// Frame 2 closes the gap; frame 3 should be released too.
	deliver, ackNow = e.OnFrameReceived(2, f2)
	if len(deliver) != 2 || ackNow {
		t.Fatalf("expected gap closure to release 2 frames, got deliver=%v ackNow=%v", deliver, ackNow)
	}
	if cursor, _ := e.RecvCursor(); cursor != 3 {
		t.Fatalf("expected recv cursor 3, got %d", cursor)
	}
}

func TestDuplicateInboundFrameReemitsAck(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)
	e.OnFrameReceived(1, &wire.DataFrame{FrameID: 1})

	_, ackNow := e.OnFrameReceived(1, &wire.DataFrame{FrameID: 1})
	if !ackNow {
		t.Fatalf("expected duplicate inbound frame to demand a re-emitted ack")
	}
}

func TestAckCoalescing(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(fc)

	for i := uint32(1); i <= 3; i++ {
		deliver, _ := e.OnFrameReceived(i, &wire.DataFrame{FrameID: i})
		for range deliver {
			e.NoteAckOwed(fc.Now())
		}
	}
	if e.AckDue(fc.Now()) {
		t.Fatalf("ack should not be due yet (3 frames, interval not elapsed)")
	}
	if e.AckDue(fc.Now().Add(DefaultAckCoalesceInterval)) == false {
		t.Fatalf("ack should be due once the coalescing interval elapses")
	}
	ack := e.BuildAck()
	if ack.FrameID != 3 {
		t.Fatalf("expected cumulative ack for frame 3, got %d", ack.FrameID)
	}
}
