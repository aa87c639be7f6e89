// Package flowctl implements the peer-advertised flow window and the
// local AIMD congestion window that together gate how many bytes the
// reliability engine may have in flight at once.
package flowctl

// DefaultMSSPayloadCap is the default UDP payload budget data frames are
// sized against; MSS is derived from this minus framing overhead.
const DefaultMSSPayloadCap = 1200

// FrameOverheadBytes is the wire overhead of a Data frame: packet header
// (8) + frame type (1) + frame_id (4) + offset (6) + length (6).
const FrameOverheadBytes = 8 + 1 + 4 + 6 + 6

// DefaultMSS is the maximum Data frame payload in bytes under the default
// UDP payload cap.
const DefaultMSS = DefaultMSSPayloadCap - FrameOverheadBytes

// MaxConsecutiveZeroWindows is the number of consecutive zero-window Flow
// frames from the peer that force connection termination.
const MaxConsecutiveZeroWindows = 5

// Controller tracks the peer's advertised receive window and the local
// congestion window for one connection's outbound data.
type Controller struct {
	mss int

	peerWindow        uint32 // bytes, as last advertised by the peer
	consecutiveZero   int

	cwnd     int // congestion window, bytes
	ssthresh int // slow-start threshold, bytes

	bytesInFlight int
}

// New constructs a Controller with slow start beginning at 4*MSS, per the
// congestion control design.
func New(mss int) *Controller {
	if mss <= 0 {
		mss = DefaultMSS
	}
	return &Controller{
		mss:      mss,
		cwnd:     4 * mss,
		ssthresh: 1 << 30, // effectively unbounded until the first loss
	}
}

// MSS returns the maximum Data frame payload size.
func (c *Controller) MSS() int { return c.mss }

// OnFlowFrame records a peer-advertised receive window. It reports whether
// this observation extends a run of consecutive zero windows to the
// termination threshold.
func (c *Controller) OnFlowFrame(windowBytes uint32) (forceTerminate bool) {
	c.peerWindow = windowBytes
	if windowBytes == 0 {
		c.consecutiveZero++
		return c.consecutiveZero >= MaxConsecutiveZeroWindows
	}
	c.consecutiveZero = 0
	return false
}

// ZeroWindow reports whether the peer's last advertised window was zero.
func (c *Controller) ZeroWindow() bool { return c.peerWindow == 0 }

// SendQuota returns how many more bytes may be sent right now: the lesser
// of the peer's flow window and the local congestion window, minus bytes
// already in flight. Never negative.
func (c *Controller) SendQuota() int {
	budget := int(c.peerWindow)
	if c.cwnd < budget {
		budget = c.cwnd
	}
	quota := budget - c.bytesInFlight
	if quota < 0 {
		return 0
	}
	return quota
}

// OnSend records newly in-flight bytes.
func (c *Controller) OnSend(n int) {
	c.bytesInFlight += n
}

// OnAcked releases acknowledged bytes from flight and grows cwnd: doubling
// during slow start (below ssthresh), additive (one MSS per RTT-ish ack
// batch) during congestion avoidance.
func (c *Controller) OnAcked(n int) {
	c.bytesInFlight -= n
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	if c.cwnd < c.ssthresh {
		c.cwnd += n // slow start: exponential growth via per-byte-acked credit
	} else {
		c.cwnd += c.mss * n / c.cwnd // congestion avoidance: ~1 MSS per window of acks
		if c.cwnd < c.ssthresh {
			c.cwnd = c.ssthresh
		}
	}
}

// OnFastRetransmit applies the AIMD loss response for a fast retransmit:
// halve cwnd and set ssthresh to the halved value.
func (c *Controller) OnFastRetransmit() {
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < c.mss {
		c.ssthresh = c.mss
	}
	c.cwnd = c.ssthresh
}

// OnRetransmitTimeout applies the more severe AIMD loss response for a
// retransmit-timer expiry: reset cwnd to one MSS.
func (c *Controller) OnRetransmitTimeout() {
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < c.mss {
		c.ssthresh = c.mss
	}
	c.cwnd = c.mss
}

// Snapshot is a read-only view of controller state for metrics export.
type Snapshot struct {
	CwndBytes        int
	SSThreshBytes    int
	PeerWindowBytes  uint32
	BytesInFlight    int
	ConsecutiveZero  int
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		CwndBytes:       c.cwnd,
		SSThreshBytes:   c.ssthresh,
		PeerWindowBytes: c.peerWindow,
		BytesInFlight:   c.bytesInFlight,
		ConsecutiveZero: c.consecutiveZero,
	}
}
