// Package connection implements the RFT connection state machine: the
// handshake, connection-ID negotiation, version check, implicit migration
// on address change, and idle/zero-window/teardown transitions.
package connection

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/gierens/rft/internal/clock"
	"github.com/gierens/rft/pkg/connstats"
	"github.com/gierens/rft/pkg/flowctl"
	"github.com/gierens/rft/pkg/reliability"
)

// State is one of the connection lifecycle states.
type State int

const (
	StateListening State = iota
	StateHandshaking
	StateOpen
	StateMigrating
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateHandshaking:
		return "Handshaking"
	case StateOpen:
		return "Open"
	case StateMigrating:
		return "Migrating"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Timeouts, all per the concurrency/resource model.
const (
	HandshakeTimeout = 5 * time.Second
	IdleTimeout      = 30 * time.Second
	DrainGrace       = 10 * time.Second
	ZeroWindowProbe  = 1 * time.Second
)

// Connection is the per-connection state shared by the reliability engine,
// flow controller, command layer, and transfer coordinator. A single
// logical task owns a Connection; nothing here is safe to touch from a
// second goroutine (see the single-writer-per-connection concurrency
// model).
type Connection struct {
	CID     uint32
	Version uint8
	Peer    net.Addr

	State State

	Engine *reliability.Engine
	Flow   *flowctl.Controller
	Stats  *connstats.Stats

	// TraceID is a wire-invisible correlation id for log lines, distinct
	// from CID.
	TraceID xid.ID
	Log     *logrus.Entry

	clk clock.Clock

	lastActivity      time.Time
	handshakeDeadline time.Time
	drainDeadline     time.Time

	closeReason string
}

// NewHandshaking creates a server-side connection in the Handshaking state
// for a freshly allocated CID, in response to a CID=0 hello.
func NewHandshaking(clk clock.Clock, cid uint32, peer net.Addr, baseLog *logrus.Logger) *Connection {
	now := clk.Now()
	trace := xid.New()
	log := logrus.NewEntry(baseLog)
	if baseLog != nil {
		log = baseLog.WithFields(logrus.Fields{"cid": cid, "trace_id": trace.String(), "peer": peer.String()})
	}
	c := &Connection{
		CID:               cid,
		Peer:              peer,
		State:             StateHandshaking,
		Engine:            reliability.New(clk),
		Flow:              flowctl.New(flowctl.DefaultMSS),
		Stats:             connstats.New(nil),
		TraceID:           trace,
		Log:               log,
		clk:               clk,
		lastActivity:      now,
		handshakeDeadline: now.Add(HandshakeTimeout),
	}
	return c
}

// Touch records inbound activity, resetting the idle timer.
func (c *Connection) Touch(now time.Time) {
	c.lastActivity = now
}

// CompleteHandshake transitions Handshaking -> Open once the version check
// has passed and a CID has been finalized.
func (c *Connection) CompleteHandshake(now time.Time) {
	if c.State != StateHandshaking {
		return
	}
	c.State = StateOpen
	c.Touch(now)
	c.Log.Info("handshake complete")
}

// CheckVersion compares the peer's declared version against the locally
// supported version. A mismatch is fatal to the connection per §4.4.1.
func (c *Connection) CheckVersion(peerVersion, localVersion uint8) bool {
	return peerVersion == localVersion
}

// ObserveInboundAddr implements implicit migration: any valid packet from
// an address other than the current peer address updates it immediately,
// with no frame exchange. It reports whether a migration occurred.
func (c *Connection) ObserveInboundAddr(addr net.Addr, now time.Time) bool {
	c.Touch(now)
	if c.State != StateOpen && c.State != StateDraining {
		return false
	}
	if c.Peer != nil && c.Peer.String() == addr.String() {
		return false
	}
	from := c.Peer
	c.State = StateMigrating
	c.Peer = addr
	c.State = StateOpen
	c.Log.WithFields(logrus.Fields{"from": fmt.Sprint(from), "to": addr.String()}).Info("connection migrated")
	return true
}

// StartDraining transitions Open -> Draining, either because a local Exit
// was issued (client) or an Exit command was received (server).
func (c *Connection) StartDraining(now time.Time) {
	if c.State != StateOpen {
		return
	}
	c.State = StateDraining
	c.drainDeadline = now.Add(DrainGrace)
	c.Log.Info("draining")
}

// DrainDeadlineExpired reports whether the drain grace period has elapsed
// without the Exit-Ack completing the teardown.
func (c *Connection) DrainDeadlineExpired(now time.Time) bool {
	return c.State == StateDraining && !now.Before(c.drainDeadline)
}

// IdleExpired reports whether no inbound traffic has been observed for
// IdleTimeout.
func (c *Connection) IdleExpired(now time.Time) bool {
	return c.State != StateClosed && now.Sub(c.lastActivity) >= IdleTimeout
}

// HandshakeExpired reports whether a Handshaking connection failed to
// complete within HandshakeTimeout.
func (c *Connection) HandshakeExpired(now time.Time) bool {
	return c.State == StateHandshaking && !now.Before(c.handshakeDeadline)
}

// Close moves the connection to Closed, recording the reason for
// diagnostics. It is idempotent.
func (c *Connection) Close(reason string) {
	if c.State == StateClosed {
		return
	}
	c.State = StateClosed
	c.closeReason = reason
	c.Stats.Close()
	c.Log.WithFields(logrus.Fields{"reason": reason}).WithField("stats", c.Stats.ToMap()).Info("connection closed")
}

// CloseReason returns why the connection was closed, if it has been.
func (c *Connection) CloseReason() string { return c.closeReason }
