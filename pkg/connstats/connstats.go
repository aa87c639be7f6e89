// Package connstats tracks per-connection byte counters and activity
// timestamps for diagnostics and the summary logged when a connection
// closes. RFT
// connections share one UDP socket across every peer, so there is no
// individual net.Conn to wrap the way a TCP client would; Stats is instead
// driven by explicit calls from the connection's actor goroutine.
package connstats

import (
	"strconv"
	"time"
)

const (
	Opened = 0
	Closed = 1
)

var StateMap = map[int]string{Opened: "open", Closed: "close"}

// ReportFn is invoked on open and close events, mirroring the wrapped-Conn
// reporting callback this package's call sites are modelled on.
type ReportFn func(*Stats, int)

// Stats accumulates one connection's activity.
type Stats struct {
	report ReportFn

	OpenedAt  int64
	ClosedAt  int64
	FirstRxAt int64
	FirstTxAt int64
	LastRxAt  int64
	LastTxAt  int64
	TxBytes   int64
	RxBytes   int64

	Retransmits int64
	Migrations  int64
}

// New creates and reports an Opened Stats.
func New(report ReportFn) *Stats {
	s := &Stats{report: report, OpenedAt: time.Now().UnixNano()}
	s.emit(Opened)
	return s
}

func (s *Stats) emit(state int) {
	if s.report != nil {
		s.report(s, state)
	}
}

// RecordSend tracks n bytes handed to the socket for this connection.
func (s *Stats) RecordSend(n int) {
	if n <= 0 {
		return
	}
	ts := time.Now().UnixNano()
	if s.FirstTxAt == 0 {
		s.FirstTxAt = ts
	}
	s.LastTxAt = ts
	s.TxBytes += int64(n)
}

// RecordReceive tracks n bytes accepted from an inbound Data frame.
func (s *Stats) RecordReceive(n int) {
	if n <= 0 {
		return
	}
	ts := time.Now().UnixNano()
	if s.FirstRxAt == 0 {
		s.FirstRxAt = ts
	}
	s.LastRxAt = ts
	s.RxBytes += int64(n)
}

// RecordRetransmit counts one retransmitted frame bundle, fast or timed out.
func (s *Stats) RecordRetransmit() { s.Retransmits++ }

// RecordMigration counts one implicit peer-address change.
func (s *Stats) RecordMigration() { s.Migrations++ }

// Close marks the connection closed and reports the final state.
func (s *Stats) Close() {
	s.ClosedAt = time.Now().UnixNano()
	s.emit(Closed)
}

// Warnings summarizes anything about this connection worth flagging in its
// closing summary.
func (s *Stats) Warnings() []string {
	var warns []string
	if s.Retransmits > 0 {
		warns = append(warns, "retransmits="+strconv.FormatInt(s.Retransmits, 10))
	}
	if s.Migrations > 0 {
		warns = append(warns, "migrations="+strconv.FormatInt(s.Migrations, 10))
	}
	return warns
}

// ToMap renders Stats for structured (JSON) logging.
func (s *Stats) ToMap() map[string]any {
	return map[string]any{
		"openedAt":    s.OpenedAt,
		"closedAt":    s.ClosedAt,
		"firstRxAt":   s.FirstRxAt,
		"firstTxAt":   s.FirstTxAt,
		"lastRxAt":    s.LastRxAt,
		"lastTxAt":    s.LastTxAt,
		"txBytes":     s.TxBytes,
		"rxBytes":     s.RxBytes,
		"retransmits": s.Retransmits,
		"migrations":  s.Migrations,
		"warnings":    s.Warnings(),
	}
}
