package command

import (
	"testing"

	"github.com/gierens/rft/pkg/wire"
)

func TestPendingCommandsResolve(t *testing.T) {
	p := NewPendingCommands()
	ch := p.Await(5)
	ans := &wire.AnswerFrame{FrameID: 12, InReplyTo: 5, CommandType: wire.CommandTypeStat, Status: wire.ErrorCodeReserved}
	if !p.Resolve(ans) {
		t.Fatalf("expected a waiter to be found")
	}
	got := <-ch
	if got != ans {
		t.Fatalf("expected to receive the resolved answer")
	}
}

func TestPendingCommandsResolveUnknownIsNoop(t *testing.T) {
	p := NewPendingCommands()
	if p.Resolve(&wire.AnswerFrame{InReplyTo: 99}) {
		t.Fatalf("expected no waiter for unregistered frame id")
	}
}

func TestPendingCommandsCancel(t *testing.T) {
	p := NewPendingCommands()
	ch := p.Await(1)
	p.Cancel(1)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed without a value")
	}
}
