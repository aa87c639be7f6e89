package command

import "github.com/gierens/rft/pkg/wire"

// PendingCommands correlates issued Command frames with their eventual
// Answer, by the command's own frame ID, for the client side of the
// command layer. An Answer's own FrameID belongs to the answering side's
// outbound sequence, not the issuer's; correlation uses AnswerFrame.InReplyTo
// instead.
type PendingCommands struct {
	waiting map[uint32]chan *wire.AnswerFrame
}

// NewPendingCommands constructs an empty correlation table.
func NewPendingCommands() *PendingCommands {
	return &PendingCommands{waiting: make(map[uint32]chan *wire.AnswerFrame)}
}

// Await registers frameID as awaiting an Answer and returns the channel
// that will receive it.
func (p *PendingCommands) Await(frameID uint32) <-chan *wire.AnswerFrame {
	ch := make(chan *wire.AnswerFrame, 1)
	p.waiting[frameID] = ch
	return ch
}

// Resolve delivers ans to whoever is awaiting the command it replies to, if
// anyone. It reports whether a waiter was found.
func (p *PendingCommands) Resolve(ans *wire.AnswerFrame) bool {
	ch, ok := p.waiting[ans.InReplyTo]
	if !ok {
		return false
	}
	delete(p.waiting, ans.InReplyTo)
	ch <- ans
	close(ch)
	return true
}

// Cancel abandons a pending command without an Answer, e.g. on connection
// teardown.
func (p *PendingCommands) Cancel(frameID uint32) {
	if ch, ok := p.waiting[frameID]; ok {
		delete(p.waiting, frameID)
		close(ch)
	}
}
