// Package classify decides a thread's conversation state from the
// sender of its last message relative to the authenticated user.
package classify

import (
	"github.com/matta/threadview/internal/message"
)

// Role is who sent the last message of a thread.
type Role int

const (
	// LastSenderOther means the other party spoke last: the thread
	// is waiting on us (unanswered).
	LastSenderOther Role = iota

	// LastSenderSelf means we spoke last: the thread is replied and
	// waiting on the other party.
	LastSenderSelf
)

// Result describes one classified thread.
type Result struct {
	Role Role

	// Last is the final message in provider order.
	Last *message.Message

	// FirstOther is the first message in the thread not sent by
	// the authenticated user.  It is the representative "original"
	// message for replied threads, and nil when every message in
	// the thread is self-sent.
	FirstOther *message.Message
}

// Classify inspects the thread's last message in provider-assigned
// order.  Addresses are compared case-insensitively; a missing From
// header never matches self, so such threads classify as unanswered.
// The provider's ordering is authoritative and is never re-sorted by
// timestamp, even when timestamps are absent.
func Classify(th *message.Thread, selfAddr string) Result {
	last := th.Last()
	res := Result{Role: LastSenderOther, Last: last}
	if last == nil {
		return res
	}
	if message.ContainsAddress(last.From(), selfAddr) {
		res.Role = LastSenderSelf
	}
	for _, m := range th.Messages {
		if !message.ContainsAddress(m.From(), selfAddr) {
			res.FirstOther = m
			break
		}
	}
	return res
}
