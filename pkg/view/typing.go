package view

import (
	"sync"
	"time"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

const (
	// TypingPulse is how often a typing user re-announces itself. It stays
	// below TypingTimeout so the peer's indicator never lapses mid-burst.
	TypingPulse = 2 * time.Second
	// TypingIdle is the pause after the last keystroke that sends a stop.
	TypingIdle = 1 * time.Second
)

// TypingNotifier turns keystrokes into typing pulses on the sender side.
type TypingNotifier struct {
	pub            Publisher
	conversationID string
	pulse          time.Duration
	idle           time.Duration
	now            func() time.Time

	mu        sync.Mutex
	typing    bool
	lastPulse time.Time
	timer     *time.Timer
	burst     uint64
}

func NewTypingNotifier(pub Publisher, conversationID string) *TypingNotifier {
	return &TypingNotifier{
		pub:            pub,
		conversationID: conversationID,
		pulse:          TypingPulse,
		idle:           TypingIdle,
		now:            time.Now,
	}
}

// Keystroke records input activity. The first keystroke of a burst and every
// keystroke a pulse interval after the last one publish isTyping=true.
func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if !n.typing || now.Sub(n.lastPulse) >= n.pulse {
		n.typing = true
		n.lastPulse = now
		n.publish(true)
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.burst++
	burst := n.burst
	n.timer = time.AfterFunc(n.idle, func() { n.idleStop(burst) })
}

// idleStop fires from the idle timer. A keystroke that raced the timer has
// already bumped burst, so the stale timer does nothing.
func (n *TypingNotifier) idleStop(burst uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if burst != n.burst {
		return
	}
	n.stopLocked()
}

// Stop publishes isTyping=false if a burst is active, e.g. after sending.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
}

func (n *TypingNotifier) stopLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if !n.typing {
		return
	}
	n.typing = false
	n.publish(false)
}

func (n *TypingNotifier) publish(typing bool) {
	// Typing is best effort; a lost pulse only shortens the indicator.
	_ = n.pub.Publish(topic.SetTyping, model.TypingRequest{ConversationID: n.conversationID, IsTyping: typing})
}
