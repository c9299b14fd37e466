package client

import (
	"sync"
	"time"
)

// typingDebounce is how long after the last keystroke the indicator drops.
const typingDebounce = 1000 * time.Millisecond

// TypingBroadcaster turns raw keystrokes into at most one typing(true)
// per burst and a single typing(false) after the input goes quiet.
// Level-triggered: receivers that miss the false recover on the next
// burst or their own timeout; the broadcaster keeps no server state.
type TypingBroadcaster struct {
	mu     sync.Mutex
	send   func(active bool)
	delay  time.Duration
	timer  *time.Timer
	active bool
}

func NewTypingBroadcaster(send func(active bool)) *TypingBroadcaster {
	return &TypingBroadcaster{send: send, delay: typingDebounce}
}

// Keystroke registers input activity. The first call of a burst emits
// typing(true); every call restarts the silence timer.
func (b *TypingBroadcaster) Keystroke() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		b.active = true
		b.send(true)
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.expire)
}

func (b *TypingBroadcaster) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		b.active = false
		b.send(false)
	}
}

// Clear emits typing(false) immediately (input cleared or message sent)
// and cancels the pending timer.
func (b *TypingBroadcaster) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.active {
		b.active = false
		b.send(false)
	}
}
