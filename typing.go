package chatsync

import (
	"sort"
	"sync"
	"time"
)

// TypingWindow is how long a typing indicator stays visible without a refresh,
// and the minimum spacing between outgoing typing signals.
const TypingWindow = 2500 * time.Millisecond

// TypingSignal marks a conversation whose peer is composing a message.
type TypingSignal struct {
	Conversation ConversationKey
	Label        string
	ExpiresAt    time.Time
}

// TypingTracker holds the visible typing indicators. Each one clears itself
// TypingWindow after its last refresh.
type TypingTracker struct {
	clock    Clock
	window   time.Duration
	expiry   *debouncer[ConversationKey]
	onChange func(k ConversationKey, typing bool)

	mu      sync.Mutex
	signals map[ConversationKey]TypingSignal
}

func NewTypingTracker(clock Clock, onChange func(k ConversationKey, typing bool)) *TypingTracker {
	if clock == nil {
		clock = SystemClock
	}
	return &TypingTracker{
		clock:    clock,
		window:   TypingWindow,
		expiry:   newDebouncer[ConversationKey](clock, TypingWindow),
		onChange: onChange,
		signals:  make(map[ConversationKey]TypingSignal),
	}
}

// Touch shows or refreshes the indicator of k.
func (t *TypingTracker) Touch(k ConversationKey, label string) {
	t.mu.Lock()
	_, existed := t.signals[k]
	t.signals[k] = TypingSignal{Conversation: k, Label: label, ExpiresAt: t.clock.Now().Add(t.window)}
	t.mu.Unlock()

	t.expiry.Schedule(k, func() { t.expire(k) })
	if !existed && t.onChange != nil {
		t.onChange(k, true)
	}
}

func (t *TypingTracker) expire(k ConversationKey) {
	t.mu.Lock()
	_, ok := t.signals[k]
	delete(t.signals, k)
	t.mu.Unlock()
	if ok && t.onChange != nil {
		t.onChange(k, false)
	}
}

// Active returns the indicator of k, if visible.
func (t *TypingTracker) Active(k ConversationKey) (TypingSignal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.signals[k]
	return s, ok
}

// Signals returns every visible indicator ordered by conversation key.
func (t *TypingTracker) Signals() []TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TypingSignal, 0, len(t.signals))
	for _, s := range t.signals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation.String() < out[j].Conversation.String() })
	return out
}

// Stop cancels every expiry timer and clears all indicators.
func (t *TypingTracker) Stop() {
	t.expiry.Discard()
	t.mu.Lock()
	t.signals = make(map[ConversationKey]TypingSignal)
	t.mu.Unlock()
}

// ── Outgoing ─────────────────────────────────────────────

// typingGate allows one outgoing typing signal per window.
type typingGate struct {
	clock  Clock
	window time.Duration

	mu    sync.Mutex
	timer Timer
}

// acquire reports whether a signal may be sent now and, if so, opens a window.
func (g *typingGate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		return false
	}
	var timer Timer
	timer = g.clock.AfterFunc(g.window, func() {
		g.mu.Lock()
		if g.timer == timer {
			g.timer = nil
		}
		g.mu.Unlock()
	})
	g.timer = timer
	return true
}

func (g *typingGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
