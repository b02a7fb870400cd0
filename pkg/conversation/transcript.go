package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a message inside a Transcript. It stays valid when other
// messages are inserted or the transcript is reordered; it only goes stale
// when the transcript is cleared.
type Handle string

// Transcript is an ordered, concurrency-safe list of messages belonging to one
// session type.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// NewTranscriptWithClock is used by tests that need deterministic timestamps.
func NewTranscriptWithClock(now func() time.Time) *Transcript {
	if now == nil {
		now = time.Now
	}
	return &Transcript{now: now}
}

// Append adds msg at the end. Missing IDs and timestamps are filled in.
func (t *Transcript) Append(msg Message) Handle {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.clock()
	}
	t.messages = append(t.messages, msg)
	return Handle(msg.ID)
}

// AppendContent appends fragment to the content of the message identified by h.
// It returns the updated message, or false when h no longer resolves.
func (t *Transcript) AppendContent(h Handle, fragment string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(h)
	if i < 0 {
		return Message{}, false
	}
	t.messages[i].Content += fragment
	return t.messages[i], true
}

// Remove deletes the message identified by h.
func (t *Transcript) Remove(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(h)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

func (t *Transcript) Get(h Handle) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.indexLocked(h)
	if i < 0 {
		return Message{}, false
	}
	return t.messages[i], true
}

// Messages returns a copy of the transcript in insertion order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return nil
	}
	return append([]Message(nil), t.messages...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

func (t *Transcript) Clear() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

func (t *Transcript) indexLocked(h Handle) int {
	if h == "" {
		return -1
	}
	// newest first: the in-progress message is almost always at the tail
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == string(h) {
			return i
		}
	}
	return -1
}

func (t *Transcript) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}
