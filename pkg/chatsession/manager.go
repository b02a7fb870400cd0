package chatsession

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/parley/pkg/assistant"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrDisabled      = errors.New("chat session is disabled")
	ErrEmptyInput    = errors.New("message is empty")
	ErrMissingConfig = errors.New("missing required configuration: publicKey and assistantId")
	ErrNoClient      = errors.New("chat client not initialized")
)

// AbortFunc cancels a stream. Calling it more than once has no further
// effect.
type AbortFunc func()

func newAbortFunc(cancel context.CancelFunc) AbortFunc {
	var once sync.Once
	return func() { once.Do(cancel) }
}

type Callbacks struct {
	// OnMessage fires for the user message when it is sent and for the
	// assistant message once its stream completed with content.
	OnMessage func(msg conversation.Message)
	OnError   func(err error)
}

type Options struct {
	Client    Streamer
	Enabled   bool
	PublicKey string
	Assistant assistant.Ref
	// SessionID resumes an existing server-side conversation.
	SessionID string
	Callbacks Callbacks
	Now       func() time.Time
}

type State struct {
	Messages  []conversation.Message `json:"messages"`
	IsTyping  bool                   `json:"isTyping"`
	IsLoading bool                   `json:"isLoading"`
	SessionID string                 `json:"sessionId,omitempty"`
	IsEnabled bool                   `json:"isEnabled"`
}

// Manager runs chat turns against a streaming endpoint. At most one stream
// is open; starting a new turn aborts the previous one.
type Manager struct {
	client    Streamer
	enabled   bool
	publicKey string
	ref       assistant.Ref
	cb        Callbacks

	transcript *conversation.Transcript

	mu        sync.Mutex
	isTyping  bool
	isLoading bool
	sessionID string
	gen       uint64
	pending   conversation.Handle
	abort     AbortFunc
	done      chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		client:     opts.Client,
		enabled:    opts.Enabled,
		publicKey:  opts.PublicKey,
		ref:        opts.Assistant,
		cb:         opts.Callbacks,
		sessionID:  opts.SessionID,
		transcript: conversation.NewTranscriptWithClock(opts.Now),
	}
}

func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Messages:  m.transcript.Messages(),
		IsTyping:  m.isTyping,
		IsLoading: m.isLoading,
		SessionID: m.sessionID,
		IsEnabled: m.enabled,
	}
}

func (m *Manager) Messages() []conversation.Message {
	return m.transcript.Messages()
}

// SendMessage appends the user message and opens a stream for the reply.
// It returns once the stream is open; chunks are applied in the background.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	if !m.enabled {
		return ErrDisabled
	}
	input := strings.TrimSpace(text)
	if input == "" {
		return ErrEmptyInput
	}
	if err := m.Validate(); err != nil {
		m.reportError(err)
		return err
	}

	m.Abort()

	streamCtx, cancel := context.WithCancel(ctx)
	abort := newAbortFunc(cancel)

	m.mu.Lock()
	// A concurrent send may have opened a stream since Abort above.
	prev := m.abort
	if prev != nil {
		m.dropEmptyLocked(m.pending)
	}
	m.gen++
	gen := m.gen
	userHandle := m.transcript.Append(conversation.Message{Role: conversation.RoleUser, Content: input})
	userMsg, _ := m.transcript.Get(userHandle)
	placeholder := m.transcript.Append(conversation.Message{Role: conversation.RoleAssistant})
	m.pending = placeholder
	m.isTyping = true
	m.isLoading = true
	m.abort = abort
	sessionID := m.sessionID
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	if m.cb.OnMessage != nil {
		m.invoke("OnMessage", func() { m.cb.OnMessage(userMsg) })
	}

	log.Debug().Str("component", "chatsession").Str("session_id", sessionID).Msg("opening chat stream")
	stream, err := m.client.Stream(streamCtx, Request{
		Input:              input,
		AssistantID:        m.ref.ChatID(),
		AssistantOverrides: m.ref.Overrides,
		SessionID:          sessionID,
		Stream:             true,
	})
	if err != nil {
		abort()
		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.transcript.Remove(placeholder)
			m.resetStreamLocked()
		}
		m.mu.Unlock()
		if !current {
			return nil
		}
		err = errors.Wrap(err, "send chat message")
		m.reportError(err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// superseded while the request was opening
		m.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	m.isLoading = false
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go m.consume(gen, placeholder, stream, done)
	return nil
}

// Validate reports the configuration errors SendMessage would fail with,
// without touching any state.
func (m *Manager) Validate() error {
	if !m.enabled {
		return ErrDisabled
	}
	if m.publicKey == "" || m.ref.ChatID() == "" {
		return ErrMissingConfig
	}
	if m.client == nil {
		return ErrNoClient
	}
	return nil
}

// ClearMessages aborts any open stream and starts a fresh conversation.
func (m *Manager) ClearMessages() {
	m.Abort()
	m.mu.Lock()
	m.transcript.Clear()
	m.resetStreamLocked()
	m.sessionID = ""
	m.mu.Unlock()
}

// Abort cancels the open stream, if any. Chunks that arrive afterwards are
// dropped.
func (m *Manager) Abort() {
	m.mu.Lock()
	abort := m.abort
	if abort == nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.dropEmptyLocked(m.pending)
	m.resetStreamLocked()
	m.mu.Unlock()

	abort()
	log.Debug().Str("component", "chatsession").Msg("chat stream aborted")
}

// Wait blocks until the most recent stream goroutine returned.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) consume(gen uint64, h conversation.Handle, stream *Stream, done chan struct{}) {
	defer close(done)
	defer func() { _ = stream.Close() }()
	defer func() {
		if r := recover(); r != nil {
			m.finish(gen, h, errors.Errorf("panic in chat stream: %v", r))
		}
	}()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			m.finish(gen, h, nil)
			return
		}
		if err != nil {
			// a no-op when Abort already superseded this stream
			m.finish(gen, h, errors.Wrap(err, "chat stream"))
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		if chunk.SessionID != "" && chunk.SessionID != m.sessionID {
			m.sessionID = chunk.SessionID
			log.Debug().Str("component", "chatsession").Str("session_id", chunk.SessionID).Msg("adopted session id")
		}
		if fragment := ExtractContent(chunk); fragment != "" {
			m.transcript.AppendContent(h, fragment)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) finish(gen uint64, h conversation.Handle, streamErr error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	final, ok := m.transcript.Get(h)
	if ok && final.Content == "" {
		m.transcript.Remove(h)
		ok = false
	}
	release := m.abort
	m.resetStreamLocked()
	m.mu.Unlock()
	if release != nil {
		release()
	}

	if streamErr != nil {
		m.reportError(streamErr)
		return
	}
	if ok && m.cb.OnMessage != nil {
		m.invoke("OnMessage", func() { m.cb.OnMessage(final) })
	}
}

func (m *Manager) resetStreamLocked() {
	m.isTyping = false
	m.isLoading = false
	m.pending = ""
	m.abort = nil
}

func (m *Manager) dropEmptyLocked(h conversation.Handle) {
	if h == "" {
		return
	}
	if msg, ok := m.transcript.Get(h); ok && msg.Content == "" {
		m.transcript.Remove(h)
	}
}

func (m *Manager) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.reportError(errors.Errorf("panic in %s: %v", name, r))
		}
	}()
	fn()
}

func (m *Manager) reportError(err error) {
	log.Error().Err(err).Str("component", "chatsession").Msg("chat error")
	if m.cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "chatsession").Msg("OnError panicked")
		}
	}()
	m.cb.OnError(err)
}
