package widget

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/parley/pkg/callsession"
	"github.com/go-go-golems/parley/pkg/chatsession"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/hostevents"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageEvent is a message seen by either session. Exactly one of Call and
// Chat is set, matching Source.
type MessageEvent struct {
	Source hostevents.Source
	Call   *callsession.InboundMessage
	Chat   *conversation.Message
}

// Callbacks are the host notifications. Each invocation is guarded: a panic
// is recovered and reported through OnError.
type Callbacks struct {
	OnCallStart  func()
	OnCallEnd    func()
	OnMessage    func(ev MessageEvent)
	OnError      func(err error)
	OnTranscript func(msg conversation.Message)
}

type Options struct {
	Mode Mode
	// Call and Chat configure the sessions. Enabled and Callbacks are set by
	// the widget from the mode and its own callbacks.
	Call      callsession.Options
	Chat      chatsession.Options
	Callbacks Callbacks
	// Sink receives a copy of every host notification. Nil drops them.
	Sink hostevents.Sink
	// Consent gates new sessions when set.
	Consent *ConsentGate
}

type VoiceView struct {
	callsession.State
	IsAvailable bool `json:"isAvailable"`
}

type ChatView struct {
	chatsession.State
	IsAvailable bool `json:"isAvailable"`
}

// Widget composes a call session and a chat session according to its mode.
// In hybrid mode only one of them owns the conversation at a time.
type Widget struct {
	mode    Mode
	call    *callsession.Manager
	chat    *chatsession.Manager
	cb      Callbacks
	sink    hostevents.Sink
	consent *ConsentGate
	closers []func() error

	mu     sync.Mutex
	phase  Phase
	branch Branch
	typing bool
}

func New(opts Options) (*Widget, error) {
	if opts.Mode == "" {
		opts.Mode = ModeVoice
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		opts.Sink = hostevents.NopSink{}
	}
	w := &Widget{
		mode:    opts.Mode,
		cb:      opts.Callbacks,
		sink:    opts.Sink,
		consent: opts.Consent,
	}

	callOpts := opts.Call
	callOpts.Enabled = opts.Mode.VoiceEnabled()
	callOpts.Callbacks = callsession.Callbacks{
		OnCallStart:  w.onCallStart,
		OnCallEnd:    w.onCallEnd,
		OnMessage:    w.onCallMessage,
		OnError:      func(err error) { w.onError(hostevents.SourceVoice, err) },
		OnTranscript: w.onTranscript,
	}
	w.call = callsession.NewManager(callOpts)

	chatOpts := opts.Chat
	chatOpts.Enabled = opts.Mode.ChatEnabled()
	chatOpts.Callbacks = chatsession.Callbacks{
		OnMessage: w.onChatMessage,
		OnError:   func(err error) { w.onError(hostevents.SourceChat, err) },
	}
	w.chat = chatsession.NewManager(chatOpts)

	log.Debug().Str("component", "widget").Str("mode", string(w.mode)).Msg("widget created")
	return w, nil
}

func (w *Widget) Mode() Mode { return w.mode }

// SendMessage sends text on the chat session. In hybrid mode a live call is
// ended first, without tearing it down on the backend.
func (w *Widget) SendMessage(ctx context.Context, text string) error {
	if !w.mode.ChatEnabled() {
		return chatsession.ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return chatsession.ErrEmptyInput
	}
	// Configuration errors surface before the call or any transcript is
	// touched.
	if err := w.chat.Validate(); err != nil {
		w.onError(hostevents.SourceChat, err)
		return err
	}
	if err := w.checkConsent(ctx); err != nil {
		return err
	}

	if w.mode == ModeHybrid {
		w.mu.Lock()
		prev := w.branch
		w.mu.Unlock()

		// A connecting call is ended too, so it cannot come up under the chat.
		if w.call.State().Status != callsession.StatusDisconnected {
			if err := w.call.EndCall(ctx, callsession.EndOptions{}); err != nil {
				log.Warn().Err(err).Str("component", "widget").Msg("ending call before chat failed")
			}
		}
		if prev != BranchChat {
			w.call.ClearTranscript()
			w.chat.ClearMessages()
		}
	}

	w.mu.Lock()
	w.branch = BranchChat
	w.typing = false
	err := w.advanceLocked(evChatUp)
	w.mu.Unlock()
	if err != nil {
		return err
	}

	err = w.chat.SendMessage(ctx, text)
	w.syncPhase()
	return err
}

// ToggleCall starts a call when none is active and ends it otherwise. In
// hybrid mode starting a call discards the chat conversation.
func (w *Widget) ToggleCall(ctx context.Context, opts callsession.EndOptions) error {
	if !w.mode.VoiceEnabled() {
		return callsession.ErrDisabled
	}
	if w.call.State().IsActive {
		err := w.call.ToggleCall(ctx, opts)
		w.syncPhase()
		return err
	}
	return w.StartCall(ctx)
}

func (w *Widget) StartCall(ctx context.Context) error {
	if !w.mode.VoiceEnabled() {
		return callsession.ErrDisabled
	}
	if err := w.call.Validate(); err != nil {
		return err
	}
	// A live or connecting call keeps its transcript.
	if w.call.State().Status != callsession.StatusDisconnected {
		return callsession.ErrCallInProgress
	}
	if err := w.checkConsent(ctx); err != nil {
		return err
	}
	if w.mode == ModeHybrid {
		w.chat.ClearMessages()
		w.call.ClearTranscript()
	}

	w.mu.Lock()
	w.branch = BranchVoice
	w.typing = false
	err := w.advanceLocked(evCallUp)
	w.mu.Unlock()
	if err != nil {
		return err
	}

	err = w.call.StartCall(ctx)
	w.syncPhase()
	return err
}

func (w *Widget) EndCall(ctx context.Context, opts callsession.EndOptions) error {
	err := w.call.EndCall(ctx, opts)
	w.syncPhase()
	return err
}

func (w *Widget) ToggleMute() error {
	return w.call.ToggleMute()
}

// Reconnect resumes the stored call. Unlike StartCall it keeps the chat
// conversation, so it is refused while a chat stream is open.
func (w *Widget) Reconnect(ctx context.Context) error {
	if err := w.checkConsent(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	err := w.advanceLocked(evCallUp)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	err = w.call.Reconnect(ctx)
	w.syncPhase()
	return err
}

// AbortChat cancels the open chat stream, if any.
func (w *Widget) AbortChat() {
	w.chat.Abort()
	w.syncPhase()
}

// ClearConversation empties both transcripts and releases the branch.
func (w *Widget) ClearConversation() {
	w.chat.ClearMessages()
	w.call.ClearTranscript()
	w.mu.Lock()
	w.branch = BranchNone
	w.mu.Unlock()
	w.syncPhase()
}

// HandleInput tracks whether the user has text in the input box. It does not
// switch branches.
func (w *Widget) HandleInput(text string) {
	w.mu.Lock()
	w.typing = len(text) > 0
	w.mu.Unlock()
}

func (w *Widget) IsUserTyping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.typing
}

func (w *Widget) ActiveBranch() Branch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.branch
}

// Phase returns the live session phase, re-derived from the sessions.
func (w *Widget) Phase() Phase {
	w.syncPhase()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Conversation is what the host renders: the call transcript, the chat
// transcript, or both merged by time in hybrid mode.
func (w *Widget) Conversation() []conversation.Message {
	switch w.mode {
	case ModeVoice:
		return w.call.Transcript()
	case ModeChat:
		return w.chat.Messages()
	default:
		return conversation.Merge(w.call.Transcript(), w.chat.Messages())
	}
}

func (w *Widget) Voice() VoiceView {
	st := w.call.State()
	chatLoading := w.chat.State().IsLoading
	return VoiceView{
		State:       st,
		IsAvailable: w.mode.VoiceEnabled() && !st.IsActive && !chatLoading,
	}
}

func (w *Widget) Chat() ChatView {
	st := w.chat.State()
	return ChatView{
		State:       st,
		IsAvailable: w.mode.ChatEnabled() && !st.IsLoading,
	}
}

// Consent returns the consent gate, nil when none is configured.
func (w *Widget) Consent() *ConsentGate { return w.consent }

// Mount attaches the call session to its transport and resumes a stored
// call when one matches the configuration.
func (w *Widget) Mount(ctx context.Context) error {
	if !w.mode.VoiceEnabled() {
		return nil
	}
	err := w.call.Mount(ctx)
	w.syncPhase()
	return err
}

// Close aborts the chat stream, detaches the call session and releases what
// Build opened.
func (w *Widget) Close(ctx context.Context) error {
	w.chat.Abort()
	err := w.call.Close(ctx)
	for i := len(w.closers) - 1; i >= 0; i-- {
		if cerr := w.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	w.closers = nil
	w.syncPhase()
	return err
}

func (w *Widget) checkConsent(ctx context.Context) error {
	if w.consent == nil {
		return nil
	}
	ok, err := w.consent.Granted(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConsentRequired
	}
	return nil
}

// advanceLocked syncs the phase with the sessions and then applies ev.
func (w *Widget) advanceLocked(ev phaseEvent) error {
	w.syncPhaseLocked()
	next, err := w.phase.transition(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "widget").Msg("refusing to start a second session")
		return err
	}
	w.phase = next
	return nil
}

func (w *Widget) syncPhase() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncPhaseLocked()
}

func (w *Widget) syncPhaseLocked() {
	callUp := w.call.State().Status != callsession.StatusDisconnected
	chat := w.chat.State()
	chatUp := chat.IsTyping || chat.IsLoading
	next, err := w.phase.derive(callUp, chatUp)
	if err != nil {
		log.Warn().Err(err).Str("component", "widget").Msg("call and chat are live at once")
	}
	w.phase = next
}

func (w *Widget) onCallStart() {
	if w.mode == ModeHybrid {
		w.chat.ClearMessages()
		w.call.ClearTranscript()
	}
	w.mu.Lock()
	w.branch = BranchVoice
	w.typing = false
	w.mu.Unlock()

	w.guard("OnCallStart", func() {
		if w.cb.OnCallStart != nil {
			w.cb.OnCallStart()
		}
	})
	w.publish(hostevents.TypeCallStart, hostevents.SourceVoice, nil, nil)
}

func (w *Widget) onCallEnd() {
	w.mu.Lock()
	if w.branch == BranchVoice {
		w.branch = BranchNone
	}
	w.mu.Unlock()

	w.guard("OnCallEnd", func() {
		if w.cb.OnCallEnd != nil {
			w.cb.OnCallEnd()
		}
	})
	w.publish(hostevents.TypeCallEnd, hostevents.SourceVoice, nil, nil)
}

func (w *Widget) onCallMessage(msg *callsession.InboundMessage) {
	w.guard("OnMessage", func() {
		if w.cb.OnMessage != nil {
			w.cb.OnMessage(MessageEvent{Source: hostevents.SourceVoice, Call: msg})
		}
	})
	var payload any
	if msg != nil {
		payload = msg.Raw
	}
	w.publish(hostevents.TypeMessage, hostevents.SourceVoice, payload, nil)
}

func (w *Widget) onChatMessage(msg conversation.Message) {
	w.guard("OnMessage", func() {
		if w.cb.OnMessage != nil {
			w.cb.OnMessage(MessageEvent{Source: hostevents.SourceChat, Chat: &msg})
		}
	})
	w.publish(hostevents.TypeMessage, hostevents.SourceChat, msg, nil)
}

func (w *Widget) onTranscript(msg conversation.Message) {
	w.guard("OnTranscript", func() {
		if w.cb.OnTranscript != nil {
			w.cb.OnTranscript(msg)
		}
	})
	w.publish(hostevents.TypeTranscript, hostevents.SourceVoice, msg, nil)
}

func (w *Widget) onError(source hostevents.Source, err error) {
	w.reportError(err)
	w.publish(hostevents.TypeError, source, nil, err)
}

func (w *Widget) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic in %s: %v", name, r)
			w.reportError(err)
			w.publish(hostevents.TypeError, "", nil, err)
		}
	}()
	fn()
}

func (w *Widget) reportError(err error) {
	if w.cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "widget").Msg("OnError panicked")
		}
	}()
	w.cb.OnError(err)
}

func (w *Widget) publish(t hostevents.Type, source hostevents.Source, payload any, cause error) {
	ev, err := hostevents.NewEvent(t, source, payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "widget").Msg("dropping host event")
		return
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := w.sink.Publish(ev); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("event", string(t)).Msg("failed to publish host event")
	}
}
