package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Transport Transport
	// Config is the start request body, usually assistant.Ref.CallConfig().
	Config  map[string]any
	Enabled bool
	// Store persists resumption data. Nil disables resumption.
	Store             *callstore.Store
	AutoDeleteOnLeave bool
	Callbacks         Callbacks
	Now               func() time.Time
}

// Manager owns at most one live call against a Transport.
type Manager struct {
	transport  Transport
	config     map[string]any
	enabled    bool
	store      *callstore.Store
	autoDelete bool
	cb         Callbacks
	now        func() time.Time
	transcript *conversation.Transcript

	mu          sync.Mutex
	state       State
	callID      string
	attempt     uint64
	unsubscribe func()
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		transport:  opts.Transport,
		config:     opts.Config,
		enabled:    opts.Enabled,
		store:      opts.Store,
		autoDelete: opts.AutoDeleteOnLeave,
		cb:         opts.Callbacks,
		now:        opts.Now,
		transcript: conversation.NewTranscriptWithClock(opts.Now),
		state:      State{Status: StatusDisconnected},
	}
}

func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transcript returns the finalized utterances of the current call branch.
func (m *Manager) Transcript() []conversation.Message {
	return m.transcript.Messages()
}

func (m *Manager) ClearTranscript() {
	m.transcript.Clear()
}

// Validate reports whether the manager can run calls at all.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkUsableLocked()
}

// StartCall asks the backend for a new call. The returned error is also
// reported through OnError unless it is a precondition failure.
func (m *Manager) StartCall(ctx context.Context) error {
	m.mu.Lock()
	if err := m.checkUsableLocked(); err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("component", "callsession").Msg("cannot start call")
		return err
	}
	if m.state.Status != StatusDisconnected {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.state.Status = StatusConnecting
	m.attempt++
	attempt := m.attempt
	cfg := m.config
	m.mu.Unlock()

	log.Info().Str("component", "callsession").Msg("starting call")
	call, err := m.transport.Start(ctx, cfg)
	if err == nil && call == nil {
		err = errors.New("backend returned no call")
	}
	if err != nil {
		m.revert(attempt)
		err = errors.Wrap(err, "start call")
		m.reportError(err)
		return err
	}

	fire, current := m.markConnected(attempt, call.ID)
	if !current {
		// The call was ended while the start request was in flight.
		log.Info().Str("component", "callsession").Str("call_id", call.ID).Msg("call ended during connect, stopping")
		if err := m.transport.Stop(ctx, false); err != nil {
			log.Warn().Err(err).Str("component", "callsession").Msg("stop after cancelled start failed")
		}
		return nil
	}
	if fire {
		m.invoke("OnCallStart", m.cb.OnCallStart)
	}

	if !m.autoDelete && m.store != nil {
		m.saveRecord(ctx, call)
	}
	return nil
}

// EndCall drops the live call. A non-forced end only disconnects locally so
// the call can be resumed with Reconnect.
func (m *Manager) EndCall(ctx context.Context, opts EndOptions) error {
	m.mu.Lock()
	was := m.state
	callID := m.callID
	m.resetLocked()
	m.mu.Unlock()

	var err error
	if was.Status != StatusDisconnected && m.transport != nil {
		log.Info().Str("component", "callsession").Str("call_id", callID).Bool("force", opts.Force).Msg("ending call")
		if serr := m.transport.Stop(ctx, opts.Force); serr != nil {
			err = errors.Wrap(serr, "end call")
			m.reportError(err)
		}
	}
	if opts.Force && m.store != nil {
		if cerr := m.store.Clear(ctx); cerr != nil {
			log.Warn().Err(cerr).Str("component", "callsession").Msg("failed to clear stored call")
		}
	}
	if was.IsActive {
		m.invoke("OnCallEnd", m.cb.OnCallEnd)
	}
	return err
}

func (m *Manager) ToggleCall(ctx context.Context, opts EndOptions) error {
	if m.State().IsActive {
		return m.EndCall(ctx, opts)
	}
	return m.StartCall(ctx)
}

// ToggleMute flips the microphone while a call is active. It does nothing
// otherwise.
func (m *Manager) ToggleMute() error {
	m.mu.Lock()
	if !m.state.IsActive || m.transport == nil {
		m.mu.Unlock()
		return nil
	}
	muted := !m.state.IsMuted
	m.mu.Unlock()

	if err := m.transport.SetMuted(muted); err != nil {
		err = errors.Wrap(err, "toggle mute")
		m.reportError(err)
		return err
	}

	m.mu.Lock()
	if m.state.IsActive {
		m.state.IsMuted = muted
	}
	m.mu.Unlock()
	return nil
}

// Reconnect resumes the stored call. It makes a single attempt; a failed
// attempt discards the stored record.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	err := m.checkUsableLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	rec, err := m.loadRecord(ctx)
	if err != nil {
		err = errors.Wrap(err, "reconnect")
		m.reportError(err)
		return err
	}
	if rec == nil {
		m.reportError(ErrNoStoredCall)
		return ErrNoStoredCall
	}

	m.mu.Lock()
	if m.state.Status != StatusDisconnected {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.state.Status = StatusConnecting
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	log.Info().Str("component", "callsession").Str("call_id", rec.ID).Msg("resuming stored call")
	if err := m.transport.Resume(ctx, rec); err != nil {
		m.revert(attempt)
		if cerr := m.store.Clear(ctx); cerr != nil {
			log.Warn().Err(cerr).Str("component", "callsession").Msg("failed to clear stored call")
		}
		err = errors.Wrap(err, "reconnect")
		m.reportError(err)
		return err
	}

	fire, current := m.markConnected(attempt, rec.ID)
	if fire && current {
		m.invoke("OnCallStart", m.cb.OnCallStart)
	}
	return nil
}

// Mount subscribes to transport events and resumes a stored call when one
// matches the current configuration.
func (m *Manager) Mount(ctx context.Context) error {
	m.mu.Lock()
	if m.unsubscribe == nil && m.transport != nil {
		m.unsubscribe = m.transport.Subscribe(m.handleEvent)
	}
	usable := m.checkUsableLocked() == nil
	m.mu.Unlock()

	if !usable || m.store == nil || m.autoDelete {
		return nil
	}
	rec, err := m.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "callsession").Msg("failed to read stored call")
		return nil
	}
	if rec == nil {
		return nil
	}
	if len(rec.CallOptions) > 0 && !callstore.EqualOptions(rec.CallOptions, m.config) {
		log.Info().Str("component", "callsession").Str("call_id", rec.ID).Msg("stored call was started with different options, discarding")
		if err := m.store.Clear(ctx); err != nil {
			log.Warn().Err(err).Str("component", "callsession").Msg("failed to clear stored call")
		}
		return nil
	}
	return m.Reconnect(ctx)
}

// Close ends a live call without tearing it down on the backend and detaches
// from the transport.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	if m.State().Status != StatusDisconnected {
		err = m.EndCall(ctx, EndOptions{})
	}

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if m.autoDelete && m.store != nil {
		if cerr := m.store.Clear(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Manager) handleEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.panicked(fmt.Sprintf("%s handler", ev.Type), r)
		}
	}()

	log.Debug().Str("component", "callsession").Str("event", string(ev.Type)).Msg("call event")

	switch ev.Type {
	case EventCallStart:
		m.mu.Lock()
		if m.state.Status == StatusDisconnected {
			m.mu.Unlock()
			log.Debug().Str("component", "callsession").Msg("ignoring call-start without a pending call")
			return
		}
		fire := !m.state.IsActive
		m.state.Status = StatusConnected
		m.state.IsActive = true
		m.mu.Unlock()
		if fire {
			m.invoke("OnCallStart", m.cb.OnCallStart)
		}

	case EventCallEnd:
		m.mu.Lock()
		was := m.state
		callID := m.callID
		m.resetLocked()
		m.mu.Unlock()
		if was.Status == StatusDisconnected {
			return
		}
		// The backend ended the call, so there is nothing left to resume.
		if m.store != nil {
			if err := m.store.Clear(context.Background()); err != nil {
				log.Warn().Err(err).Str("component", "callsession").Msg("failed to clear stored call")
			}
		}
		log.Info().Str("component", "callsession").Str("call_id", callID).Msg("call ended")
		if was.IsActive {
			m.invoke("OnCallEnd", m.cb.OnCallEnd)
		}

	case EventSpeechStart, EventSpeechEnd:
		m.mu.Lock()
		if m.state.IsActive {
			m.state.IsSpeaking = ev.Type == EventSpeechStart
		}
		m.mu.Unlock()

	case EventVolumeLevel:
		v := clampVolume(ev.Volume)
		m.mu.Lock()
		if m.state.IsActive {
			m.state.VolumeLevel = v
		}
		m.mu.Unlock()

	case EventMessage:
		if ev.Message == nil {
			return
		}
		if role, ok := ev.Message.FinalTranscript(); ok {
			h := m.transcript.Append(conversation.Message{
				Role:    role,
				Content: ev.Message.Transcript,
			})
			if msg, ok := m.transcript.Get(h); ok && m.cb.OnTranscript != nil {
				m.invoke("OnTranscript", func() { m.cb.OnTranscript(msg) })
			}
		}
		if m.cb.OnMessage != nil {
			m.invoke("OnMessage", func() { m.cb.OnMessage(ev.Message) })
		}

	case EventError:
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		err := ev.Err
		if err == nil {
			err = errors.New("call transport error")
		}
		m.reportError(err)

	default:
		log.Debug().Str("component", "callsession").Str("event", string(ev.Type)).Msg("ignoring unknown call event")
	}
}

func (m *Manager) checkUsableLocked() error {
	if !m.enabled {
		return ErrDisabled
	}
	if m.transport == nil {
		return ErrNoTransport
	}
	return nil
}

// resetLocked returns to the idle state and invalidates in-flight attempts.
func (m *Manager) resetLocked() {
	m.state = State{Status: StatusDisconnected}
	m.callID = ""
	m.attempt++
}

func (m *Manager) revert(attempt uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == attempt {
		m.state = State{Status: StatusDisconnected}
	}
}

// markConnected promotes the attempt to a live call. fire reports whether the
// call just became active; current is false when the attempt was superseded.
func (m *Manager) markConnected(attempt uint64, callID string) (fire bool, current bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		return false, false
	}
	fire = !m.state.IsActive
	m.state.Status = StatusConnected
	m.state.IsActive = true
	m.callID = callID
	return fire, true
}

func (m *Manager) loadRecord(ctx context.Context) (*callstore.StoredCallData, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Load(ctx)
}

func (m *Manager) saveRecord(ctx context.Context, call *Call) {
	rec := callstore.StoredCallData{
		WebCallURL:   call.WebCallURL,
		ID:           call.ID,
		ArtifactPlan: call.ArtifactPlan,
		Assistant:    call.Assistant,
		Timestamp:    m.now().UnixMilli(),
	}
	if m.config != nil {
		if b, err := json.Marshal(m.config); err == nil {
			rec.CallOptions = b
		} else {
			log.Warn().Err(err).Str("component", "callsession").Msg("call options are not serializable")
		}
	}
	if err := m.store.Save(ctx, rec); err != nil {
		log.Warn().Err(err).Str("component", "callsession").Str("call_id", call.ID).Msg("failed to store call for reconnection")
	}
}

func (m *Manager) invoke(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.panicked(name, r)
		}
	}()
	fn()
}

func (m *Manager) reportError(err error) {
	log.Error().Err(err).Str("component", "callsession").Msg("call error")
	if m.cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "callsession").Msg("OnError panicked")
		}
	}()
	m.cb.OnError(err)
}

func (m *Manager) panicked(where string, r any) {
	m.reportError(errors.Errorf("panic in %s: %v", where, r))
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
