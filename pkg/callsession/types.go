package callsession

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/pkg/errors"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// State is a snapshot of the live call. IsActive is true exactly when Status
// is StatusConnected.
type State struct {
	IsActive    bool    `json:"isCallActive"`
	IsSpeaking  bool    `json:"isSpeaking"`
	VolumeLevel float64 `json:"volumeLevel"`
	Status      Status  `json:"connectionStatus"`
	IsMuted     bool    `json:"isMuted"`
}

var (
	ErrDisabled       = errors.New("call session is disabled")
	ErrNoTransport    = errors.New("call session has no transport")
	ErrCallInProgress = errors.New("a call is already active or connecting")
	ErrNoStoredCall   = errors.New("no stored call to reconnect to")
)

// Call is what the backend returns when it accepts a start request.
type Call struct {
	ID           string                  `json:"id"`
	WebCallURL   string                  `json:"webCallUrl"`
	ArtifactPlan *callstore.ArtifactPlan `json:"artifactPlan,omitempty"`
	Assistant    json.RawMessage         `json:"assistant,omitempty"`
}

// Transport is the backend call channel. Implementations deliver events on
// their own goroutine, in order.
type Transport interface {
	Start(ctx context.Context, config map[string]any) (*Call, error)
	Resume(ctx context.Context, stored *callstore.StoredCallData) error
	Stop(ctx context.Context, force bool) error
	SetMuted(muted bool) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

type EventType string

const (
	EventCallStart   EventType = "call-start"
	EventCallEnd     EventType = "call-end"
	EventSpeechStart EventType = "speech-start"
	EventSpeechEnd   EventType = "speech-end"
	EventVolumeLevel EventType = "volume-level"
	EventMessage     EventType = "message"
	EventError       EventType = "error"
)

type Event struct {
	Type    EventType
	Volume  float64
	Message *InboundMessage
	Err     error
}

// InboundMessage is a server message received during a call. Raw keeps the
// full decoded payload for hosts that need more than the transcript fields.
type InboundMessage struct {
	Type           string         `json:"type"`
	Role           string         `json:"role,omitempty"`
	TranscriptType string         `json:"transcriptType,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	Raw            map[string]any `json:"-"`
}

// FinalTranscript reports whether m is a finalized user or assistant
// utterance.
func (m *InboundMessage) FinalTranscript() (conversation.Role, bool) {
	if m == nil || m.Type != "transcript" || m.TranscriptType != "final" {
		return "", false
	}
	switch r := conversation.Role(m.Role); r {
	case conversation.RoleUser, conversation.RoleAssistant:
		return r, true
	default:
		return "", false
	}
}

// DecodeInboundMessage parses a raw server message.
func DecodeInboundMessage(data []byte) (*InboundMessage, error) {
	var m InboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode call message")
	}
	if err := json.Unmarshal(data, &m.Raw); err != nil {
		return nil, errors.Wrap(err, "decode call message")
	}
	return &m, nil
}

// Callbacks are invoked outside the manager lock. A panicking callback is
// recovered and reported through OnError. Event-driven callbacks run on the
// transport's read goroutine and must not end the call synchronously.
type Callbacks struct {
	OnCallStart  func()
	OnCallEnd    func()
	OnMessage    func(msg *InboundMessage)
	OnError      func(err error)
	OnTranscript func(msg conversation.Message)
}

type EndOptions struct {
	// Force tears the call down on the backend and drops the stored record.
	Force bool
}
