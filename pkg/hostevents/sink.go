package hostevents

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Type string

const (
	TypeCallStart  Type = "call-start"
	TypeCallEnd    Type = "call-end"
	TypeMessage    Type = "message"
	TypeTranscript Type = "transcript"
	TypeError      Type = "error"
)

// Source names the session an event came from.
type Source string

const (
	SourceVoice Source = "voice"
	SourceChat  Source = "chat"
)

// Event is the JSON envelope of a host callback.
type Event struct {
	Type        Type            `json:"type"`
	Source      Source          `json:"source,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	TimestampMs int64           `json:"timestampMs"`
}

// NewEvent stamps an event with the current time. payload is marshalled into
// Message when non-nil.
func NewEvent(t Type, source Source, payload any) (Event, error) {
	ev := Event{Type: t, Source: source, TimestampMs: time.Now().UnixMilli()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "marshal host event payload")
		}
		ev.Message = b
	}
	return ev, nil
}

type Sink interface {
	Publish(ev Event) error
}

type NopSink struct{}

func (NopSink) Publish(Event) error { return nil }

// WatermillSink writes events as JSON messages to one topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

var _ Sink = &WatermillSink{}

func NewWatermillSink(publisher message.Publisher, topic string) (*WatermillSink, error) {
	if publisher == nil {
		return nil, errors.New("host events: publisher is nil")
	}
	if topic == "" {
		return nil, errors.New("host events: empty topic")
	}
	return &WatermillSink{publisher: publisher, topic: topic}, nil
}

func (s *WatermillSink) Publish(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal host event")
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("event_type", string(ev.Type))
	if ev.Source != "" {
		msg.Metadata.Set("source", string(ev.Source))
	}
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return errors.Wrapf(err, "publish host event to %s", s.topic)
	}
	return nil
}

// Decode parses a message published by WatermillSink.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode host event")
	}
	return ev, nil
}
