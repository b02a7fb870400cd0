// Package assistant models how a widget points at a backend assistant.
//
// Three forms are accepted, in increasing precedence: a bare assistant id, an
// id with inline overrides, and a full inline assistant object. The inline
// object is only understood by the call channel; the chat channel requires an
// id.
package assistant

import (
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindNone Kind = iota
	KindID
	KindIDWithOverrides
	KindInline
)

func (k Kind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindIDWithOverrides:
		return "id+overrides"
	case KindInline:
		return "inline"
	default:
		return "none"
	}
}

var (
	ErrNoAssistant      = errors.New("assistant: no assistant id or inline assistant configured")
	ErrInlineNotForChat = errors.New("assistant: inline assistant objects are only supported for voice calls")
)

// Ref is a reference to the assistant a widget talks to.
type Ref struct {
	ID        string         `json:"assistantId,omitempty" yaml:"assistant-id,omitempty"`
	Overrides map[string]any `json:"assistantOverrides,omitempty" yaml:"assistant-overrides,omitempty"`
	Assistant map[string]any `json:"assistant,omitempty" yaml:"assistant,omitempty"`
}

func (r Ref) Kind() Kind {
	switch {
	case len(r.Assistant) > 0:
		return KindInline
	case strings.TrimSpace(r.ID) != "" && len(r.Overrides) > 0:
		return KindIDWithOverrides
	case strings.TrimSpace(r.ID) != "":
		return KindID
	default:
		return KindNone
	}
}

// CallConfig builds the start request body for the call channel. The most
// specific form wins: an inline assistant hides id and overrides.
func (r Ref) CallConfig() (map[string]any, error) {
	switch r.Kind() {
	case KindInline:
		return map[string]any{"assistant": cloneMap(r.Assistant)}, nil
	case KindIDWithOverrides:
		return map[string]any{
			"assistantId":        strings.TrimSpace(r.ID),
			"assistantOverrides": cloneMap(r.Overrides),
		}, nil
	case KindID:
		return map[string]any{"assistantId": strings.TrimSpace(r.ID)}, nil
	default:
		return nil, ErrNoAssistant
	}
}

// ChatID returns the assistant id usable for chat requests.
func (r Ref) ChatID() string {
	return strings.TrimSpace(r.ID)
}

// ValidateForChat fails when the chat channel cannot use this reference.
func (r Ref) ValidateForChat() error {
	if r.ChatID() != "" {
		return nil
	}
	if len(r.Assistant) > 0 {
		return ErrInlineNotForChat
	}
	return ErrNoAssistant
}

// ParseRef accepts the loose shapes hosts pass in: a plain id string, a map
// with assistantId/assistantOverrides/assistant keys, or a Ref.
func ParseRef(v any) (Ref, error) {
	switch t := v.(type) {
	case nil:
		return Ref{}, nil
	case Ref:
		return t, nil
	case *Ref:
		if t == nil {
			return Ref{}, nil
		}
		return *t, nil
	case string:
		return Ref{ID: strings.TrimSpace(t)}, nil
	case map[string]any:
		ref := Ref{}
		if id, ok := t["assistantId"]; ok {
			s, ok := id.(string)
			if !ok {
				return Ref{}, errors.Errorf("assistant: assistantId must be a string, got %T", id)
			}
			ref.ID = strings.TrimSpace(s)
		}
		if o, ok := t["assistantOverrides"]; ok && o != nil {
			m, ok := o.(map[string]any)
			if !ok {
				return Ref{}, errors.Errorf("assistant: assistantOverrides must be an object, got %T", o)
			}
			ref.Overrides = m
		}
		if a, ok := t["assistant"]; ok && a != nil {
			m, ok := a.(map[string]any)
			if !ok {
				return Ref{}, errors.Errorf("assistant: assistant must be an object, got %T", a)
			}
			ref.Assistant = m
		}
		return ref, nil
	default:
		return Ref{}, errors.Errorf("assistant: unsupported reference type %T", v)
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
