package widget

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrIllegalTransition = errors.New("illegal widget phase transition")

// Phase is which session is live. At most one is at any time.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseVoiceActive
	PhaseChatStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseVoiceActive:
		return "voice-active"
	case PhaseChatStreaming:
		return "chat-streaming"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type phaseEvent int

const (
	evCallUp phaseEvent = iota
	evCallDown
	evChatUp
	evChatDown
)

func (e phaseEvent) String() string {
	switch e {
	case evCallUp:
		return "call-up"
	case evCallDown:
		return "call-down"
	case evChatUp:
		return "chat-up"
	case evChatDown:
		return "chat-down"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transitions lists every legal move. Anything missing is illegal: a call
// cannot come up while a chat streams and vice versa.
var transitions = map[Phase]map[phaseEvent]Phase{
	PhaseIdle: {
		evCallUp:   PhaseVoiceActive,
		evCallDown: PhaseIdle,
		evChatUp:   PhaseChatStreaming,
		evChatDown: PhaseIdle,
	},
	PhaseVoiceActive: {
		evCallUp:   PhaseVoiceActive,
		evCallDown: PhaseIdle,
		evChatDown: PhaseVoiceActive,
	},
	PhaseChatStreaming: {
		evChatUp:   PhaseChatStreaming,
		evChatDown: PhaseIdle,
		evCallDown: PhaseChatStreaming,
	},
}

func (p Phase) transition(ev phaseEvent) (Phase, error) {
	next, ok := transitions[p][ev]
	if !ok {
		return p, errors.Wrapf(ErrIllegalTransition, "%s on %s", ev, p)
	}
	return next, nil
}

// derive walks p to the phase matching the observed session states. Downs
// are applied before ups so a finished session frees the phase first.
func (p Phase) derive(callUp, chatUp bool) (Phase, error) {
	var err error
	if !callUp {
		p, _ = p.transition(evCallDown)
	}
	if !chatUp {
		p, _ = p.transition(evChatDown)
	}
	if callUp {
		if p, err = p.transition(evCallUp); err != nil {
			return p, err
		}
	}
	if chatUp {
		if p, err = p.transition(evChatUp); err != nil {
			return p, err
		}
	}
	return p, nil
}
