package widget

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode selects which sessions a widget runs.
type Mode string

const (
	ModeVoice  Mode = "voice"
	ModeChat   Mode = "chat"
	ModeHybrid Mode = "hybrid"
)

// ParseMode accepts the configured mode string. Empty means voice.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeVoice, nil
	case ModeVoice, ModeChat, ModeHybrid:
		return m, nil
	default:
		return "", errors.Errorf("unknown widget mode %q", s)
	}
}

func (m Mode) VoiceEnabled() bool { return m == ModeVoice || m == ModeHybrid }
func (m Mode) ChatEnabled() bool  { return m == ModeChat || m == ModeHybrid }

// Branch is the session that currently owns the conversation.
type Branch string

const (
	BranchNone  Branch = ""
	BranchVoice Branch = "voice"
	BranchChat  Branch = "chat"
)
