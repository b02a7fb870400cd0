package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/widget"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type ChatCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ChatCommand)(nil)

type ChatSettings struct {
	Text         []string `glazed:"text"`
	SessionID    string   `glazed:"session-id"`
	GrantConsent bool     `glazed:"grant-consent"`
}

func NewChatCommand() (*ChatCommand, error) {
	sections, err := widgetSections()
	if err != nil {
		return nil, err
	}
	return &ChatCommand{
		CommandDescription: cmds.NewCommandDescription(
			"chat",
			cmds.WithShort("Send one chat message and stream the reply"),
			cmds.WithFlags(
				fields.New("session-id", fields.TypeString, fields.WithHelp("Continue an existing chat session")),
				fields.New("grant-consent", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Record consent without asking")),
			),
			cmds.WithArguments(
				fields.New("text", fields.TypeStringList, fields.WithHelp("Message to send"), fields.WithRequired(true)),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ChatCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	cs := &ChatSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "decode chat settings")
	}
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	if s.Mode != string(widget.ModeHybrid) {
		s.Mode = string(widget.ModeChat)
	}

	errs := make(chan error, 1)
	wd, err := widget.Build(s, widget.BuildOptions{
		SessionID: cs.SessionID,
		Callbacks: widget.Callbacks{
			OnError: func(err error) {
				select {
				case errs <- err:
				default:
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = wd.Close(context.Background()) }()

	if err := ensureConsent(ctx, wd, cs.GrantConsent); err != nil {
		return err
	}
	if err := wd.SendMessage(ctx, strings.Join(cs.Text, " ")); err != nil {
		return err
	}

	// On a terminal the reply is printed as it grows, otherwise once complete.
	live := true
	if f, ok := w.(*os.File); ok && !isTerminal(f) {
		live = false
	}
	printed := 0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := wd.Chat()
		if n := len(st.Messages); n > 0 {
			last := st.Messages[n-1]
			if last.Role == conversation.RoleAssistant && len(last.Content) > printed && (live || !st.IsTyping) {
				_, _ = fmt.Fprint(w, last.Content[printed:])
				printed = len(last.Content)
			}
		}
		if !st.IsTyping {
			_, _ = fmt.Fprintln(w)
			log.Debug().Str("component", "cli").Str("session_id", st.SessionID).Msg("chat reply complete")
			if st.SessionID != "" {
				_, _ = fmt.Fprintf(w, "session: %s\n", st.SessionID)
			}
			break
		}
		select {
		case <-ctx.Done():
			wd.AbortChat()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
