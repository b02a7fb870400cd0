package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/parley/pkg/callsession"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/widget"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type CallCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*CallCommand)(nil)

type CallSettings struct {
	Force        bool `glazed:"force"`
	GrantConsent bool `glazed:"grant-consent"`
}

func NewCallCommand() (*CallCommand, error) {
	sections, err := widgetSections()
	if err != nil {
		return nil, err
	}
	return &CallCommand{
		CommandDescription: cmds.NewCommandDescription(
			"call",
			cmds.WithShort("Start or resume a call and print its transcript until interrupted"),
			cmds.WithFlags(
				fields.New("force", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("End the call on the backend when exiting instead of keeping it resumable")),
				fields.New("grant-consent", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Record consent without asking")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *CallCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	cs := &CallSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "decode call settings")
	}
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	if s.Mode == string(widget.ModeChat) {
		return errors.New("call needs mode voice or hybrid")
	}
	if s.SessionStore == "" {
		if s.SessionStore, err = defaultSessionStore(); err != nil {
			return err
		}
	}
	log.Debug().Str("component", "cli").Str("session_store", s.SessionStore).Msg("using session store")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		outMu     sync.Mutex
		endedOnce sync.Once
	)
	ended := make(chan struct{})
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = fmt.Fprintf(w, format, args...)
	}

	wd, err := widget.Build(s, widget.BuildOptions{
		Callbacks: widget.Callbacks{
			OnCallStart: func() { printf("call started\n") },
			OnCallEnd: func() {
				printf("call ended\n")
				endedOnce.Do(func() { close(ended) })
			},
			OnTranscript: func(msg conversation.Message) { printf("%s: %s\n", msg.Role, msg.Content) },
			OnError:      func(err error) { printf("error: %v\n", err) },
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = wd.Close(context.Background()) }()

	if err := ensureConsent(ctx, wd, cs.GrantConsent); err != nil {
		return err
	}

	if err := wd.Mount(ctx); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("could not resume stored call")
	}
	if !wd.Voice().IsActive {
		if err := wd.StartCall(ctx); err != nil {
			return err
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		select {
		case <-gctx.Done():
		case <-ended:
		}
		return nil
	})
	eg.Go(func() error {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		speaking := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ended:
				return nil
			case <-ticker.C:
			}
			if v := wd.Voice(); v.IsSpeaking != speaking {
				speaking = v.IsSpeaking
				if speaking {
					printf("[assistant speaking, volume %.2f]\n", v.VolumeLevel)
				}
			}
		}
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	if wd.Voice().Status != callsession.StatusDisconnected {
		return wd.EndCall(context.Background(), callsession.EndOptions{Force: cs.Force})
	}
	return nil
}
