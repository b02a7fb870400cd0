package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/parley/pkg/widget"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/tcnksm/go-input"
)

const consentQuery = "\nThis assistant may record and process the conversation. Do you agree? [y/n]"

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ensureConsent records consent when the widget requires it. grant skips the
// question; otherwise the user is asked on an interactive terminal.
func ensureConsent(ctx context.Context, wd *widget.Widget, grant bool) error {
	gate := wd.Consent()
	if gate == nil {
		return nil
	}
	ok, err := gate.Granted(ctx)
	if err != nil || ok {
		return err
	}
	if !grant {
		if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
			return errors.Wrap(widget.ErrConsentRequired, "pass --grant-consent when not running interactively")
		}
		if grant, err = askConsent(os.Stdout, os.Stdin); err != nil {
			return err
		}
		if !grant {
			return widget.ErrConsentRequired
		}
	}
	return gate.Grant(ctx)
}

func askConsent(w io.Writer, r io.Reader) (bool, error) {
	ui := &input.UI{Writer: w, Reader: r}
	answer, err := ui.Ask(consentQuery, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "ask for consent")
	}
	return answer == "y" || answer == "Y", nil
}
