package widget

import (
	"context"
	"strings"

	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/pkg/errors"
)

var ErrConsentRequired = errors.New("consent has not been given")

const consentGranted = "true"

// ConsentGate records whether the user accepted the terms before the widget
// may open a session. The flag lives in a persistent backend so it survives
// reloads.
type ConsentGate struct {
	backend callstore.Backend
	key     string
}

func NewConsentGate(backend callstore.Backend, key string) (*ConsentGate, error) {
	if backend == nil {
		return nil, errors.New("consent: backend is nil")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("consent: empty key")
	}
	return &ConsentGate{backend: backend, key: key}, nil
}

func (g *ConsentGate) Granted(ctx context.Context) (bool, error) {
	b, ok, err := g.backend.Get(ctx, g.key)
	if err != nil {
		return false, errors.Wrap(err, "read consent")
	}
	return ok && string(b) == consentGranted, nil
}

func (g *ConsentGate) Grant(ctx context.Context) error {
	return errors.Wrap(g.backend.Set(ctx, g.key, []byte(consentGranted), 0), "record consent")
}

func (g *ConsentGate) Revoke(ctx context.Context) error {
	return errors.Wrap(g.backend.Delete(ctx, g.key), "revoke consent")
}
