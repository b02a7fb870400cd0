package widget

import (
	"net/http"
	"strings"

	"github.com/go-go-golems/parley/pkg/callsession"
	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/go-go-golems/parley/pkg/chatsession"
	"github.com/go-go-golems/parley/pkg/config"
	"github.com/go-go-golems/parley/pkg/hostevents"
	"github.com/go-go-golems/parley/pkg/redisstream"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "parley:"

// BuildOptions carries what a config file cannot: host callbacks, network
// clients and overrides for the backends.
type BuildOptions struct {
	Callbacks  Callbacks
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// Session replaces the backend selected by session-store.
	Session callstore.Backend
	// Shared replaces the backend selected by store-backend.
	Shared callstore.Backend
	// Sink replaces the sink selected by the events settings.
	Sink hostevents.Sink
	// SessionID resumes a chat conversation.
	SessionID string
}

// Build validates s and wires a widget with its transports, the resumption
// store, the consent gate and the host event sink.
func Build(s *config.WidgetSettings, opts BuildOptions) (*Widget, error) {
	if s == nil {
		return nil, errors.New("widget: settings are nil")
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "widget config")
	}
	mode, err := ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := s.Policy()
	if err != nil {
		return nil, err
	}
	ref := s.AssistantRef()

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	session := opts.Session
	if session == nil {
		var closer func() error
		session, closer, err = OpenSessionBackend(s.SessionStore)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	shared := opts.Shared
	if shared == nil {
		var closer func() error
		shared, closer, err = OpenSharedBackend(s.StoreBackend, s.StoreDSN)
		if err != nil {
			cleanup()
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	wopts := Options{Mode: mode, Callbacks: opts.Callbacks, Sink: opts.Sink}

	if mode.VoiceEnabled() {
		transport, err := callsession.NewWSTransport(callsession.WSTransportOptions{
			APIURL:     s.APIURL,
			PublicKey:  s.PublicKey,
			HTTPClient: opts.HTTPClient,
			Dialer:     opts.Dialer,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, transport.Close)

		cfg, err := ref.CallConfig()
		if err != nil {
			cleanup()
			return nil, err
		}
		store, err := callstore.NewStore(callstore.Options{
			Key:     s.StorageKey(),
			Policy:  policy,
			Session: session,
			Shared:  shared,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		wopts.Call = callsession.Options{
			Transport:         transport,
			Config:            cfg,
			Store:             store,
			AutoDeleteOnLeave: s.AutoDeleteOnLeave,
		}
	}

	if mode.ChatEnabled() {
		client, err := chatsession.NewClient(chatsession.ClientOptions{
			APIURL:     s.APIURL,
			PublicKey:  s.PublicKey,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		wopts.Chat = chatsession.Options{
			Client:    client,
			PublicKey: s.PublicKey,
			Assistant: ref,
			SessionID: opts.SessionID,
		}
	}

	if s.RequireConsent {
		gate, err := NewConsentGate(shared, s.ConsentKey)
		if err != nil {
			cleanup()
			return nil, err
		}
		wopts.Consent = gate
	}

	if wopts.Sink == nil && s.Events.Enabled {
		ps, err := redisstream.Build(s.Events)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, "host event transport")
		}
		closers = append(closers, ps.Close)
		sink, err := hostevents.NewWatermillSink(ps.Publisher, s.Events.Topic)
		if err != nil {
			cleanup()
			return nil, err
		}
		wopts.Sink = sink
	}

	w, err := New(wopts)
	if err != nil {
		cleanup()
		return nil, err
	}
	w.closers = closers
	log.Info().Str("component", "widget").Str("mode", string(mode)).Str("store", s.StoreBackend).Str("policy", string(policy)).Msg("widget built")
	return w, nil
}

// OpenSessionBackend opens the backend behind the session policy and the
// tab id. A file path makes it outlive the process, so a later widget on the
// same file acts as the same tab.
func OpenSessionBackend(path string) (callstore.Backend, func() error, error) {
	switch p := strings.TrimSpace(path); p {
	case "", "memory":
		return callstore.NewMemoryBackend(), nil, nil
	default:
		b, closer, err := OpenSharedBackend("sqlite", p)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open session store")
		}
		return b, closer, nil
	}
}

// OpenSharedBackend opens the cross-tab backend named by store-backend. The
// returned closer is nil when there is nothing to release.
func OpenSharedBackend(kind, dsn string) (callstore.Backend, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return callstore.NewMemoryBackend(), nil, nil
	case "sqlite":
		fileDSN := dsn
		if !strings.HasPrefix(dsn, "file:") {
			var err error
			if fileDSN, err = callstore.SQLiteDSNForFile(dsn); err != nil {
				return nil, nil, err
			}
		}
		b, err := callstore.NewSQLiteBackend(fileDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open sqlite call store")
		}
		return b, b.Close, nil
	case "redis":
		b, err := callstore.NewRedisBackendFromAddr(dsn, redisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown store backend %q", kind)
	}
}
