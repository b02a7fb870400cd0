package callstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Policy selects where the resumption record lives.
type Policy string

const (
	// PolicySession keeps the record visible to the current tab only.
	PolicySession Policy = "session"
	// PolicyCookies shares the record across tabs for CookieTTL, pinned to
	// the tab that wrote it.
	PolicyCookies Policy = "cookies"
)

const (
	CookieTTL = time.Hour
	TabIDKey  = "_vapi_tab_id"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySession:
		return PolicySession, nil
	case PolicyCookies, "cookie":
		return PolicyCookies, nil
	default:
		return "", errors.Errorf("callstore: unknown storage type %q", s)
	}
}

type Options struct {
	Key    string
	Policy Policy
	// Session is the tab-local backend. It holds the record under
	// PolicySession and the tab id under both policies.
	Session Backend
	// Shared is the cross-tab backend used under PolicyCookies.
	Shared Backend
	Now    func() time.Time
}

// Store reads and writes the resumption record for one storage key.
type Store struct {
	key     string
	policy  Policy
	session Backend
	shared  Backend
	now     func() time.Time
}

func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Key) == "" {
		return nil, errors.New("callstore: empty storage key")
	}
	if opts.Policy == "" {
		opts.Policy = PolicySession
	}
	if opts.Session == nil {
		return nil, errors.New("callstore: session backend is nil")
	}
	if opts.Policy == PolicyCookies && opts.Shared == nil {
		return nil, errors.New("callstore: cookies policy requires a shared backend")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		key:     opts.Key,
		policy:  opts.Policy,
		session: opts.Session,
		shared:  opts.Shared,
		now:     opts.Now,
	}, nil
}

func (s *Store) Key() string    { return s.key }
func (s *Store) Policy() Policy { return s.policy }

// Save writes data. A record without a web call URL cannot be resumed and is
// skipped.
func (s *Store) Save(ctx context.Context, data StoredCallData) error {
	if strings.TrimSpace(data.WebCallURL) == "" {
		log.Warn().Str("component", "callstore").Str("key", s.key).Msg("no webCallUrl in call, not storing for reconnection")
		return nil
	}
	if data.Timestamp == 0 {
		data.Timestamp = s.now().UnixMilli()
	}

	switch s.policy {
	case PolicyCookies:
		tabID, err := TabID(ctx, s.session)
		if err != nil {
			return err
		}
		data.TabID = tabID
		b, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, "callstore: marshal record")
		}
		return s.shared.Set(ctx, s.key, b, CookieTTL)
	default:
		data.TabID = ""
		b, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, "callstore: marshal record")
		}
		return s.session.Set(ctx, s.key, b, 0)
	}
}

// Load returns the stored record, or nil when there is none usable from this
// tab. Corrupt records are removed.
func (s *Store) Load(ctx context.Context) (*StoredCallData, error) {
	b, ok, err := s.backend().Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok || len(b) == 0 {
		return nil, nil
	}

	var data StoredCallData
	if err := json.Unmarshal(b, &data); err != nil {
		log.Warn().Err(err).Str("component", "callstore").Str("key", s.key).Msg("discarding corrupt call record")
		if derr := s.backend().Delete(ctx, s.key); derr != nil {
			return nil, derr
		}
		return nil, nil
	}

	if s.policy == PolicyCookies {
		tabID, err := TabID(ctx, s.session)
		if err != nil {
			return nil, err
		}
		if data.TabID != tabID {
			log.Warn().Str("component", "callstore").Str("key", s.key).Msg("tab id mismatch, ignoring call record from another tab")
			return nil, nil
		}
	}
	return &data, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.backend().Delete(ctx, s.key)
}

func (s *Store) backend() Backend {
	if s.policy == PolicyCookies {
		return s.shared
	}
	return s.session
}

// TabID returns the identity of the tab owning session, creating it on first
// use.
func TabID(ctx context.Context, session Backend) (string, error) {
	if session == nil {
		return "", errors.New("callstore: session backend is nil")
	}
	b, ok, err := session.Get(ctx, TabIDKey)
	if err != nil {
		return "", err
	}
	if ok && len(b) > 0 {
		return string(b), nil
	}
	id := newTabID(time.Now())
	if err := session.Set(ctx, TabIDKey, []byte(id), 0); err != nil {
		return "", err
	}
	return id, nil
}

func newTabID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("tab_%d_%s", now.UnixMilli(), suffix)
}
