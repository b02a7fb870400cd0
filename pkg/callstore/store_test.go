package callstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecord() StoredCallData {
	return StoredCallData{
		WebCallURL:   "wss://calls.example/room/1",
		ID:           "call-1",
		ArtifactPlan: &ArtifactPlan{VideoRecordingEnabled: true},
		Assistant:    json.RawMessage(`{"voice":{"provider":"11labs"}}`),
		CallOptions:  json.RawMessage(`{"assistantId":"A1"}`),
		Timestamp:    1700000000000,
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(Options{Key: "k", Session: NewMemoryBackend()})
	require.NoError(t, err)
	require.Equal(t, PolicySession, s.Policy())

	rec := sampleRecord()
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, EqualOptions(rec, *got))
	require.Empty(t, got.TabID)

	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_SkipsRecordWithoutURL(t *testing.T) {
	ctx := context.Background()
	session := NewMemoryBackend()
	s, err := NewStore(Options{Key: "k", Session: session})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, StoredCallData{ID: "x"}))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_CorruptRecordIsRemoved(t *testing.T) {
	ctx := context.Background()
	session := NewMemoryBackend()
	require.NoError(t, session.Set(ctx, "k", []byte("{not json"), 0))

	s, err := NewStore(Options{Key: "k", Session: session})
	require.NoError(t, err)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	_, ok, err := session.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_CookiesTabAffinity(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryBackend()
	tabA, err := NewStore(Options{Key: "k", Policy: PolicyCookies, Session: NewMemoryBackend(), Shared: shared})
	require.NoError(t, err)
	tabB, err := NewStore(Options{Key: "k", Policy: PolicyCookies, Session: NewMemoryBackend(), Shared: shared})
	require.NoError(t, err)

	require.NoError(t, tabA.Save(ctx, sampleRecord()))

	got, err := tabA.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, strings.HasPrefix(got.TabID, "tab_"))

	fromB, err := tabB.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, fromB)

	// the record still belongs to tab A
	_, ok, err := shared.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_CookiesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	shared := NewMemoryBackendWithClock(clock)
	s, err := NewStore(Options{Key: "k", Policy: PolicyCookies, Session: NewMemoryBackend(), Shared: shared, Now: clock})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleRecord()))
	now = now.Add(CookieTTL - time.Second)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(2 * time.Second)
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Options{Session: NewMemoryBackend()})
	require.ErrorContains(t, err, "empty storage key")

	_, err = NewStore(Options{Key: "k"})
	require.ErrorContains(t, err, "session backend is nil")

	_, err = NewStore(Options{Key: "k", Policy: PolicyCookies, Session: NewMemoryBackend()})
	require.ErrorContains(t, err, "shared backend")
}

func TestTabID_StableWithinSession(t *testing.T) {
	ctx := context.Background()
	session := NewMemoryBackend()
	a, err := TabID(ctx, session)
	require.NoError(t, err)
	b, err := TabID(ctx, session)
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, err := TabID(ctx, NewMemoryBackend())
	require.NoError(t, err)
	require.NotEqual(t, a, other)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicySession, p)
	p, err = ParsePolicy("Cookies")
	require.NoError(t, err)
	require.Equal(t, PolicyCookies, p)
	_, err = ParsePolicy("local")
	require.Error(t, err)
}

func TestEqualOptions(t *testing.T) {
	require.True(t, EqualOptions(nil, nil))
	require.True(t, EqualOptions(map[string]any(nil), nil))
	require.False(t, EqualOptions(map[string]any{"a": 1}, nil))

	a := map[string]any{"assistantId": "A1", "overrides": map[string]any{"x": 1, "y": []any{"a", "b"}}}
	b := json.RawMessage(`{"overrides":{"y":["a","b"],"x":1},"assistantId":"A1"}`)
	require.True(t, EqualOptions(a, b))

	c := map[string]any{"assistantId": "A2"}
	require.False(t, EqualOptions(a, c))

	fn := map[string]any{"cb": func() {}}
	require.False(t, EqualOptions(fn, fn))
}

func TestSQLiteBackend_SetGetExpire(t *testing.T) {
	dir := t.TempDir()
	dsn, err := SQLiteDSNForFile(filepath.Join(dir, "calls.db"))
	require.NoError(t, err)

	b, err := NewSQLiteBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	now := time.Unix(5000, 0)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, b.Set(ctx, "k", []byte("v2"), time.Minute))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))

	now = now.Add(time.Minute)
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Set(ctx, "forever", []byte("x"), 0))
	now = now.Add(24 * time.Hour)
	_, ok, err = b.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Delete(ctx, "forever"))
	_, ok, err = b.Get(ctx, "forever")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteBackend_SharedAcrossStores(t *testing.T) {
	dir := t.TempDir()
	dsn, err := SQLiteDSNForFile(filepath.Join(dir, "calls.db"))
	require.NoError(t, err)

	first, err := NewSQLiteBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := NewSQLiteBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	session := NewMemoryBackend()
	writer, err := NewStore(Options{Key: "k", Policy: PolicyCookies, Session: session, Shared: first})
	require.NoError(t, err)
	sameTab, err := NewStore(Options{Key: "k", Policy: PolicyCookies, Session: session, Shared: second})
	require.NoError(t, err)

	require.NoError(t, writer.Save(ctx, sampleRecord()))
	got, err := sameTab.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "call-1", got.ID)
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	addr := os.Getenv("PARLEY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PARLEY_TEST_REDIS_ADDR not set")
	}
	b, err := NewRedisBackendFromAddr(addr, "parley-test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRedisBackend_Validation(t *testing.T) {
	_, err := NewRedisBackend(nil, "")
	require.Error(t, err)
	_, err = NewRedisBackendFromAddr("", "")
	require.Error(t, err)
}
