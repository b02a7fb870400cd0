package callsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeCallServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	auth     string
	config   map[string]any
	received []map[string]string
	conns    []*websocket.Conn
	frames   []string
}

func newFakeCallServer(t *testing.T, frames ...string) *fakeCallServer {
	f := &fakeCallServer{t: t, frames: frames}
	mux := http.NewServeMux()
	mux.HandleFunc("/call/web", f.handleStart)
	mux.HandleFunc("/ws", f.handleWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCallServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeCallServer) handleStart(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	_ = json.NewDecoder(r.Body).Decode(&f.config)
	f.mu.Unlock()
	if f.config["assistantId"] == "reject" {
		http.Error(w, "unknown assistant", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":           "call-42",
		"webCallUrl":   f.wsURL(),
		"artifactPlan": map[string]any{"videoRecordingEnabled": true},
		"assistant":    map[string]any{"name": "Riley"},
	})
}

func (f *fakeCallServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for _, frame := range f.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]string
		if json.Unmarshal(data, &m) == nil {
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
		}
	}
}

func (f *fakeCallServer) receivedMessages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.received...)
}

func (f *fakeCallServer) closeClients(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		_ = c.Close()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestWSTransport_StartStreamsEvents(t *testing.T) {
	srv := newFakeCallServer(t,
		`{"type":"speech-start"}`,
		`{"type":"volume-level","volume":0.5}`,
		`{"type":"transcript","role":"assistant","transcriptType":"final","transcript":"Hi there"}`,
		`{"type":"speech-end"}`,
	)
	tr, err := NewWSTransport(WSTransportOptions{APIURL: srv.srv.URL + "/", PublicKey: "pk-1"})
	require.NoError(t, err)

	log := &eventLog{}
	unsubscribe := tr.Subscribe(log.add)
	defer unsubscribe()

	call, err := tr.Start(context.Background(), map[string]any{"assistantId": "A1"})
	require.NoError(t, err)
	require.Equal(t, "call-42", call.ID)
	require.NotNil(t, call.ArtifactPlan)
	require.True(t, call.ArtifactPlan.VideoRecordingEnabled)
	require.JSONEq(t, `{"name":"Riley"}`, string(call.Assistant))

	srv.mu.Lock()
	require.Equal(t, "Bearer pk-1", srv.auth)
	require.Equal(t, "A1", srv.config["assistantId"])
	srv.mu.Unlock()

	require.Eventually(t, func() bool { return len(log.types()) == 5 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []EventType{EventCallStart, EventSpeechStart, EventVolumeLevel, EventMessage, EventSpeechEnd}, log.types())
	events := log.snapshot()
	require.Equal(t, 0.5, events[2].Volume)
	role, ok := events[3].Message.FinalTranscript()
	require.True(t, ok)
	require.Equal(t, "assistant", string(role))
	require.Equal(t, "Hi there", events[3].Message.Transcript)
	require.Equal(t, "transcript", events[3].Message.Raw["type"])

	require.NoError(t, tr.SetMuted(true))
	require.NoError(t, tr.SetMuted(false))
	require.NoError(t, tr.Stop(context.Background(), true))

	require.Eventually(t, func() bool { return len(srv.receivedMessages()) == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []map[string]string{
		{"type": "control", "control": "mute"},
		{"type": "control", "control": "unmute"},
		{"type": "end-call"},
	}, srv.receivedMessages())

	require.Eventually(t, func() bool {
		ts := log.types()
		return ts[len(ts)-1] == EventCallEnd
	}, 2*time.Second, 10*time.Millisecond)
	require.Error(t, tr.SetMuted(true))
}

func TestWSTransport_StartRejected(t *testing.T) {
	srv := newFakeCallServer(t)
	tr, err := NewWSTransport(WSTransportOptions{APIURL: srv.srv.URL, PublicKey: "pk"})
	require.NoError(t, err)

	_, err = tr.Start(context.Background(), map[string]any{"assistantId": "reject"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "unknown assistant")
}

func TestWSTransport_ResumeAndRemoteClose(t *testing.T) {
	srv := newFakeCallServer(t)
	tr, err := NewWSTransport(WSTransportOptions{APIURL: srv.srv.URL, PublicKey: "pk"})
	require.NoError(t, err)
	log := &eventLog{}
	tr.Subscribe(log.add)

	require.NoError(t, tr.Resume(context.Background(), &callstore.StoredCallData{WebCallURL: srv.wsURL(), ID: "call-42"}))
	require.Eventually(t, func() bool { return len(log.types()) == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.closeClients(websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return len(log.types()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []EventType{EventCallStart, EventCallEnd}, log.types())

	require.Error(t, tr.Resume(context.Background(), &callstore.StoredCallData{}))
}

func TestWSTransport_DrivesManager(t *testing.T) {
	srv := newFakeCallServer(t,
		`{"type":"transcript","role":"user","transcriptType":"final","transcript":"book a table"}`,
	)
	tr, err := NewWSTransport(WSTransportOptions{APIURL: srv.srv.URL, PublicKey: "pk"})
	require.NoError(t, err)

	store, err := callstore.NewStore(callstore.Options{Key: "k", Session: callstore.NewMemoryBackend()})
	require.NoError(t, err)
	m := NewManager(Options{Transport: tr, Config: map[string]any{"assistantId": "A1"}, Enabled: true, Store: store})
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))
	require.NoError(t, m.StartCall(ctx))

	require.Eventually(t, func() bool { return len(m.Transcript()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "book a table", m.Transcript()[0].Content)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, srv.wsURL(), stored.WebCallURL)

	require.NoError(t, m.Close(ctx))
	require.False(t, m.State().IsActive)
}

func TestDecodeFrame(t *testing.T) {
	ev, err := decodeFrame([]byte(`{"type":"error","error":{"message":"ejected"}}`))
	require.NoError(t, err)
	require.Equal(t, EventError, ev.Type)
	require.ErrorContains(t, ev.Err, "ejected")

	ev, err = decodeFrame([]byte(`{"type":"error","error":"meeting ended"}`))
	require.NoError(t, err)
	require.ErrorContains(t, ev.Err, "meeting ended")

	ev, err = decodeFrame([]byte(`{"type":"status-update","status":"in-progress"}`))
	require.NoError(t, err)
	require.Equal(t, EventMessage, ev.Type)
	require.Equal(t, "in-progress", ev.Message.Raw["status"])

	_, err = decodeFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestNewWSTransport_RequiresKey(t *testing.T) {
	_, err := NewWSTransport(WSTransportOptions{})
	require.Error(t, err)

	tr, err := NewWSTransport(WSTransportOptions{PublicKey: "pk"})
	require.NoError(t, err)
	require.Equal(t, DefaultAPIURL, tr.apiURL)
}
