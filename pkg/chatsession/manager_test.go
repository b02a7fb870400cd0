package chatsession

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/parley/pkg/assistant"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/stretchr/testify/require"
)

// pipeStreamer hands out streams whose bodies the test writes to directly.
type pipeStreamer struct {
	mu      sync.Mutex
	reqs    []Request
	ctxs    []context.Context
	writers []*io.PipeWriter
	err     error
}

func (p *pipeStreamer) Stream(ctx context.Context, req Request) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	p.ctxs = append(p.ctxs, ctx)
	if p.err != nil {
		return nil, p.err
	}
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	p.writers = append(p.writers, pw)
	return NewStream(pr), nil
}

func (p *pipeStreamer) writer(i int) *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[i]
}

func (p *pipeStreamer) contexts() []context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]context.Context(nil), p.ctxs...)
}

func (p *pipeStreamer) requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.reqs...)
}

func sendFrame(t *testing.T, w *io.PipeWriter, payload string) {
	t.Helper()
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	require.NoError(t, err)
}

type chatRecorder struct {
	mu       sync.Mutex
	messages []conversation.Message
	errs     []error
}

func (r *chatRecorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(m conversation.Message) { r.mu.Lock(); r.messages = append(r.messages, m); r.mu.Unlock() },
		OnError:   func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
	}
}

func (r *chatRecorder) snapshot() ([]conversation.Message, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Message(nil), r.messages...), append([]error(nil), r.errs...)
}

func newTestManager(s Streamer, rec *chatRecorder) *Manager {
	return NewManager(Options{
		Client:    s,
		Enabled:   true,
		PublicKey: "pk",
		Assistant: assistant.Ref{ID: "A1"},
		Callbacks: rec.callbacks(),
	})
}

func TestSendMessage_StreamsIntoPlaceholder(t *testing.T) {
	ps := &pipeStreamer{}
	rec := &chatRecorder{}
	m := newTestManager(ps, rec)

	require.NoError(t, m.SendMessage(context.Background(), "  hello "))

	st := m.State()
	require.Len(t, st.Messages, 2)
	require.Equal(t, conversation.RoleUser, st.Messages[0].Role)
	require.Equal(t, "hello", st.Messages[0].Content)
	require.Equal(t, conversation.RoleAssistant, st.Messages[1].Role)
	require.Equal(t, "", st.Messages[1].Content)
	require.True(t, st.IsTyping)
	require.False(t, st.IsLoading)

	reqs := ps.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "hello", reqs[0].Input)
	require.Equal(t, "A1", reqs[0].AssistantID)
	require.Empty(t, reqs[0].SessionID)
	require.True(t, reqs[0].Stream)

	w := ps.writer(0)
	sendFrame(t, w, `{"sessionId":"sess-1","delta":"He"}`)
	require.Eventually(t, func() bool {
		msgs := m.Messages()
		return len(msgs) == 2 && msgs[1].Content == "He"
	}, time.Second, 5*time.Millisecond)
	sendFrame(t, w, `{"sessionId":"sess-1","delta":"llo!"}`)
	sendFrame(t, w, `[DONE]`)
	require.NoError(t, w.Close())
	m.Wait()

	st = m.State()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "Hello!", st.Messages[1].Content)
	require.False(t, st.IsTyping)
	require.Equal(t, "sess-1", st.SessionID)

	msgs, errs := rec.snapshot()
	require.Empty(t, errs)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "Hello!", msgs[1].Content)
	require.Equal(t, st.Messages[1].ID, msgs[1].ID)

	// the session id is echoed on the next turn
	require.NoError(t, m.SendMessage(context.Background(), "again"))
	require.Equal(t, "sess-1", ps.requests()[1].SessionID)
	m.Abort()
}

func TestSendMessage_RejectsBadInput(t *testing.T) {
	ps := &pipeStreamer{}
	rec := &chatRecorder{}
	m := newTestManager(ps, rec)

	require.ErrorIs(t, m.SendMessage(context.Background(), "   \n\t"), ErrEmptyInput)
	require.ErrorIs(t, m.SendMessage(context.Background(), ""), ErrEmptyInput)
	require.Empty(t, m.Messages())
	require.Empty(t, ps.requests())

	disabled := NewManager(Options{Client: ps, PublicKey: "pk", Assistant: assistant.Ref{ID: "A1"}})
	require.ErrorIs(t, disabled.SendMessage(context.Background(), "hi"), ErrDisabled)

	noAssistant := NewManager(Options{Client: ps, Enabled: true, PublicKey: "pk", Callbacks: rec.callbacks()})
	require.ErrorIs(t, noAssistant.SendMessage(context.Background(), "hi"), ErrMissingConfig)
	_, errs := rec.snapshot()
	require.Len(t, errs, 1)

	inline := NewManager(Options{Client: ps, Enabled: true, PublicKey: "pk", Assistant: assistant.Ref{Assistant: map[string]any{"name": "x"}}})
	require.ErrorIs(t, inline.SendMessage(context.Background(), "hi"), ErrMissingConfig)

	noKey := NewManager(Options{Client: ps, Enabled: true, Assistant: assistant.Ref{ID: "A1"}})
	require.ErrorIs(t, noKey.SendMessage(context.Background(), "hi"), ErrMissingConfig)

	noClient := NewManager(Options{Enabled: true, PublicKey: "pk", Assistant: assistant.Ref{ID: "A1"}})
	require.ErrorIs(t, noClient.SendMessage(context.Background(), "hi"), ErrNoClient)

	require.Empty(t, ps.requests())
}

func TestSendMessage_OpenFailureRemovesPlaceholder(t *testing.T) {
	ps := &pipeStreamer{err: &APIError{StatusCode: 500, Body: "down"}}
	rec := &chatRecorder{}
	m := newTestManager(ps, rec)

	err := m.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	st := m.State()
	require.Len(t, st.Messages, 1)
	require.Equal(t, conversation.RoleUser, st.Messages[0].Role)
	require.False(t, st.IsTyping)
	require.False(t, st.IsLoading)

	_, errs := rec.snapshot()
	require.Len(t, errs, 1)
}

func TestSendMessage_NewSendAbortsPrevious(t *testing.T) {
	ps := &pipeStreamer{}
	m := newTestManager(ps, &chatRecorder{})
	ctx := context.Background()

	require.NoError(t, m.SendMessage(ctx, "one"))
	first := ps.writer(0)
	sendFrame(t, first, `{"delta":"partial"}`)
	require.Eventually(t, func() bool { return m.Messages()[1].Content == "partial" }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendMessage(ctx, "two"))

	// chunks of the aborted stream are never applied
	_, _ = fmt.Fprintf(first, "data: %s\n\n", `{"delta":" late"}`)

	second := ps.writer(1)
	sendFrame(t, second, `{"delta":"fresh"}`)
	require.NoError(t, second.Close())
	m.Wait()

	msgs := m.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "one", msgs[0].Content)
	require.Equal(t, "partial", msgs[1].Content)
	require.Equal(t, "two", msgs[2].Content)
	require.Equal(t, "fresh", msgs[3].Content)
	require.False(t, m.State().IsTyping)
}

func TestSendMessage_ConcurrentSendsCancelEveryStream(t *testing.T) {
	ps := &pipeStreamer{}
	m := newTestManager(ps, &chatRecorder{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.SendMessage(context.Background(), fmt.Sprintf("msg %d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	m.Abort()
	m.Wait()

	ctxs := ps.contexts()
	require.Len(t, ctxs, 8)
	for i, ctx := range ctxs {
		require.Error(t, ctx.Err(), "stream %d was left open", i)
	}
	require.False(t, m.State().IsTyping)
}

func TestValidate_LeavesStateAlone(t *testing.T) {
	ps := &pipeStreamer{}
	m := NewManager(Options{Client: ps, Enabled: true, Assistant: assistant.Ref{ID: "A1"}})
	require.ErrorIs(t, m.Validate(), ErrMissingConfig)
	require.Empty(t, m.Messages())
	require.Empty(t, ps.requests())

	require.ErrorIs(t, NewManager(Options{Client: ps, PublicKey: "pk", Assistant: assistant.Ref{ID: "A1"}}).Validate(), ErrDisabled)
	require.ErrorIs(t, NewManager(Options{Enabled: true, PublicKey: "pk", Assistant: assistant.Ref{ID: "A1"}}).Validate(), ErrNoClient)
	require.NoError(t, newTestManager(ps, &chatRecorder{}).Validate())
}

func TestSendMessage_AbortDropsEmptyPlaceholder(t *testing.T) {
	ps := &pipeStreamer{}
	m := newTestManager(ps, &chatRecorder{})
	require.NoError(t, m.SendMessage(context.Background(), "one"))
	m.Abort()
	m.Abort()

	st := m.State()
	require.Len(t, st.Messages, 1)
	require.False(t, st.IsTyping)
	m.Wait()
}

func TestSendMessage_StreamErrorKeepsPartial(t *testing.T) {
	ps := &pipeStreamer{}
	rec := &chatRecorder{}
	m := newTestManager(ps, rec)
	require.NoError(t, m.SendMessage(context.Background(), "hi"))

	w := ps.writer(0)
	sendFrame(t, w, `{"content":"Par"}`)
	_, err := fmt.Fprint(w, "event: error\ndata: {\"message\":\"overloaded\"}\n\n")
	require.NoError(t, err)
	m.Wait()

	st := m.State()
	require.False(t, st.IsTyping)
	require.Len(t, st.Messages, 2)
	require.Equal(t, "Par", st.Messages[1].Content)

	msgs, errs := rec.snapshot()
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "overloaded")
	// only the user message was announced
	require.Len(t, msgs, 1)
}

func TestClearMessages_ResetsSession(t *testing.T) {
	ps := &pipeStreamer{}
	m := newTestManager(ps, &chatRecorder{})
	ctx := context.Background()

	require.NoError(t, m.SendMessage(ctx, "hi"))
	w := ps.writer(0)
	sendFrame(t, w, `{"sessionId":"s-9","delta":"yo"}`)
	require.Eventually(t, func() bool { return m.State().SessionID == "s-9" }, time.Second, 5*time.Millisecond)

	m.ClearMessages()
	st := m.State()
	require.Empty(t, st.Messages)
	require.Empty(t, st.SessionID)
	require.False(t, st.IsTyping)
	require.False(t, st.IsLoading)
	m.Wait()

	require.NoError(t, m.SendMessage(ctx, "fresh start"))
	require.Empty(t, ps.requests()[1].SessionID)
	m.ClearMessages()
}

func TestUserMessageCountMatchesSends(t *testing.T) {
	ps := &pipeStreamer{}
	m := newTestManager(ps, &chatRecorder{})
	ctx := context.Background()

	inputs := []string{"a", " ", "b", "", "\t", "c"}
	sent := 0
	for _, in := range inputs {
		if err := m.SendMessage(ctx, in); err == nil {
			sent++
		}
	}
	m.Abort()

	users := 0
	for _, msg := range m.Messages() {
		if msg.Role == conversation.RoleUser {
			users++
		}
	}
	require.Equal(t, 3, sent)
	require.Equal(t, sent, users)
	require.Len(t, ps.requests(), 3)
}

func TestAbortFuncIsIdempotent(t *testing.T) {
	calls := 0
	abort := newAbortFunc(func() { calls++ })
	abort()
	abort()
	require.Equal(t, 1, calls)
}

func TestCallbackPanicIsReported(t *testing.T) {
	ps := &pipeStreamer{}
	var errs []error
	m := NewManager(Options{
		Client:    ps,
		Enabled:   true,
		PublicKey: "pk",
		Assistant: assistant.Ref{ID: "A1"},
		Callbacks: Callbacks{
			OnMessage: func(conversation.Message) { panic("boom") },
			OnError:   func(err error) { errs = append(errs, err) },
		},
	})
	require.NotPanics(t, func() { require.NoError(t, m.SendMessage(context.Background(), "hi")) })
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "boom")
	m.Abort()
}
