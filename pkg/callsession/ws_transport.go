package callsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultAPIURL = "https://api.vapi.ai"

// APIError is returned when the backend rejects a start request.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call api returned %d: %s", e.StatusCode, e.Body)
}

type WSTransportOptions struct {
	APIURL     string
	PublicKey  string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// WSTransport starts calls over HTTP and carries their control channel over a
// websocket.
type WSTransport struct {
	apiURL     string
	publicKey  string
	httpClient *http.Client
	dialer     *websocket.Dialer

	listenersMu sync.Mutex
	listeners   []listener
	nextID      uint64

	connMu sync.Mutex
	conn   *callConn
}

type listener struct {
	id uint64
	fn func(Event)
}

var _ Transport = &WSTransport{}

func NewWSTransport(opts WSTransportOptions) (*WSTransport, error) {
	if strings.TrimSpace(opts.PublicKey) == "" {
		return nil, errors.New("call transport: public key is required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &WSTransport{
		apiURL:     apiURL,
		publicKey:  opts.PublicKey,
		httpClient: opts.HTTPClient,
		dialer:     opts.Dialer,
	}, nil
}

func (t *WSTransport) Start(ctx context.Context, config map[string]any) (*Call, error) {
	body, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrap(err, "marshal call config")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/call/web", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.publicKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call start request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, errors.Wrap(err, "decode call start response")
	}
	if call.WebCallURL == "" {
		return nil, errors.New("call start response has no webCallUrl")
	}
	if err := t.dial(ctx, call.WebCallURL); err != nil {
		return nil, err
	}
	log.Debug().Str("component", "ws_transport").Str("call_id", call.ID).Msg("call connected")
	return &call, nil
}

func (t *WSTransport) Resume(ctx context.Context, stored *callstore.StoredCallData) error {
	if stored == nil || stored.WebCallURL == "" {
		return errors.New("stored call has no webCallUrl")
	}
	return t.dial(ctx, stored.WebCallURL)
}

// Stop closes the connection. With force the backend is asked to end the call
// first.
func (t *WSTransport) Stop(ctx context.Context, force bool) error {
	t.connMu.Lock()
	c := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if c == nil {
		return nil
	}

	var err error
	if force {
		err = c.writeJSON(map[string]string{"type": "end-call"})
	}
	c.close()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (t *WSTransport) SetMuted(muted bool) error {
	c := t.current()
	if c == nil {
		return errors.New("no active call")
	}
	control := "unmute"
	if muted {
		control = "mute"
	}
	return c.writeJSON(map[string]string{"type": "control", "control": control})
}

// Subscribe registers fn for all events. Listeners run on the read loop
// goroutine in subscription order.
func (t *WSTransport) Subscribe(fn func(Event)) func() {
	t.listenersMu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.listenersMu.Lock()
			defer t.listenersMu.Unlock()
			for i, l := range t.listeners {
				if l.id == id {
					t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *WSTransport) Close() error {
	return t.Stop(context.Background(), false)
}

func (t *WSTransport) current() *callConn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *WSTransport) dial(ctx context.Context, url string) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return errors.New("call already connected")
	}
	ws, resp, err := t.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "dial call")
	}
	c := &callConn{conn: ws, done: make(chan struct{})}
	t.conn = c
	go t.readLoop(c)
	return nil
}

func (t *WSTransport) emit(ev Event) {
	t.listenersMu.Lock()
	ls := make([]listener, len(t.listeners))
	copy(ls, t.listeners)
	t.listenersMu.Unlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

func (t *WSTransport) readLoop(c *callConn) {
	defer close(c.done)

	t.emit(Event{Type: EventCallStart})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			if t.conn == c {
				t.conn = nil
			}
			t.connMu.Unlock()
			_ = c.conn.Close()

			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(Event{Type: EventCallEnd})
				return
			}
			t.emit(Event{Type: EventError, Err: errors.Wrap(err, "call connection")})
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := decodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "ws_transport").Msg("dropping undecodable frame")
			continue
		}
		t.emit(ev)
	}
}

// decodeFrame maps a server frame to an Event. Control frames are named by
// their type; everything else is delivered as a message.
func decodeFrame(data []byte) (Event, error) {
	var head struct {
		Type   string          `json:"type"`
		Volume *float64        `json:"volume"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, errors.Wrap(err, "decode frame")
	}
	switch EventType(head.Type) {
	case EventCallStart, EventCallEnd, EventSpeechStart, EventSpeechEnd:
		return Event{Type: EventType(head.Type)}, nil
	case EventVolumeLevel:
		v := 0.0
		if head.Volume != nil {
			v = *head.Volume
		}
		return Event{Type: EventVolumeLevel, Volume: v}, nil
	case EventError:
		return Event{Type: EventError, Err: errors.Errorf("call error: %s", errorText(head.Error))}, nil
	}
	msg, err := DecodeInboundMessage(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventMessage, Message: msg}, nil
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

type callConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
	done      chan struct{}
}

func (c *callConn) writeJSON(v any) error {
	if c.closing.Load() {
		return errors.New("call connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *callConn) close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
