package chatsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultAPIURL = "https://api.vapi.ai"

// Request is the body of a chat turn.
type Request struct {
	Input              string         `json:"input"`
	AssistantID        string         `json:"assistantId"`
	AssistantOverrides map[string]any `json:"assistantOverrides,omitempty"`
	SessionID          string         `json:"sessionId,omitempty"`
	Stream             bool           `json:"stream"`
}

// Chunk is one decoded stream frame.
type Chunk struct {
	SessionID string
	Raw       map[string]any
}

// APIError is returned when the chat endpoint answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api returned %d: %s", e.StatusCode, e.Body)
}

// Streamer opens a streamed chat turn.
type Streamer interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

type ClientOptions struct {
	APIURL     string
	PublicKey  string
	HTTPClient *http.Client
}

type Client struct {
	apiURL     string
	publicKey  string
	httpClient *http.Client
}

var _ Streamer = &Client{}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.PublicKey) == "" {
		return nil, errors.New("chat client: public key is required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if opts.HTTPClient == nil {
		// no client timeout, streams are bounded by the request context
		opts.HTTPClient = &http.Client{}
	}
	return &Client{apiURL: apiURL, publicKey: opts.PublicKey, httpClient: opts.HTTPClient}, nil
}

func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/web", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.publicKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "chat request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	return NewStream(resp.Body), nil
}

// Stream yields chunks until io.EOF.
type Stream struct {
	sse       *sseReader
	body      io.Closer
	closeOnce sync.Once
}

func NewStream(body io.ReadCloser) *Stream {
	return &Stream{sse: newSSEReader(body), body: body}
}

// Next returns the next chunk, or io.EOF once the stream completed.
func (s *Stream) Next() (Chunk, error) {
	for {
		event, data, err := s.sse.next()
		if err != nil {
			return Chunk{}, err
		}
		if event == "error" {
			return Chunk{}, errors.Errorf("chat stream error: %s", strings.TrimSpace(string(data)))
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Debug().Err(err).Str("component", "chat_client").Msg("skipping non-json frame")
			continue
		}
		chunk := Chunk{Raw: raw}
		if sid, ok := raw["sessionId"].(string); ok {
			chunk.SessionID = sid
		}
		return chunk, nil
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
