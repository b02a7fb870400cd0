package chatsession

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseReader splits a text/event-stream body into (event, data) frames.
// A "[DONE]" payload ends the stream like EOF does.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

func (s *sseReader) next() (string, []byte, error) {
	var (
		event string
		data  bytes.Buffer
	)
	flush := func() (string, []byte, error) {
		payload := data.Bytes()
		if strings.TrimSpace(string(payload)) == "[DONE]" {
			return "", nil, io.EOF
		}
		return event, payload, nil
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				return flush()
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return "", nil, io.EOF
			}
			return flush()
		}
	}
}
