// Package sse implements the Server-Sent Events framing used by the chat
// stream: "data: <json>" lines terminated by a blank line.
//
// The decoder only deals in payloads. It knows nothing about message kinds.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// DoneSentinel is the literal payload some backends send to mark the end of
// a stream. It is not JSON.
const DoneSentinel = "[DONE]"

// DefaultMaxLineSize bounds a single line.
const DefaultMaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds the decoder's limit.
var ErrLineTooLong = errors.New("sse: line too long")

// PayloadError reports a data payload that is not valid JSON.
type PayloadError struct {
	Payload []byte
}

func (e *PayloadError) Error() string {
	const max = 120
	p := e.Payload
	if len(p) > max {
		p = p[:max]
	}
	return fmt.Sprintf("sse: malformed JSON payload: %q", p)
}

// Decoder reads SSE events from a byte stream. Line splitting and field
// parsing are done by ssestream's text/event-stream decoder; Decoder adds
// the [DONE] sentinel, JSON validation and the line limit on top.
type Decoder struct {
	events ssestream.Decoder
	limit  *lineLimiter
	done   bool
	err    error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	limit := &lineLimiter{r: r, max: DefaultMaxLineSize}
	// The trailing blank line dispatches an event the server left
	// unterminated when it closed the connection.
	body := io.MultiReader(limit, strings.NewReader("\n\n"))
	// No Content-Type, so ssestream always picks its event-stream decoder.
	res := &http.Response{Header: http.Header{}, Body: io.NopCloser(body)}
	return &Decoder{events: ssestream.NewDecoder(res), limit: limit}
}

// SetMaxLineSize changes the line limit. Values <= 0 restore the default.
func (d *Decoder) SetMaxLineSize(n int) {
	if n <= 0 {
		n = DefaultMaxLineSize
	}
	d.limit.max = n
}

// Next returns the next event payload. It returns io.EOF once the stream
// ends cleanly (transport closed or a [DONE] sentinel was read), and a
// *PayloadError or the underlying read error otherwise. Errors are sticky.
func (d *Decoder) Next() (json.RawMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	for d.events.Next() {
		// Each data line is followed by a newline; comments and events
		// without data come through empty.
		payload := bytes.TrimSpace(d.events.Event().Data)
		if len(payload) == 0 {
			continue
		}
		if string(payload) == DoneSentinel {
			d.done = true
			d.err = io.EOF
			return nil, io.EOF
		}
		if !json.Valid(payload) {
			d.err = &PayloadError{Payload: payload}
			return nil, d.err
		}
		return json.RawMessage(payload), nil
	}

	err := d.events.Err()
	switch {
	case err == nil:
		err = io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		err = ErrLineTooLong
	}
	d.err = err
	return nil, err
}

// All returns the remaining payloads as a lazy sequence. Iteration stops
// after the first error; a clean end produces no error element.
func (d *Decoder) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			payload, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(payload, err) || err != nil {
				return
			}
		}
	}
}

// Done reports whether the stream ended with the [DONE] sentinel.
func (d *Decoder) Done() bool {
	return d.done
}

// lineLimiter fails the read once a line grows past max bytes. Bytes
// before the overlong line are still returned.
type lineLimiter struct {
	r   io.Reader
	max int
	run int // bytes since the last newline
	err error
}

func (l *lineLimiter) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	n, err := l.r.Read(p)
	for i, b := range p[:n] {
		if b == '\n' {
			l.run = 0
			continue
		}
		l.run++
		if l.run > l.max {
			l.err = ErrLineTooLong
			return i, nil
		}
	}
	return n, err
}
