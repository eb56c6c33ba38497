package sse

import (
	"bytes"
	"io"
	"net/http"
)

// Encoder writes SSE frames. When the underlying writer is an http.Flusher
// every frame is flushed immediately.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes payload as one event. Payloads containing newlines are
// split across several data lines, which the decoder joins back.
func (e *Encoder) Encode(payload []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(buf.Bytes())
}

// Comment writes a comment line, typically used as a keep-alive.
func (e *Encoder) Comment(text string) error {
	return e.write([]byte(": " + text + "\n\n"))
}

// Done writes the [DONE] sentinel.
func (e *Encoder) Done() error {
	return e.write([]byte("data: " + DoneSentinel + "\n\n"))
}

func (e *Encoder) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
