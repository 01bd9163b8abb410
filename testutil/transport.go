package testutil

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("recording transport closed")

// Frame is a decoded outbound envelope.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeData unmarshals the frame payload into v.
func (f Frame) DecodeData(v any) error {
	return json.Unmarshal(f.Data, v)
}

// RecordingTransport captures every frame sent to it. It is safe for
// concurrent use.
type RecordingTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	closed     bool
	closeCount int
	sendErr    error
}

// NewRecordingTransport creates an open transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// Send records frame, or fails if the transport is closed or FailSends was
// called.
func (t *RecordingTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

// Close marks the transport closed.
func (t *RecordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCount++
	return nil
}

// Closed reports whether Close was called or the peer went away.
func (t *RecordingTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCount returns how many times Close was called.
func (t *RecordingTransport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

// FailSends makes every later Send return err. Pass nil to recover.
func (t *RecordingTransport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Drop simulates the peer vanishing without a Close call.
func (t *RecordingTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Raw returns copies of the recorded frames.
func (t *RecordingTransport) Raw() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	for i, f := range t.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Frames returns the recorded frames decoded. Frames that are not JSON
// envelopes are skipped.
func (t *RecordingTransport) Frames() []Frame {
	raw := t.Raw()
	out := make([]Frame, 0, len(raw))
	for _, b := range raw {
		var f Frame
		if err := json.Unmarshal(b, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Types returns the type of each recorded frame, in order.
func (t *RecordingTransport) Types() []string {
	frames := t.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// OfType returns the recorded frames with the given type.
func (t *RecordingTransport) OfType(typ string) []Frame {
	var out []Frame
	for _, f := range t.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame.
func (t *RecordingTransport) Last() (Frame, bool) {
	frames := t.Frames()
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset forgets recorded frames.
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// IntegrationEnabled reports whether Docker-backed tests should run.
func IntegrationEnabled() bool {
	return os.Getenv("INTEGRATION_TESTS") != ""
}
