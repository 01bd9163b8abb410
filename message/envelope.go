package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/pkg/timestamp"
)

var emptyObject = json.RawMessage(`{}`)

// Envelope is a decoded inbound frame. It is not modified after Decode.
type Envelope struct {
	Type      Type
	Data      json.RawMessage
	Timestamp int64
	Origin    connection.ID
}

type inboundWire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp any             `json:"timestamp,omitempty"`
}

// Decode parses an inbound frame from origin. A frame that is not a JSON
// object or lacks a type fails with errors.ErrDeserialization. A missing or
// null payload decodes as an empty object.
func Decode(frame []byte, origin connection.ID) (Envelope, error) {
	var w inboundWire
	if err := json.Unmarshal(frame, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errors.ErrDeserialization, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", errors.ErrDeserialization)
	}

	data := w.Data
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = emptyObject
	}

	return Envelope{
		Type:      Type(w.Type),
		Data:      data,
		Timestamp: timestamp.Parse(w.Timestamp),
		Origin:    origin,
	}, nil
}

// Outbound is a message ready for fan-out.
type Outbound struct {
	Type Type
	Data any
}

type outboundWire struct {
	Type      Type  `json:"type"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Encode serialises out with delivery timestamp ts.
func Encode(out Outbound, ts int64) ([]byte, error) {
	data := out.Data
	if data == nil {
		data = struct{}{}
	}
	b, err := json.Marshal(outboundWire{Type: out.Type, Data: data, Timestamp: ts})
	if err != nil {
		return nil, errors.Wrap(err, "message", "Encode", fmt.Sprintf("marshal %s", out.Type))
	}
	return b, nil
}
