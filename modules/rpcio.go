package modules

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"gitlab.com/NebulousLabs/errors"
)

// maxFrameSize bounds a single wire frame to guard against a misbehaving
// peer claiming an enormous length prefix. Generously above MaxCodeLength +
// MaxOutputBytes*2 plus JSON/envelope overhead.
const maxFrameSize = 4 << 20

// ErrFrameTooLarge is returned by ReadFrame when the peer's declared length
// exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// envelope is the wire representation of every message on the Session
// Protocol: a typed tag plus a raw JSON payload, written as
// length-delimited records over the multiplexed stream.
type envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WriteFrame writes a single length-delimited frame to w: a big-endian
// uint32 byte count followed by the JSON-encoded envelope. One call to
// WriteFrame is one atomic message on the wire; callers must not interleave
// partial writes from multiple goroutines on the same writer (the Session
// type serializes all writes behind its own mutex).
func WriteFrame(w io.Writer, frameType FrameType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.AddContext(err, "unable to marshal frame payload")
	}
	env := envelope{Type: frameType, Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.AddContext(err, "unable to marshal envelope")
	}
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.AddContext(err, "unable to write frame length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.AddContext(err, "unable to write frame body")
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r and returns its type and
// raw payload, ready for DecodePayload.
func ReadFrame(r io.Reader) (FrameType, json.RawMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return "", nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, errors.AddContext(err, "unable to read frame body")
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return "", nil, errors.AddContext(err, "unable to unmarshal envelope")
	}
	return env.Type, env.Payload, nil
}

// DecodePayload unmarshals a frame's raw payload into dst.
func DecodePayload(payload json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return errors.AddContext(err, "unable to unmarshal frame payload")
	}
	return nil
}
