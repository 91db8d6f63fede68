package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrMalformed = errors.New("malformed message")

// NewEnvelope builds an outbound envelope with a fresh message id and the
// payload marshaled in place.
func NewEnvelope(msgType string, sourceRole Role, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		MessageID:  uuid.New().String(),
		Type:       msgType,
		SourceRole: sourceRole,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Decode parses a raw frame into an envelope. A frame without a type or with
// a duplicate-free shape violation is malformed.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Type == "" {
		return nil, ErrMalformed
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrMalformed
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
