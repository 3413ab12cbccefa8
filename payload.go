package xenvelope

import (
	"encoding/base64"
	"unicode/utf8"
)

// EncodePayload stores base64(text) as the payload, replacing any prior value.
// It is the only writer of the payload field.
func (e *Envelope) EncodePayload(text string) {
	enc := base64.StdEncoding.EncodeToString([]byte(text))
	e.Payload = &enc
}

// DecodePayload returns the payload text. ok is false when no payload is set.
// A stored value that is not base64 of UTF-8 text yields a *DecodeError.
func (e *Envelope) DecodePayload() (text string, ok bool, err error) {
	if e.Payload == nil {
		return "", false, nil
	}
	raw, derr := base64.StdEncoding.DecodeString(*e.Payload)
	if derr != nil {
		return "", false, &DecodeError{Err: ErrInvalidBase64}
	}
	if !utf8.Valid(raw) {
		return "", false, &DecodeError{Err: ErrInvalidUTF8}
	}
	return string(raw), true, nil
}

// EncodeJSONPayload marshals v with c (JSON when nil) and encodes the result
// as the payload.
func (e *Envelope) EncodeJSONPayload(c Codec, v any) error {
	if c == nil {
		c = JSONCodec{}
	}
	b, err := c.Marshal(v)
	if err != nil {
		return err
	}
	if !utf8.Valid(b) {
		return &DecodeError{Err: ErrInvalidUTF8}
	}
	e.EncodePayload(string(b))
	return nil
}

// DecodeJSONPayload decodes the payload and unmarshals it into v with c (JSON
// when nil). It returns false when no payload is set.
func (e *Envelope) DecodeJSONPayload(c Codec, v any) (bool, error) {
	text, ok, err := e.DecodePayload()
	if err != nil || !ok {
		return false, err
	}
	if c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal([]byte(text), v); err != nil {
		return false, err
	}
	return true, nil
}
