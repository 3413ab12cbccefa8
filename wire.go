package xenvelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireEnvelope fixes the key order and the "protocol" alias on output.
type wireEnvelope struct {
	Version        int     `json:"version"`
	Sender         string  `json:"sender"`
	Target         string  `json:"target"`
	Session        string  `json:"session"`
	Protocol       string  `json:"protocol"`
	ProtocolDigest *string `json:"protocol_digest"`
	Payload        *string `json:"payload"`
	Expires        *uint64 `json:"expires"`
	Nonce          *uint64 `json:"nonce"`
	Signature      *string `json:"signature"`
}

// MarshalJSON always emits the schema digest under "protocol". Absent
// optional fields are emitted as null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Version:        e.Version,
		Sender:         e.Sender,
		Target:         e.Target,
		Session:        e.Session.String(),
		Protocol:       e.SchemaDigest,
		ProtocolDigest: e.ProtocolDigest,
		Payload:        e.Payload,
		Expires:        e.Expires,
		Nonce:          e.Nonce,
		Signature:      e.Signature,
	})
}

// UnmarshalJSON accepts the schema digest under "protocol" or "schema_digest"
// and validates the result like FromMap.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("xenvelope: decode envelope: %w", err)
	}
	if m == nil {
		return invalid("envelope", "null")
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}
