package xenvelope

import "encoding/json"

// JSONCodec is the default JSON implementation. Envelopes marshal to their
// wire form through Envelope.MarshalJSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }
