package xenvelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode"

	"github.com/google/uuid"
)

// CurrentVersion is the wire-format version stamped by the bus.
const CurrentVersion = 1

// Envelope is the signed container exchanged between agents.
//
// Optional fields are nil when absent. The envelope carries no locking; a
// single instance must not be signed or payload-encoded from more than one
// goroutine at a time.
type Envelope struct {
	Version        int
	Sender         string
	Target         string
	Session        uuid.UUID
	SchemaDigest   string
	ProtocolDigest *string
	Payload        *string
	Expires        *uint64
	Nonce          *uint64
	Signature      *string
}

// Option sets an optional field during New.
type Option func(*Envelope)

func WithProtocolDigest(d string) Option {
	return func(e *Envelope) { e.ProtocolDigest = &d }
}

// WithPayload encodes text through the payload codec.
func WithPayload(text string) Option {
	return func(e *Envelope) { e.EncodePayload(text) }
}

func WithExpires(epochSeconds uint64) Option {
	return func(e *Envelope) { e.Expires = &epochSeconds }
}

func WithNonce(n uint64) Option {
	return func(e *Envelope) { e.Nonce = &n }
}

func WithSignature(sig string) Option {
	return func(e *Envelope) { e.Signature = &sig }
}

// New builds a validated envelope.
func New(version int, sender, target string, session uuid.UUID, schemaDigest string, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		Version:      version,
		Sender:       sender,
		Target:       target,
		Session:      session,
		SchemaDigest: schemaDigest,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewSession returns a fresh random (v4) session identifier.
func NewSession() uuid.UUID { return uuid.New() }

// Validate checks the required fields. It returns a *ValidationError. Any
// integer version is accepted; only FromMap can observe a missing one.
func (e *Envelope) Validate() error {
	if err := checkAddress("sender", e.Sender); err != nil {
		return err
	}
	if err := checkAddress("target", e.Target); err != nil {
		return err
	}
	if e.Session == uuid.Nil {
		return invalid("session", "missing")
	}
	if e.SchemaDigest == "" {
		return invalid("schema_digest", "empty")
	}
	return nil
}

func checkAddress(field, addr string) error {
	if addr == "" {
		return invalid(field, "empty")
	}
	for _, r := range addr {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalid(field, fmt.Sprintf("malformed address %q", addr))
		}
	}
	return nil
}

// Wire keys.
const (
	KeyVersion        = "version"
	KeySender         = "sender"
	KeyTarget         = "target"
	KeySession        = "session"
	KeySchemaDigest   = "schema_digest"
	KeyProtocol       = "protocol"
	KeyProtocolDigest = "protocol_digest"
	KeyPayload        = "payload"
	KeyExpires        = "expires"
	KeyNonce          = "nonce"
	KeySignature      = "signature"
)

// FromMap populates and validates an envelope from a keyed mapping. The schema
// digest may be given under "schema_digest" or its wire alias "protocol".
// Absent keys and nil values leave optional fields unset.
func FromMap(m map[string]any) (*Envelope, error) {
	e := &Envelope{}

	v, ok := m[KeyVersion]
	if !ok || v == nil {
		return nil, invalid(KeyVersion, "missing")
	}
	n, err := toInt64(v)
	if err != nil {
		return nil, invalid(KeyVersion, err.Error())
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return nil, invalid(KeyVersion, "out of range")
	}
	e.Version = int(n)


	if e.Sender, err = optString(m, KeySender); err != nil {
		return nil, err
	}
	if e.Target, err = optString(m, KeyTarget); err != nil {
		return nil, err
	}

	switch s := m[KeySession].(type) {
	case nil:
	case uuid.UUID:
		e.Session = s
	case string:
		id, perr := uuid.Parse(s)
		if perr != nil {
			return nil, invalid(KeySession, perr.Error())
		}
		e.Session = id
	default:
		return nil, invalid(KeySession, fmt.Sprintf("unsupported type %T", s))
	}

	canonical, err := optString(m, KeySchemaDigest)
	if err != nil {
		return nil, err
	}
	alias, err := optString(m, KeyProtocol)
	if err != nil {
		return nil, err
	}
	if canonical != "" && alias != "" && canonical != alias {
		return nil, invalid(KeySchemaDigest, "conflicting schema_digest and protocol values")
	}
	e.SchemaDigest = canonical
	if e.SchemaDigest == "" {
		e.SchemaDigest = alias
	}

	if e.ProtocolDigest, err = optStringPtr(m, KeyProtocolDigest); err != nil {
		return nil, err
	}
	if e.Payload, err = optStringPtr(m, KeyPayload); err != nil {
		return nil, err
	}
	if e.Signature, err = optStringPtr(m, KeySignature); err != nil {
		return nil, err
	}
	if e.Expires, err = optUint64(m, KeyExpires); err != nil {
		return nil, err
	}
	if e.Nonce, err = optUint64(m, KeyNonce); err != nil {
		return nil, err
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ToMap returns the wire view of the envelope. The schema digest is keyed by
// its alias and absent optionals map to nil.
func (e *Envelope) ToMap() map[string]any {
	m := map[string]any{
		KeyVersion:        e.Version,
		KeySender:         e.Sender,
		KeyTarget:         e.Target,
		KeySession:        e.Session.String(),
		KeyProtocol:       e.SchemaDigest,
		KeyProtocolDigest: nil,
		KeyPayload:        nil,
		KeyExpires:        nil,
		KeyNonce:          nil,
		KeySignature:      nil,
	}
	if e.ProtocolDigest != nil {
		m[KeyProtocolDigest] = *e.ProtocolDigest
	}
	if e.Payload != nil {
		m[KeyPayload] = *e.Payload
	}
	if e.Expires != nil {
		m[KeyExpires] = *e.Expires
	}
	if e.Nonce != nil {
		m[KeyNonce] = *e.Nonce
	}
	if e.Signature != nil {
		m[KeySignature] = *e.Signature
	}
	return m
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.ProtocolDigest = cloneStr(e.ProtocolDigest)
	c.Payload = cloneStr(e.Payload)
	c.Signature = cloneStr(e.Signature)
	c.Expires = cloneU64(e.Expires)
	c.Nonce = cloneU64(e.Nonce)
	return &c
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneU64(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func optString(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", invalid(key, fmt.Sprintf("expected string, got %T", v))
	}
}

func optStringPtr(m map[string]any, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return nil, invalid(key, fmt.Sprintf("expected string, got %T", v))
	}
	return &s, nil
}

func optUint64(m map[string]any, key string) (*uint64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := toUint64(v)
	if err != nil {
		return nil, invalid(key, err.Error())
	}
	return &n, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case int, int32, int64:
		i, _ := toInt64(n)
		if i < 0 {
			return 0, fmt.Errorf("value %d is negative", i)
		}
		return uint64(i), nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, fmt.Errorf("value %v is not an unsigned integer", n)
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("expected unsigned integer, got %T", v)
	}
}
