package xenvelope

import (
	"crypto/sha256"
	"encoding/binary"
)

// DigestSize is the length of an envelope digest in bytes.
const DigestSize = sha256.Size

// Digest hashes the signable fields in their canonical order: sender, target,
// session (lowercase hyphenated), schema digest, then payload, expires and
// nonce when present. Integers are 8-byte big-endian. Fields are concatenated
// without separators or length prefixes, so the digest stays compatible with
// existing signatures.
//
// It is recomputed on every call; the envelope may have changed in between.
func (e *Envelope) Digest() [DigestSize]byte {
	h := sha256.New()
	h.Write([]byte(e.Sender))
	h.Write([]byte(e.Target))
	h.Write([]byte(e.Session.String()))
	h.Write([]byte(e.SchemaDigest))
	if e.Payload != nil {
		h.Write([]byte(*e.Payload))
	}
	var buf [8]byte
	if e.Expires != nil {
		binary.BigEndian.PutUint64(buf[:], *e.Expires)
		h.Write(buf[:])
	}
	if e.Nonce != nil {
		binary.BigEndian.PutUint64(buf[:], *e.Nonce)
		h.Write(buf[:])
	}

	var out [DigestSize]byte
	h.Sum(out[:0])
	return out
}
