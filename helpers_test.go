package xenvelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

var testSession = uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

// keyedSigner signs with HMAC-SHA256 keyed by the address. It stands in for a
// real identity in tests of the root package.
type keyedSigner struct{ addr string }

func (s keyedSigner) Address() string { return s.addr }

func (s keyedSigner) SignDigest(digest []byte) (string, error) {
	return keyedSig(s.addr, digest), nil
}

func keyedSig(addr string, digest []byte) string {
	m := hmac.New(sha256.New, []byte(addr))
	m.Write(digest)
	return hex.EncodeToString(m.Sum(nil))
}

// keyedVerifier counts calls so tests can assert no digest work was done.
type keyedVerifier struct{ calls int }

func (v *keyedVerifier) VerifyDigest(addr string, digest []byte, sig string) (bool, error) {
	v.calls++
	if _, err := hex.DecodeString(sig); err != nil {
		return false, errors.New("malformed signature")
	}
	return hmac.Equal([]byte(sig), []byte(keyedSig(addr, digest))), nil
}

func ptr[T any](v T) *T { return &v }

func sample() *Envelope {
	return &Envelope{
		Version:      1,
		Sender:       "agent1xyz",
		Target:       "agent2abc",
		Session:      testSession,
		SchemaDigest: "proto-v1",
	}
}
