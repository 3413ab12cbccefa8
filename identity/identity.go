// Package identity provides secp256k1 agent identities that sign and verify
// envelope digests.
//
// Addresses are bech32 strings with the "agent" prefix over the compressed
// public key. Signatures are bech32 strings with the "sig" prefix over the
// 64-byte r||s form of a deterministic (RFC 6979), low-S ECDSA signature.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcec_ecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/trickstertwo/xenvelope"
)

// Bech32 human-readable prefixes.
const (
	AgentPrefix     = "agent"
	UserPrefix      = "user"
	SignaturePrefix = "sig"
)

const (
	digestSize    = 32
	signatureSize = 64
)

var (
	ErrInvalidAddress           = errors.New("identity: invalid agent address")
	ErrInvalidSignatureEncoding = errors.New("identity: invalid signature encoding")
	ErrInvalidDigest            = errors.New("identity: digest must be 32 bytes")
	ErrInvalidKey               = errors.New("identity: invalid private key")
)

// Identity is a secp256k1 key pair with its derived address. It is safe for
// concurrent use.
type Identity struct {
	priv    *btcec.PrivateKey
	address string
}

var (
	_ xenvelope.Signer   = (*Identity)(nil)
	_ xenvelope.Verifier = (*Identity)(nil)
	_ xenvelope.Verifier = Verifier{}
)

// Generate creates an identity from a fresh random key.
func Generate() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return newIdentity(priv)
}

// FromSeed derives a deterministic identity from a seed phrase and key index.
// The key is sha256(sha256(seed) || "agent" || be32(index)).
func FromSeed(seed string, index uint32) (*Identity, error) {
	inner := sha256.Sum256([]byte(seed))
	buf := make([]byte, 0, sha256.Size+len(AgentPrefix)+4)
	buf = append(buf, inner[:]...)
	buf = append(buf, AgentPrefix...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	key := sha256.Sum256(buf)
	return fromScalar(key[:])
}

// FromPrivateKeyHex loads an identity from a hex-encoded 32-byte key.
func FromPrivateKeyHex(s string) (*Identity, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return fromScalar(raw)
}

func fromScalar(b []byte) (*Identity, error) {
	var k btcec.ModNScalar
	if overflow := k.SetByteSlice(b); overflow || k.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return newIdentity(priv)
}

func newIdentity(priv *btcec.PrivateKey) (*Identity, error) {
	addr, err := encode(AgentPrefix, priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, address: addr}, nil
}

// Address returns the bech32 agent address.
func (id *Identity) Address() string { return id.address }

// PrivateKeyHex returns the hex-encoded private key.
func (id *Identity) PrivateKeyHex() string { return hex.EncodeToString(id.priv.Serialize()) }

// SignDigest signs a 32-byte digest and returns the bech32 signature.
func (id *Identity) SignDigest(digest []byte) (string, error) {
	if len(digest) != digestSize {
		return "", ErrInvalidDigest
	}
	// SignCompact prefixes a recovery byte; the wire form is r||s only.
	compact := btcec_ecdsa.SignCompact(id.priv, digest, true)
	return encode(SignaturePrefix, compact[1:])
}

// VerifyDigest checks signature over digest against address.
func (id *Identity) VerifyDigest(address string, digest []byte, signature string) (bool, error) {
	return Verifier{}.VerifyDigest(address, digest, signature)
}

// Verifier checks signatures using only the address. The zero value is ready to use.
type Verifier struct{}

// VerifyDigest returns an error when the address or signature cannot be
// decoded, and false when they decode but the signature does not match.
func (Verifier) VerifyDigest(address string, digest []byte, signature string) (bool, error) {
	if len(digest) != digestSize {
		return false, ErrInvalidDigest
	}
	pub, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	rs, err := decode(SignaturePrefix, signature, ErrInvalidSignatureEncoding)
	if err != nil {
		return false, err
	}
	if len(rs) != signatureSize {
		return false, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignatureEncoding, signatureSize, len(rs))
	}

	var r, s btcec.ModNScalar
	if r.SetByteSlice(rs[:32]) || s.SetByteSlice(rs[32:]) || r.IsZero() || s.IsZero() {
		return false, nil
	}
	return btcec_ecdsa.NewSignature(&r, &s).Verify(digest, pub), nil
}

// ValidateAddress reports whether addr is a well-formed agent address.
func ValidateAddress(addr string) error {
	_, err := parseAddress(addr)
	return err
}

// IsUserAddress reports whether addr is a bech32 string with the user prefix.
func IsUserAddress(addr string) bool {
	hrp, _, err := bech32.DecodeNoLimit(addr)
	return err == nil && hrp == UserPrefix
}

func parseAddress(addr string) (*btcec.PublicKey, error) {
	raw, err := decode(AgentPrefix, addr, ErrInvalidAddress)
	if err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return pub, nil
}

func encode(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

// decode uses DecodeNoLimit since signatures exceed the 90-character BIP-173 limit.
func decode(hrp, s string, kind error) ([]byte, error) {
	got, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	if got != hrp {
		return nil, fmt.Errorf("%w: prefix %q, want %q", kind, got, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	return raw, nil
}
