package xenvelope

// Signer produces signatures over envelope digests for the identity at Address.
type Signer interface {
	Address() string
	SignDigest(digest []byte) (string, error)
}

// Verifier checks a signature over a digest against an address. It returns
// false for a well-formed but invalid signature and an error only when the
// address or signature cannot be decoded.
type Verifier interface {
	VerifyDigest(address string, digest []byte, signature string) (bool, error)
}

// Sign computes the digest of the current field values, signs it and stores
// the signature, overwriting any previous one. Errors from s are returned
// unchanged and leave the envelope untouched.
func (e *Envelope) Sign(s Signer) error {
	d := e.Digest()
	sig, err := s.SignDigest(d[:])
	if err != nil {
		return err
	}
	e.Signature = &sig
	return nil
}

// Verify reports whether the stored signature matches the current field
// values. An unsigned envelope returns false without hashing. Errors from v
// (malformed encodings) are returned unchanged.
func (e *Envelope) Verify(v Verifier) (bool, error) {
	if e.Signature == nil {
		return false, nil
	}
	d := e.Digest()
	return v.VerifyDigest(e.Sender, d[:], *e.Signature)
}

// IsSigned reports whether a signature is present. It does not check it.
func (e *Envelope) IsSigned() bool { return e.Signature != nil }
