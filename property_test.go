package xenvelope

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func envelopeFrom(sender, target, schema string, nonce uint64) *Envelope {
	env := sample()
	env.Sender, env.Target, env.SchemaDigest = "s"+sender, "t"+target, "p"+schema
	env.Nonce = &nonce
	return env
}

func TestDigestDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("equal fields give equal digests", prop.ForAll(
		func(sender, target, schema string, nonce uint64) bool {
			a := envelopeFrom(sender, target, schema, nonce)
			b := envelopeFrom(sender, target, schema, nonce)
			return a.Digest() == b.Digest() && a.Digest() == a.Clone().Digest()
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.UInt64(),
	))

	properties.Property("changing the nonce changes the digest", prop.ForAll(
		func(sender string, nonce uint64) bool {
			a := envelopeFrom(sender, "x", "y", nonce)
			b := envelopeFrom(sender, "x", "y", nonce+1)
			return a.Digest() != b.Digest()
		},
		gen.AlphaString(), gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestPayloadRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("decode(encode(text)) == text", prop.ForAll(
		func(text string) bool {
			env := sample()
			env.EncodePayload(text)
			got, ok, err := env.DecodePayload()
			return err == nil && ok && got == text
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestSignVerifyProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("signed envelopes verify and tampered ones do not", prop.ForAll(
		func(sender, payload string, nonce uint64) bool {
			env := envelopeFrom(sender, "bob", "proto", nonce)
			env.EncodePayload(payload)
			if err := env.Sign(keyedSigner{addr: env.Sender}); err != nil {
				return false
			}
			ok, err := env.Verify(&keyedVerifier{})
			if err != nil || !ok {
				return false
			}
			env.EncodePayload(payload + "!")
			ok, err = env.Verify(&keyedVerifier{})
			return err == nil && !ok
		},
		gen.AlphaString(), gen.AnyString(), gen.UInt64(),
	))

	properties.TestingRun(t)
}
