package xenvelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	for _, text := range []string{"", "hello", `{"a":1}`, "héllo wörld ✓"} {
		env := sample()
		env.EncodePayload(text)
		got, ok, err := env.DecodePayload()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, text, got)
	}
}

func TestEncodePayloadUsesStandardBase64(t *testing.T) {
	env := sample()
	env.EncodePayload(`{"message":"hello"}`)
	assert.Equal(t, "eyJtZXNzYWdlIjoiaGVsbG8ifQ==", *env.Payload)
}

func TestDecodePayloadAbsent(t *testing.T) {
	text, ok, err := sample().DecodePayload()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestDecodePayloadErrors(t *testing.T) {
	env := sample()
	env.Payload = ptr("not base64!")
	_, _, err := env.DecodePayload()
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, ErrInvalidBase64)

	env.Payload = ptr("//79") // 0xff 0xfe 0xfd
	_, _, err = env.DecodePayload()
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestJSONPayload(t *testing.T) {
	type ping struct {
		Seq  int    `json:"seq"`
		Note string `json:"note"`
	}
	env := sample()
	require.NoError(t, env.EncodeJSONPayload(nil, ping{Seq: 3, Note: "x"}))

	var out ping
	ok, err := env.DecodeJSONPayload(JSONCodec{}, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ping{Seq: 3, Note: "x"}, out)

	ok, err = sample().DecodeJSONPayload(nil, &out)
	require.NoError(t, err)
	assert.False(t, ok)
}
