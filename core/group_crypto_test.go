package core

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptGroupMessageRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("hello group")

	ciphertext, nonce, err := EncryptGroupMessage(key, plaintext)
	require.NoError(t, err)

	got, err := DecryptGroupMessage(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptGroupMessageRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	ciphertext, nonce, err := EncryptGroupMessage(key, []byte("payload"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = DecryptGroupMessage(key, nonce, ciphertext)
	require.Error(t, err)
}

func TestSignVerifyEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("canonical payload bytes")
	sig := SignEd25519(priv, msg)
	require.True(t, VerifyEd25519(pub, msg, sig))
	require.False(t, VerifyEd25519(pub, []byte("tampered"), sig))
}

func TestGzipJSONRoundTrip(t *testing.T) {
	type payload struct {
		A string
		B int
	}
	in := payload{A: "x", B: 7}

	blob, err := GzipJSON(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, GunzipJSON(blob, &out))
	require.Equal(t, in, out)
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	type payload struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	p := payload{Z: "1", A: "2"}

	b1, err := CanonicalJSON(p)
	require.NoError(t, err)
	b2, err := CanonicalJSON(p)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestBase64URLRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	enc := Base64URLEncode(pub)
	dec, err := Base64URLDecode(enc)
	require.NoError(t, err)
	require.Equal(t, []byte(pub), dec)
}
