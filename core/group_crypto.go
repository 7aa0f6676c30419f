// Package core – group-messaging crypto primitives.
//
// Exposes:
//   - SignEd25519 / VerifyEd25519 — control-message and group-message signing.
//   - EncryptGroupMessage / DecryptGroupMessage — XChaCha20-Poly1305 AEAD.
//   - GzipJSON / GunzipJSON        — offline-bucket store envelope codec.
//   - CanonicalJSON                — deterministic signer/verifier serializer.
//
// All crypto comes from the Go std-lib (ed25519, sha256) plus
// golang.org/x/crypto for XChaCha20-Poly1305, matching the rest of the
// corpus's use of that package for authenticated encryption.
package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/chacha20poly1305"
)

// SignEd25519 signs msg with the given Ed25519 private key.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 checks sig over msg under pub.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// CanonicalJSON serializes v the same way on every call for a given Go
// value: encoding/json's struct-field order is fixed by the struct
// definition (not alphabetical, not map iteration order), so signing and
// verifying the same struct type through this function always hashes the
// same byte sequence. This resolves the open question in the design notes
// by picking "struct-field declaration order, via encoding/json" as the
// one true canonicalization — callers must route every signed payload
// through a concrete struct type, never a map[string]interface{}, or the
// order guarantee is lost.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncryptGroupMessage AEAD-encrypts plaintext under key (32 bytes) with a
// freshly generated 24-byte XChaCha20-Poly1305 nonce. The nonce is returned
// separately rather than prefixed to the ciphertext, matching the group
// message wire schema where nonce is its own field.
func EncryptGroupMessage(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, nil, fmt.Errorf("group crypto: key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("group crypto: new aead: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("group crypto: nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptGroupMessage reverses EncryptGroupMessage.
func DecryptGroupMessage(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("group crypto: key must be %d bytes", chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("group crypto: nonce must be %d bytes", chacha20poly1305.NonceSizeX)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("group crypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("group crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

// Sha256Base64 returns base64(sha256(data)), used for content_hash and
// sender_info_hash fields in the offline message envelope.
func Sha256Base64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Base64Encode / Base64Decode wrap standard-padding base64.
func Base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func Base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Base64URLEncode / Base64URLDecode wrap unpadded URL-safe base64, used for
// sender public keys embedded in DHT keys.
func Base64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// GzipJSON marshals v to JSON and gzip-compresses the result, matching the
// "gzip(JSON UTF-8)" encoding used for offline-bucket DHT values.
func GzipJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gzip json: marshal: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip json: write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip json: close: %w", err)
	}
	return buf.Bytes(), nil
}

// GunzipJSON reverses GzipJSON into dst.
func GunzipJSON(blob []byte, dst interface{}) error {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("gunzip json: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("gunzip json: read: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("gunzip json: unmarshal: %w", err)
	}
	return nil
}

// ErrMalformedRecord marks a gzip/JSON blob that failed to decode. The
// offline-bucket selector does not return it; it skips malformed copies.
var ErrMalformedRecord = errors.New("dht: malformed record")
