package core

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildSignedEnvelope(t *testing.T, priv ed25519.PrivateKey, key string, version int64, msgCount int) OfflineStoreEnvelope {
	t.Helper()
	now := time.Now()

	var messages []OfflineMessage
	var ids []string
	for i := 0; i < msgCount; i++ {
		content := []byte("message body")
		m := OfflineMessage{
			ID:          "msg-" + string(rune('a'+i)),
			SignedPayload: content,
			ContentHash: Sha256Base64(content),
			SenderInfoHash: Sha256Base64([]byte(key)),
			BucketKey:   key,
			Timestamp:   now.UnixMilli(),
			ExpiresAt:   now.Add(24 * time.Hour).UnixMilli(),
		}
		m.Signature = SignEd25519(priv, m.SignedPayload)
		messages = append(messages, m)
		ids = append(ids, m.ID)
	}

	env := OfflineStoreEnvelope{
		Messages:    messages,
		LastUpdated: now.UnixMilli(),
		Version:     version,
	}
	env.StoreSignedPayload = StoreSignedPayload{
		MessageIDs: ids,
		Version:    version,
		Timestamp:  env.LastUpdated,
		BucketKey:  key,
	}
	payloadBytes, err := CanonicalJSON(env.StoreSignedPayload)
	require.NoError(t, err)
	env.StoreSignature = SignEd25519(priv, payloadBytes)
	return env
}

func TestOfflineBucketValidatorAcceptsValidStore(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	env := buildSignedEnvelope(t, priv, key, 1, 1)
	raw, err := GzipJSON(env)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.NoError(t, v.Validate(key, raw))
}

func TestOfflineBucketValidatorRejectsBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	env := buildSignedEnvelope(t, priv, key, 1, 1)
	env.Messages[0].Signature[0] ^= 0xFF
	raw, err := GzipJSON(env)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.Error(t, v.Validate(key, raw))
}

func TestOfflineBucketValidatorRejectsMismatchedMessageIDs(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	env := buildSignedEnvelope(t, priv, key, 1, 1)
	env.StoreSignedPayload.MessageIDs[0] = "wrong-id"
	payloadBytes, err := CanonicalJSON(env.StoreSignedPayload)
	require.NoError(t, err)
	env.StoreSignature = SignEd25519(priv, payloadBytes)
	raw, err := GzipJSON(env)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.Error(t, v.Validate(key, raw))
}

func TestOfflineBucketValidatorRejectsExpiredMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	env := buildSignedEnvelope(t, priv, key, 1, 1)
	env.Messages[0].ExpiresAt = time.Now().Add(-time.Hour).UnixMilli()
	payloadBytes, err := CanonicalJSON(env.StoreSignedPayload)
	require.NoError(t, err)
	env.StoreSignature = SignEd25519(priv, payloadBytes)
	raw, err := GzipJSON(env)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.Error(t, v.Validate(key, raw))
}

func TestOfflineBucketValidatorRejectsKeyNotFourParts(t *testing.T) {
	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.Error(t, v.Validate(OfflineBucketPrefix+"/only-three", nil))
}

func TestValidateUpdateRejectsStaleVersion(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	existing := buildSignedEnvelope(t, priv, key, 7, 1)
	existingRaw, err := GzipJSON(existing)
	require.NoError(t, err)

	incoming := buildSignedEnvelope(t, priv, key, 6, 1)
	incomingRaw, err := GzipJSON(incoming)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	err = v.ValidateUpdate(key, existingRaw, incomingRaw)
	require.ErrorIs(t, err, ErrStaleRecord)
}

func TestValidateUpdateRejectsEqualVersionEqualTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	env := buildSignedEnvelope(t, priv, key, 3, 1)
	raw, err := GzipJSON(env)
	require.NoError(t, err)

	v := NewOfflineBucketValidator(DefaultGroupConfig())
	require.ErrorIs(t, v.ValidateUpdate(key, raw, raw), ErrStaleRecord)
}

func TestOfflineBucketSelectorPicksHighestVersionThenTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	low := buildSignedEnvelope(t, priv, key, 1, 1)
	lowRaw, err := GzipJSON(low)
	require.NoError(t, err)

	high := buildSignedEnvelope(t, priv, key, 2, 1)
	highRaw, err := GzipJSON(high)
	require.NoError(t, err)

	idx, err := OfflineBucketSelector{}.Select(key, [][]byte{lowRaw, highRaw})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestOfflineBucketSelectorSkipsMalformed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := OfflineBucketKey("SECRET", pub)

	good := buildSignedEnvelope(t, priv, key, 1, 1)
	goodRaw, err := GzipJSON(good)
	require.NoError(t, err)

	idx, err := OfflineBucketSelector{}.Select(key, [][]byte{[]byte("not gzip"), goodRaw})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestOfflineBucketSelectorEmptyReturnsZero(t *testing.T) {
	idx, err := OfflineBucketSelector{}.Select("any", nil)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestOfflineBucketSelectorAllMalformedReturnsZero(t *testing.T) {
	idx, err := OfflineBucketSelector{}.Select("any", [][]byte{[]byte("bad1"), []byte("bad2")})
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}
