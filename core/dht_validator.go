package core

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"
)

// OfflineBucketPrefix namespaces every offline-message DHT key.
const OfflineBucketPrefix = "/kiyeovo-offline"

// OfflineBucketKey builds the DHT key for a pairwise or group offline
// bucket, `/kiyeovo-offline/<shared-secret|group-id>/<sender-pubkey-b64url>`.
func OfflineBucketKey(secretOrGroupID string, senderPubKey ed25519.PublicKey) string {
	return OfflineBucketPrefix + "/" + secretOrGroupID + "/" + Base64URLEncode(senderPubKey)
}

// OfflineBucketValidator gatekeeps writes to offline-bucket DHT keys (spec
// §4.1). It is registered against the Kademlia instance under
// OfflineBucketPrefix.
type OfflineBucketValidator struct {
	ttl func() time.Duration
}

// NewOfflineBucketValidator builds a validator using cfg.MessageTTL.
func NewOfflineBucketValidator(cfg GroupConfig) *OfflineBucketValidator {
	ttl := cfg.MessageTTL
	return &OfflineBucketValidator{ttl: func() time.Duration { return ttl }}
}

// decodeBucketKey splits key into its (secretOrGroupID, senderPubKey) parts,
// enforcing the "exactly 4 parts" shape.
func decodeBucketKey(key string) (secretOrGroup string, senderPub ed25519.PublicKey, err error) {
	if !strings.HasPrefix(key, OfflineBucketPrefix+"/") {
		return "", nil, fmt.Errorf("key missing offline-bucket prefix")
	}
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", nil, fmt.Errorf("key must decompose into exactly 4 path parts, got %d", len(parts))
	}
	secretOrGroup = parts[2]
	pub, err := Base64URLDecode(parts[3])
	if err != nil {
		return "", nil, fmt.Errorf("decode sender pubkey: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", nil, fmt.Errorf("sender pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return secretOrGroup, ed25519.PublicKey(pub), nil
}

// Validate implements Validator.Validate (spec §4.1 steps 1-5).
func (v *OfflineBucketValidator) Validate(key string, value []byte) error {
	_, senderPub, err := decodeBucketKey(key)
	if err != nil {
		return err
	}

	var env OfflineStoreEnvelope
	if err := GunzipJSON(value, &env); err != nil {
		return fmt.Errorf("decode store envelope: %w", err)
	}

	if env.StoreSignedPayload.BucketKey != key {
		return fmt.Errorf("store_signed_payload.bucket_key mismatch")
	}
	if len(env.StoreSignedPayload.MessageIDs) != len(env.Messages) {
		return fmt.Errorf("message_ids count (%d) does not match messages count (%d)",
			len(env.StoreSignedPayload.MessageIDs), len(env.Messages))
	}
	for i, id := range env.StoreSignedPayload.MessageIDs {
		if id != env.Messages[i].ID {
			return fmt.Errorf("message_ids[%d]=%q does not match messages[%d].id=%q", i, id, i, env.Messages[i].ID)
		}
	}
	if env.StoreSignedPayload.Version != env.Version {
		return fmt.Errorf("version (%d) does not match store_signed_payload.version (%d)",
			env.Version, env.StoreSignedPayload.Version)
	}

	payloadBytes, err := CanonicalJSON(env.StoreSignedPayload)
	if err != nil {
		return fmt.Errorf("canonicalize store_signed_payload: %w", err)
	}
	if !VerifyEd25519(senderPub, payloadBytes, env.StoreSignature) {
		return fmt.Errorf("store signature verification failed")
	}

	now := time.Now()
	ttl := v.ttl()
	for _, m := range env.Messages {
		if m.BucketKey != key {
			return fmt.Errorf("message %s: signed_payload.bucket_key mismatch", m.ID)
		}
		if Sha256Base64(m.SignedPayload) != m.ContentHash {
			return fmt.Errorf("message %s: content_hash mismatch", m.ID)
		}
		if Sha256Base64([]byte(key)) != m.SenderInfoHash {
			return fmt.Errorf("message %s: sender_info_hash mismatch", m.ID)
		}
		if !VerifyEd25519(senderPub, m.SignedPayload, m.Signature) {
			return fmt.Errorf("message %s: signature verification failed", m.ID)
		}
		if now.Sub(time.Unix(0, m.Timestamp*int64(time.Millisecond))) > ttl {
			return fmt.Errorf("message %s: older than MESSAGE_TTL", m.ID)
		}
		if m.ExpiresAt <= now.UnixMilli() {
			return fmt.Errorf("message %s: expired", m.ID)
		}
	}
	return nil
}

// ValidateUpdate implements Validator.ValidateUpdate (spec §4.1).
func (v *OfflineBucketValidator) ValidateUpdate(key string, existing, incoming []byte) error {
	var exEnv, inEnv OfflineStoreEnvelope
	if err := GunzipJSON(existing, &exEnv); err != nil {
		// an unreadable existing record cannot block progress.
		return nil
	}
	if err := GunzipJSON(incoming, &inEnv); err != nil {
		return fmt.Errorf("decode incoming store envelope: %w", err)
	}
	if inEnv.Version < exEnv.Version {
		return ErrStaleRecord
	}
	if inEnv.Version == exEnv.Version && inEnv.LastUpdated <= exEnv.LastUpdated {
		return ErrStaleRecord
	}
	return nil
}

// OfflineBucketSelector picks among competing gzipped store envelopes for
// the same key, maximizing (version, last_updated) (spec §4.1).
type OfflineBucketSelector struct{}

// Select implements Selector.Select.
func (OfflineBucketSelector) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	best := 0
	bestOK := false
	var bestEnv OfflineStoreEnvelope
	for i, raw := range values {
		var env OfflineStoreEnvelope
		if err := GunzipJSON(raw, &env); err != nil {
			continue
		}
		if !bestOK {
			best, bestEnv, bestOK = i, env, true
			continue
		}
		if env.Version > bestEnv.Version ||
			(env.Version == bestEnv.Version && env.LastUpdated > bestEnv.LastUpdated) {
			best, bestEnv = i, env
		}
	}
	return best, nil
}

var _ Validator = (*OfflineBucketValidator)(nil)
var _ Selector = OfflineBucketSelector{}
