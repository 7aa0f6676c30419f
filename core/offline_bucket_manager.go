package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OfflineBucketManager reads, mutates and republishes a per-sender offline
// message store (spec §4, component 5). One instance is scoped to a single
// signing identity; callers address different buckets (pairwise vs group)
// by secretOrGroupID.
type OfflineBucketManager struct {
	node       *Node
	dht        *Kademlia
	republisher *DHTRepublisher
	cfg        GroupConfig
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
}

// NewOfflineBucketManager wires the manager to a signing identity, the DHT
// and the republisher used to keep buckets alive between writes.
func NewOfflineBucketManager(node *Node, dht *Kademlia, rep *DHTRepublisher, cfg GroupConfig, priv ed25519.PrivateKey) *OfflineBucketManager {
	pub := priv.Public().(ed25519.PublicKey)
	return &OfflineBucketManager{node: node, dht: dht, republisher: rep, cfg: cfg, priv: priv, pub: pub}
}

// load fetches and decodes the current store for secretOrGroupID, or an
// empty store if none exists yet.
func (m *OfflineBucketManager) load(key string) (OfflineStoreEnvelope, bool) {
	raw, ok := m.dht.GetValue(key)
	if !ok {
		return OfflineStoreEnvelope{}, false
	}
	var env OfflineStoreEnvelope
	if err := GunzipJSON(raw, &env); err != nil {
		return OfflineStoreEnvelope{}, false
	}
	return env, true
}

// sign re-derives store_signature/store_signed_payload over env's current
// message set and signs it under the manager's identity.
func (m *OfflineBucketManager) sign(key string, env *OfflineStoreEnvelope) error {
	ids := make([]string, len(env.Messages))
	for i, msg := range env.Messages {
		ids[i] = msg.ID
	}
	env.StoreSignedPayload = StoreSignedPayload{
		MessageIDs: ids,
		Version:    env.Version,
		Timestamp:  env.LastUpdated,
		BucketKey:  key,
	}
	payloadBytes, err := CanonicalJSON(env.StoreSignedPayload)
	if err != nil {
		return fmt.Errorf("canonicalize store payload: %w", err)
	}
	env.StoreSignature = SignEd25519(m.priv, payloadBytes)
	return nil
}

// InsertMessage appends a new outbound message into the bucket addressed
// by secretOrGroupID, re-signs the envelope, enforces MAX_MESSAGES_PER_STORE,
// and publishes the updated record via the DHT putter, tracking it with the
// republisher so it survives record expiry.
func (m *OfflineBucketManager) InsertMessage(ctx context.Context, secretOrGroupID string, content []byte, ttl time.Duration) (string, error) {
	key := OfflineBucketKey(secretOrGroupID, m.pub)

	env, existed := m.load(key)
	if !existed {
		env = OfflineStoreEnvelope{Version: 1}
	}

	id := uuid.NewString()
	now := time.Now()
	contentHash := Sha256Base64(content)
	senderInfoHash := Sha256Base64([]byte(key))

	msg := OfflineMessage{
		ID:             id,
		SignedPayload:  content,
		ContentHash:    contentHash,
		SenderInfoHash: senderInfoHash,
		BucketKey:      key,
		Timestamp:      now.UnixMilli(),
		ExpiresAt:      now.Add(ttl).UnixMilli(),
	}
	msg.Signature = SignEd25519(m.priv, msg.SignedPayload)

	if len(env.Messages)+1 > m.cfg.MaxMessagesPerStore {
		return "", fmt.Errorf("offline bucket %s: store full (max %d)", key, m.cfg.MaxMessagesPerStore)
	}

	env.Messages = append(env.Messages, msg)
	if existed {
		env.Version++
	}
	env.LastUpdated = now.UnixMilli()

	if err := m.sign(key, &env); err != nil {
		return "", err
	}

	raw, err := GzipJSON(env)
	if err != nil {
		return "", fmt.Errorf("gzip store envelope: %w", err)
	}

	if err := PutJSONValueRaw(ctx, m.node, m.dht, key, raw); err != nil {
		return "", err
	}
	if m.republisher != nil {
		m.republisher.Track(key, []byte(key), raw)
	}
	return id, nil
}

// PutJSONValueRaw is PutJSONValue's sibling for callers that already hold
// the encoded bytes (the offline bucket manager signs/gzips its own
// envelope rather than letting the generic putter re-marshal it).
func PutJSONValueRaw(ctx context.Context, n *Node, dht *Kademlia, key string, raw []byte) error {
	if n != nil && n.ConnectedPeerCount() == 0 {
		return ErrNoConnectedPeers
	}
	return PutAndAwait(ctx, dht, key, raw)
}
