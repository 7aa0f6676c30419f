package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var infoPubLog = logrus.WithField("component", "group-info-publisher")

// GroupInfoPublisher publishes the paired versioned/latest DHT records for
// a group's epoch and drives their retry cycle until they land or are
// pruned (spec §4.4).
type GroupInfoPublisher struct {
	node  *Node
	dht   *Kademlia
	store GroupStore
	cfg   GroupConfig
	priv  ed25519.PrivateKey

	mu       sync.Mutex
	inFlight bool
}

// NewGroupInfoPublisher wires the publisher to its dependencies. priv is
// the creator's signing key, used to produce the creatorSignature carried
// by both the versioned and latest records (spec §4.4).
func NewGroupInfoPublisher(node *Node, dht *Kademlia, store GroupStore, cfg GroupConfig, priv ed25519.PrivateKey) *GroupInfoPublisher {
	return &GroupInfoPublisher{node: node, dht: dht, store: store, cfg: cfg, priv: priv}
}

func withJitter(base time.Duration, fraction float64) time.Duration {
	if base <= 0 {
		return 0
	}
	span := time.Duration(float64(base) * fraction)
	if span <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(span)+1))
}

// retryDelay implements retry_delay(attempts) from spec §4.4.
func (p *GroupInfoPublisher) retryDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return withJitter(p.cfg.InfoRepublishBaseDelay, 0.2)
	}
	return withJitter(p.cfg.InfoRepublishSteadyDelay, 0.2)
}

// PublishNewEpoch builds and enqueues the versioned+latest records for a
// freshly advanced group epoch, then attempts an immediate publish.
func (p *GroupInfoPublisher) PublishNewEpoch(ctx context.Context, versioned GroupInfoVersioned, latest GroupInfoLatest) error {
	versionedKey := fmt.Sprintf("/kiyeovo-group-info/%s/v%d", versioned.GroupID, versioned.Version)
	latestKey := fmt.Sprintf("/kiyeovo-group-info/%s/latest", versioned.GroupID)

	versionedPayload, err := CanonicalJSON(versioned.Canonical())
	if err != nil {
		return fmt.Errorf("canonicalize versioned record: %w", err)
	}
	versioned.CreatorSignature = SignEd25519(p.priv, versionedPayload)

	latestPayload, err := CanonicalJSON(latest.Canonical())
	if err != nil {
		return fmt.Errorf("canonicalize latest record: %w", err)
	}
	latest.CreatorSignature = SignEd25519(p.priv, latestPayload)

	versionedBytes, err := json.Marshal(versioned)
	if err != nil {
		return fmt.Errorf("marshal versioned record: %w", err)
	}
	latestBytes, err := json.Marshal(latest)
	if err != nil {
		return fmt.Errorf("marshal latest record: %w", err)
	}

	row := PendingGroupInfoPublish{
		GroupID:          versioned.GroupID,
		KeyVersion:       versioned.Version,
		VersionedPayload: versionedBytes,
		LatestPayload:    latestBytes,
		VersionedDHTKey:  versionedKey,
		LatestDHTKey:     latestKey,
		NextRetryAt:      time.Now().Unix(),
	}
	p.store.PutPendingGroupInfoPublish(row)
	p.RunCycle(ctx)
	return nil
}

// pruneReason classifies why a pending row should be dropped without
// attempting a publish this cycle. Empty string means "do not prune".
func (p *GroupInfoPublisher) pruneReason(row PendingGroupInfoPublish) string {
	if row.Attempts >= p.cfg.InfoRepublishMaxAttempts {
		return "attempt_cap"
	}
	chat, ok := p.store.GetChat(row.GroupID)
	if !ok {
		return "group_missing"
	}
	if _, ok := p.store.GetGroupKeyForEpoch(chat.GroupID, row.KeyVersion); !ok {
		return "epoch_missing"
	}

	var versioned GroupInfoVersioned
	if err := json.Unmarshal(row.VersionedPayload, &versioned); err != nil {
		return "invalid_payload"
	}
	var latest GroupInfoLatest
	if err := json.Unmarshal(row.LatestPayload, &latest); err != nil {
		return "invalid_payload"
	}
	if versioned.GroupID != row.GroupID || versioned.Version != row.KeyVersion {
		return "invalid_payload"
	}
	if latest.GroupID != row.GroupID {
		return "invalid_payload"
	}
	return ""
}

// RunCycle drives one pass over due pending rows (spec §4.4 "periodic
// cycle"). A second concurrent call while one is in flight is a no-op.
func (p *GroupInfoPublisher) RunCycle(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	due := p.store.GetDuePendingGroupInfoPublishes(time.Now().Unix(), 100)
	for _, row := range due {
		if reason := p.pruneReason(row); reason != "" {
			infoPubLog.Infof("pruning group-info publish %s/v%d: %s", row.GroupID, row.KeyVersion, reason)
			p.store.RemovePendingGroupInfoPublish(row.GroupID, row.KeyVersion)
			continue
		}

		if err := PutJSONValueRaw(ctx, p.node, p.dht, row.VersionedDHTKey, row.VersionedPayload); err != nil {
			p.recordFailure(row, err)
			continue
		}
		if err := PutJSONValueRaw(ctx, p.node, p.dht, row.LatestDHTKey, row.LatestPayload); err != nil {
			p.recordFailure(row, err)
			continue
		}

		var versioned GroupInfoVersioned
		_ = json.Unmarshal(row.VersionedPayload, &versioned)
		if err := p.store.UpdateGroupKeyStateHash(row.GroupID, row.KeyVersion, versioned.StateHash); err != nil {
			infoPubLog.Warnf("update state hash for %s/v%d: %v", row.GroupID, row.KeyVersion, err)
		}
		if row.KeyVersion > 1 {
			if err := p.store.MarkGroupKeyUsedUntil(row.GroupID, row.KeyVersion-1, time.Now().Unix()); err != nil {
				infoPubLog.Warnf("mark used_until for %s/v%d: %v", row.GroupID, row.KeyVersion-1, err)
			}
		}
		p.store.RemovePendingGroupInfoPublish(row.GroupID, row.KeyVersion)
	}
}

func (p *GroupInfoPublisher) recordFailure(row PendingGroupInfoPublish, err error) {
	nextAttempt := row.Attempts + 1
	delay := p.retryDelay(nextAttempt)
	nextRetryAt := time.Now().Add(delay).Unix()
	p.store.MarkPendingGroupInfoPublishAttempt(row.GroupID, row.KeyVersion, nextRetryAt, err.Error())
	infoPubLog.Warnf("group-info publish %s/v%d failed (attempt %d): %v", row.GroupID, row.KeyVersion, nextAttempt, err)
}
