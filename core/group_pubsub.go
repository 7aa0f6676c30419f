package core

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var pubsubLog = logrus.WithField("component", "group-pubsub")

// GroupTopic derives the gossipsub topic for a group epoch: the spec's
// SHA256(groupID ‖ hex(SHA256(epochKey))), hex-encoded. Rotating the epoch
// key rotates the topic.
func GroupTopic(groupID string, epochKey []byte) string {
	innerSum := sha256.Sum256(epochKey)
	inner := hex.EncodeToString(innerSum[:])
	outerSum := sha256.Sum256([]byte(groupID + inner))
	return hex.EncodeToString(outerSum[:])
}

// MessageReceivedEvent is emitted locally whenever a group message is
// persisted, whether produced by this node's own send path or accepted from
// an incoming pubsub frame (spec §4.6 "emit the local onMessageReceived
// event").
type MessageReceivedEvent struct {
	GroupID           string
	ChatID            int64
	MessageID         string
	SenderPeerID      string
	Plaintext         []byte
	MessageSentStatus string
}

// GroupPubsub drives topic subscription reconciliation, heartbeats, and the
// send/receive pipeline for group messages (spec §4.6).
type GroupPubsub struct {
	node    *Node
	store   GroupStore
	offline *OfflineBucketManager
	cfg     GroupConfig
	selfID  string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey

	// OnMessageReceived, if set, is invoked after every locally persisted
	// group message (send or receive path). It is called synchronously on
	// the scheduler goroutine that produced the event, matching the
	// single-threaded cooperative model of spec §5.
	OnMessageReceived func(MessageReceivedEvent)

	mu                sync.Mutex
	subscribedTopics  map[string]string // topic -> groupID
	reconcileInFlight bool
	peerConnectTimer  *time.Timer

	backupMu sync.Mutex
	pendingOfflineBackups map[string]GroupChatMessage // messageID -> signed message, lost on restart (spec §5, §9)
}

// NewGroupPubsub wires the messaging component to its dependencies.
func NewGroupPubsub(node *Node, store GroupStore, offline *OfflineBucketManager, cfg GroupConfig, selfID string, priv ed25519.PrivateKey) *GroupPubsub {
	return &GroupPubsub{
		node:                  node,
		store:                 store,
		offline:               offline,
		cfg:                   cfg,
		selfID:                selfID,
		priv:                  priv,
		pub:                   priv.Public().(ed25519.PublicKey),
		subscribedTopics:      make(map[string]string),
		pendingOfflineBackups: make(map[string]GroupChatMessage),
	}
}

type expectedTopic struct {
	groupID    string
	keyVersion int64
}

// expectedTopics computes the topic set that should be subscribed right
// now: every locally known chat with status=active, group_status=active,
// and a valid 32-byte current epoch key.
func (g *GroupPubsub) expectedTopics(groupIDs []string) map[string]expectedTopic {
	out := make(map[string]expectedTopic)
	for _, groupID := range groupIDs {
		chat, ok := g.store.GetChat(groupID)
		if !ok {
			continue
		}
		if chat.Status != ChatStatusActive || chat.GroupStatus != GroupStatusActive {
			continue
		}
		entry, ok := g.store.GetGroupKeyForEpoch(chat.GroupID, chat.KeyVersion)
		if !ok {
			continue
		}
		key, err := Base64Decode(entry.KeyB64)
		if err != nil || len(key) != 32 {
			continue
		}
		topic := GroupTopic(chat.GroupID, key)
		out[topic] = expectedTopic{groupID: chat.GroupID, keyVersion: chat.KeyVersion}
	}
	return out
}

// ReconcileSubscriptions joins every expected-but-not-subscribed topic and
// leaves every subscribed-but-no-longer-expected topic (spec §4.6). A
// second concurrent call while one is in flight is a no-op.
func (g *GroupPubsub) ReconcileSubscriptions(ctx context.Context, knownGroupIDs []string) {
	g.mu.Lock()
	if g.reconcileInFlight {
		g.mu.Unlock()
		return
	}
	g.reconcileInFlight = true
	current := make(map[string]string, len(g.subscribedTopics))
	for k, v := range g.subscribedTopics {
		current[k] = v
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.reconcileInFlight = false
		g.mu.Unlock()
	}()

	expected := g.expectedTopics(knownGroupIDs)

	for topic, exp := range expected {
		if _, ok := current[topic]; ok {
			continue
		}
		ch, err := g.node.Subscribe(topic)
		if err != nil {
			pubsubLog.Warnf("subscribe %s (group %s): %v", topic, exp.groupID, err)
			continue
		}
		g.mu.Lock()
		g.subscribedTopics[topic] = exp.groupID
		g.mu.Unlock()
		go g.receiveLoop(ctx, topic, ch)
	}

	for topic, groupID := range current {
		if _, ok := expected[topic]; ok {
			continue
		}
		g.node.Unsubscribe(topic)
		g.mu.Lock()
		delete(g.subscribedTopics, topic)
		g.mu.Unlock()
		pubsubLog.Infof("unsubscribed topic %s (group %s, no longer expected)", topic, groupID)
	}
}

// knownGroupIDs lists every locally known group chat's ID, the input to
// expectedTopics/ReconcileSubscriptions.
func (g *GroupPubsub) knownGroupIDs() []string {
	chats := g.store.ListChats()
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.GroupID
	}
	return ids
}

// NotifyPeerConnect schedules a debounced reconciliation PeerConnectDebounce
// after a peer:connect event, coalescing bursts of connects into one
// reconcile pass (spec §4.6 "plus a debounced re-run 2 s after any
// peer:connect").
func (g *GroupPubsub) NotifyPeerConnect(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peerConnectTimer != nil {
		g.peerConnectTimer.Stop()
	}
	g.peerConnectTimer = time.AfterFunc(g.cfg.PeerConnectDebounce, func() {
		g.ReconcileSubscriptions(ctx, g.knownGroupIDs())
	})
}

// Shutdown unsubscribes from every tracked topic, best-effort (spec §4.6).
func (g *GroupPubsub) Shutdown() {
	g.mu.Lock()
	topics := make([]string, 0, len(g.subscribedTopics))
	for t := range g.subscribedTopics {
		topics = append(topics, t)
	}
	g.mu.Unlock()
	for _, t := range topics {
		g.node.Unsubscribe(t)
		g.mu.Lock()
		delete(g.subscribedTopics, t)
		g.mu.Unlock()
	}
}

// RunHeartbeatCycle publishes one signed heartbeat to every currently
// subscribed topic. Failures are swallowed (spec §4.6).
func (g *GroupPubsub) RunHeartbeatCycle(ctx context.Context) {
	g.mu.Lock()
	topics := make(map[string]string, len(g.subscribedTopics))
	for t, gID := range g.subscribedTopics {
		topics[t] = gID
	}
	g.mu.Unlock()

	now := time.Now().UnixMilli()
	for topic, groupID := range topics {
		chat, ok := g.store.GetChat(groupID)
		if !ok {
			continue
		}
		hb := GroupChatMessage{
			Type:         MsgTypeGroupMessage,
			GroupID:      groupID,
			KeyVersion:   chat.KeyVersion,
			SenderPeerID: g.selfID,
			MessageID:    uuid.NewString(),
			Timestamp:    now,
			MessageType:  GroupMessageTypeHeartbeat,
		}
		if err := g.publishSigned(ctx, topic, hb); err != nil {
			pubsubLog.Debugf("heartbeat publish %s failed: %v", topic, err)
		}
	}
}

func (g *GroupPubsub) publishSigned(ctx context.Context, topic string, msg GroupChatMessage) error {
	payload, err := CanonicalJSON(msg.Canonical())
	if err != nil {
		return fmt.Errorf("canonicalize message: %w", err)
	}
	msg.Signature = SignEd25519(g.priv, payload)
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return g.node.Broadcast(topic, raw)
}

// SendMessage implements the send path (spec §4.6). plaintext is UTF-8
// content; messageType is "text" or "system".
func (g *GroupPubsub) SendMessage(ctx context.Context, groupID, messageType string, plaintext []byte) (SendResult, error) {
	chat, ok := g.store.GetChat(groupID)
	if !ok || chat.Status != ChatStatusActive || chat.GroupStatus != GroupStatusActive {
		return SendResult{}, fmt.Errorf("group %s is not active", groupID)
	}
	entry, ok := g.store.GetGroupKeyForEpoch(chat.GroupID, chat.KeyVersion)
	if !ok {
		return SendResult{}, fmt.Errorf("no epoch key for group %s v%d", groupID, chat.KeyVersion)
	}
	key, err := Base64Decode(entry.KeyB64)
	if err != nil || len(key) != 32 {
		return SendResult{}, fmt.Errorf("invalid epoch key for group %s v%d", groupID, chat.KeyVersion)
	}

	seq := g.store.GetNextSeqAndIncrement(chat.GroupID, chat.KeyVersion, g.selfID)

	ciphertext, nonce, err := EncryptGroupMessage(key, plaintext)
	if err != nil {
		return SendResult{}, err
	}

	msg := GroupChatMessage{
		Type:             MsgTypeGroupMessage,
		GroupID:          chat.GroupID,
		KeyVersion:       chat.KeyVersion,
		SenderPeerID:     g.selfID,
		MessageID:        uuid.NewString(),
		Timestamp:        time.Now().UnixMilli(),
		MessageType:      messageType,
		Seq:              seq,
		EncryptedContent: ciphertext,
		Nonce:            nonce,
	}
	payload, err := CanonicalJSON(msg.Canonical())
	if err != nil {
		return SendResult{}, err
	}
	msg.Signature = SignEd25519(g.priv, payload)

	topic := GroupTopic(chat.GroupID, key)

	raw, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}

	publishedOnline := g.tryPublish(ctx, topic, chat.GroupID, raw)

	offlineErr := g.backupOffline(ctx, chat.GroupID, msg)

	result := SendResult{Success: true}
	switch {
	case publishedOnline:
		result.MessageSentStatus = DeliveryOnline
		if offlineErr != nil {
			result.Warning = fmt.Sprintf("offline backup failed: %v", offlineErr)
			g.backupMu.Lock()
			g.pendingOfflineBackups[msg.MessageID] = msg
			g.backupMu.Unlock()
			result.OfflineBackupRetry = msg.MessageID
		}
	case offlineErr == nil:
		result.MessageSentStatus = DeliveryOffline
	default:
		return SendResult{}, fmt.Errorf("send failed: online publish unreachable and offline backup failed: %w", offlineErr)
	}

	g.store.CreateMessage(msg.MessageID, chat.ChatID, g.selfID, raw)
	g.store.UpdateMemberSeq(chat.GroupID, chat.KeyVersion, g.selfID, seq)
	if g.OnMessageReceived != nil {
		g.OnMessageReceived(MessageReceivedEvent{
			GroupID:           chat.GroupID,
			ChatID:            chat.ChatID,
			MessageID:         msg.MessageID,
			SenderPeerID:      g.selfID,
			Plaintext:         plaintext,
			MessageSentStatus: result.MessageSentStatus,
		})
	}
	return result, nil
}

// tryPublish publishes to topic, retrying once after PublishRetryDelay if
// the node currently has no subscribers for it (spec §4.6 step 5).
func (g *GroupPubsub) tryPublish(ctx context.Context, topic, groupID string, raw []byte) bool {
	if err := g.node.Broadcast(topic, raw); err == nil && g.hasSubscribers(topic) {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(g.cfg.PublishRetryDelay):
	}
	g.ensureSubscribed(ctx, topic, groupID)
	if err := g.node.Broadcast(topic, raw); err != nil {
		return false
	}
	return g.hasSubscribers(topic)
}

// hasSubscribers is a conservative proxy for "publish reached ≥1 remote
// recipient": the underlying pubsub contract (spec §6) reports recipients
// per publish, which the Node wrapper does not currently surface, so this
// treats "we have any connected peer" as the signal.
func (g *GroupPubsub) hasSubscribers(topic string) bool {
	return g.node.ConnectedPeerCount() > 0
}

func (g *GroupPubsub) ensureSubscribed(ctx context.Context, topic, groupID string) {
	g.mu.Lock()
	_, ok := g.subscribedTopics[topic]
	g.mu.Unlock()
	if ok {
		return
	}
	ch, err := g.node.Subscribe(topic)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.subscribedTopics[topic] = groupID
	g.mu.Unlock()
	go g.receiveLoop(ctx, topic, ch)
}

// backupOffline stores msg in the sender's own group offline bucket so
// offline recipients can poll for it (spec §4.6 step 6).
func (g *GroupPubsub) backupOffline(ctx context.Context, groupID string, msg GroupChatMessage) error {
	if g.offline == nil {
		return fmt.Errorf("no offline bucket manager configured")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = g.offline.InsertMessage(ctx, groupID, raw, g.cfg.MessageTTL)
	return err
}

// RetryOfflineBackup retries a previously failed offline backup for
// messageID, as queued by SendMessage (spec §4.6 step 6, §5, §9).
func (g *GroupPubsub) RetryOfflineBackup(ctx context.Context, messageID string) error {
	g.backupMu.Lock()
	msg, ok := g.pendingOfflineBackups[messageID]
	g.backupMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending offline backup for message %s", messageID)
	}
	if err := g.backupOffline(ctx, msg.GroupID, msg); err != nil {
		return err
	}
	g.backupMu.Lock()
	delete(g.pendingOfflineBackups, messageID)
	g.backupMu.Unlock()
	return nil
}

func (g *GroupPubsub) receiveLoop(ctx context.Context, topic string, ch <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			g.handleIncoming(topic, m)
		}
	}
}

// handleIncoming implements the receive path (spec §4.6).
func (g *GroupPubsub) handleIncoming(topic string, m Message) {
	var msg GroupChatMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		pubsubLog.Debugf("malformed group message on %s: %v", topic, err)
		return
	}
	if msg.Type != MsgTypeGroupMessage {
		return
	}
	if msg.IsHeartbeat() {
		if len(msg.EncryptedContent) != 0 || len(msg.Nonce) != 0 || msg.Seq != 0 {
			return
		}
	} else if len(msg.EncryptedContent) == 0 || len(msg.Nonce) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	if msg.Timestamp > now+g.cfg.MessageMaxFutureSkew.Milliseconds() {
		return
	}
	if msg.IsHeartbeat() {
		if now-msg.Timestamp > g.cfg.HeartbeatMaxAge.Milliseconds() {
			return
		}
	} else if now-msg.Timestamp > g.cfg.MessageMaxAge.Milliseconds() {
		return
	}

	if msg.SenderPeerID == g.selfID {
		return
	}

	chat, ok := g.store.GetChat(msg.GroupID)
	if !ok || chat.Status != ChatStatusActive || chat.KeyVersion != msg.KeyVersion {
		return
	}
	entry, ok := g.store.GetGroupKeyForEpoch(chat.GroupID, chat.KeyVersion)
	if !ok {
		return
	}
	key, err := Base64Decode(entry.KeyB64)
	if err != nil || len(key) != 32 {
		return
	}
	if GroupTopic(chat.GroupID, key) != topic {
		return
	}

	if !g.store.IsParticipant(chat.ChatID, msg.SenderPeerID) {
		return
	}
	sender, ok := g.store.GetUser(msg.SenderPeerID)
	if !ok || len(sender.SigningPubKey) != ed25519.PublicKeySize {
		return
	}
	payload, err := CanonicalJSON(msg.Canonical())
	if err != nil {
		return
	}
	if !VerifyEd25519(ed25519.PublicKey(sender.SigningPubKey), payload, msg.Signature) {
		return
	}

	if msg.IsHeartbeat() {
		return
	}

	seqState, _ := g.store.GetMemberSeq(chat.GroupID, chat.KeyVersion, msg.SenderPeerID)
	if msg.Seq <= seqState.HighestSeq {
		return
	}
	if g.store.MessageExists(msg.MessageID) {
		return
	}

	plaintext, err := DecryptGroupMessage(key, msg.Nonce, msg.EncryptedContent)
	if err != nil {
		pubsubLog.Warnf("decrypt message %s failed: %v", msg.MessageID, err)
		return
	}

	g.store.CreateMessage(msg.MessageID, chat.ChatID, msg.SenderPeerID, plaintext)
	g.store.UpdateMemberSeq(chat.GroupID, chat.KeyVersion, msg.SenderPeerID, msg.Seq)
	if g.OnMessageReceived != nil {
		g.OnMessageReceived(MessageReceivedEvent{
			GroupID:           chat.GroupID,
			ChatID:            chat.ChatID,
			MessageID:         msg.MessageID,
			SenderPeerID:      msg.SenderPeerID,
			Plaintext:         plaintext,
			MessageSentStatus: DeliveryOnline,
		})
	}
}
