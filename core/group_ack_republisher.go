package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ackRepubLog = logrus.WithField("component", "group-ack-republisher")

// AckSender delivers a control-message payload to targetPeerID, ultimately
// by writing into the recipient's pairwise offline bucket (spec §4.5
// "republish paths"). The pairwise 1:1 messaging path itself is out of
// scope; callers supply a sender bound to whichever identity
// (creator or responder) is doing the sending.
type AckSender interface {
	Send(ctx context.Context, targetPeerID string, payload []byte) error
}

// OfflineBucketAckSender implements AckSender by inserting into the
// target's pairwise offline bucket, resolving the shared secret for
// (self, target) via secretFor.
type OfflineBucketAckSender struct {
	Manager   *OfflineBucketManager
	SecretFor func(targetPeerID string) string
	TTL       time.Duration
}

// Send implements AckSender.
func (s *OfflineBucketAckSender) Send(ctx context.Context, targetPeerID string, payload []byte) error {
	secret := s.SecretFor(targetPeerID)
	_, err := s.Manager.InsertMessage(ctx, secret, payload, s.TTL)
	return err
}

// GroupAckRepublisher drives at-least-once delivery of pending control
// messages until acknowledged, stale, or dropped (spec §4.5).
type GroupAckRepublisher struct {
	node       *Node
	store      GroupStore
	cfg        GroupConfig
	selfPeerID string

	creatorToMembers   AckSender
	responderToCreator AckSender

	mu       sync.Mutex
	inFlight bool
}

// NewGroupAckRepublisher wires the republisher to its two sending
// identities (spec §4.5 "republish paths") and the local node's own peer
// ID, needed to decide "am I the creator" for invite/welcome/state-update
// republishing.
func NewGroupAckRepublisher(node *Node, store GroupStore, cfg GroupConfig, selfPeerID string, creatorToMembers, responderToCreator AckSender) *GroupAckRepublisher {
	return &GroupAckRepublisher{node: node, store: store, cfg: cfg, selfPeerID: selfPeerID, creatorToMembers: creatorToMembers, responderToCreator: responderToCreator}
}

type ackDecision int

const (
	ackDrop ackDecision = iota
	ackSkip
	ackRepublish
)

// decide implements the per-message-type decision table from spec §4.5.
func (r *GroupAckRepublisher) decide(a PendingAck, now time.Time) (ackDecision, string) {
	switch a.MessageType {
	case MsgTypeGroupInvite:
		var inv GroupInvite
		if err := json.Unmarshal(a.RawPayload, &inv); err != nil {
			return ackDrop, "invalid_payload"
		}
		if inv.InviteID == "" || inv.ExpiresAt == 0 {
			return ackDrop, "invalid_payload"
		}
		if now.UnixMilli() > inv.ExpiresAt {
			return ackDrop, "expired"
		}
		chat, ok := r.store.GetChat(a.GroupID)
		if !ok {
			return ackDrop, "group_missing"
		}
		if chat.GroupCreatorPeerID != r.selfPeerID {
			return ackDrop, "not_creator"
		}
		if r.store.IsParticipant(chat.ChatID, a.TargetPeerID) {
			return ackDrop, "target_already_member"
		}
		if r.store.IsInviteDeliveryAckReceived(a.GroupID, a.TargetPeerID, inv.InviteID) {
			return ackSkip, "invite_ack_received"
		}
		return ackRepublish, ""

	case MsgTypeGroupInviteResponse:
		var resp GroupInviteResponse
		if err := json.Unmarshal(a.RawPayload, &resp); err != nil {
			return ackDrop, "invalid_payload"
		}
		if resp.Timestamp == 0 {
			return ackDrop, "invalid_payload"
		}
		if now.UnixMilli() > resp.Timestamp+r.cfg.InviteLifetime.Milliseconds() {
			return ackDrop, "expired"
		}
		chat, ok := r.store.GetChat(a.GroupID)
		if !ok {
			return ackDrop, "group_missing"
		}
		switch chat.GroupStatus {
		case GroupStatusInviteExpired, GroupStatusLeft, GroupStatusRemoved:
			return ackDrop, "stale_status"
		}
		if chat.GroupCreatorPeerID != a.TargetPeerID {
			return ackDrop, "not_target_creator"
		}
		return ackRepublish, ""

	case MsgTypeGroupWelcome, MsgTypeGroupStateUpdate:
		var generic struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(a.RawPayload, &generic); err != nil || generic.MessageID == "" {
			return ackDrop, "invalid_payload"
		}
		chat, ok := r.store.GetChat(a.GroupID)
		if !ok {
			return ackDrop, "group_missing"
		}
		if chat.GroupCreatorPeerID != r.selfPeerID {
			return ackDrop, "not_creator"
		}
		if !r.store.IsParticipant(chat.ChatID, a.TargetPeerID) {
			return ackDrop, "target_not_member"
		}
		return ackRepublish, ""

	default:
		return ackDrop, "unknown_type"
	}
}

// RunCycle drives one pass over every PendingAck (spec §4.5 "cycle"). A
// second concurrent call while one is in flight is a no-op.
func (r *GroupAckRepublisher) RunCycle(ctx context.Context) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	noPeers := r.node != nil && r.node.ConnectedPeerCount() == 0
	now := time.Now()

	for _, a := range r.store.GetAllPendingAcks() {
		decision, reason := r.decide(a, now)
		switch decision {
		case ackDrop:
			ackRepubLog.Infof("dropping pending ack %s/%s/%s: %s", a.GroupID, a.TargetPeerID, a.MessageType, reason)
			r.store.RemovePendingAck(a.GroupID, a.TargetPeerID, a.MessageType)
			if a.MessageType == MsgTypeGroupInvite {
				r.store.RemoveInviteDeliveryAcksForMember(a.GroupID, a.TargetPeerID)
			}
		case ackSkip:
			continue
		case ackRepublish:
			if noPeers {
				continue
			}
			sender := r.creatorToMembers
			if a.MessageType == MsgTypeGroupInviteResponse {
				sender = r.responderToCreator
			}
			if err := sender.Send(ctx, a.TargetPeerID, a.RawPayload); err != nil {
				ackRepubLog.Warnf("republish %s/%s/%s failed: %v", a.GroupID, a.TargetPeerID, a.MessageType, err)
				continue
			}
			a.LastPublished = now.Unix()
			r.store.PutPendingAck(a)
		}
	}
}
