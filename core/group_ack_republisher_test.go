package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []string
	fail bool
}

func (s *recordingSender) Send(ctx context.Context, targetPeerID string, payload []byte) error {
	if s.fail {
		return errAlwaysReject
	}
	s.sent = append(s.sent, targetPeerID)
	return nil
}

func newAckRepublisher(store GroupStore, cfg GroupConfig, creatorToMembers, responderToCreator AckSender) *GroupAckRepublisher {
	return NewGroupAckRepublisher(nil, store, cfg, "creator", creatorToMembers, responderToCreator)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestGroupAckRepublisherInviteDecisions(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, CreatedBy: "creator", GroupCreatorPeerID: "creator"})

	r := newAckRepublisher(store, cfg, nil, nil)

	expired := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv1", GroupID: "g1", ExpiresAt: now.Add(-time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})}
	decision, reason := r.decide(expired, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "expired", reason)

	store.AddParticipant(Participant{ChatID: 1, PeerID: "bob"})
	alreadyMember := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv2", GroupID: "g1", ExpiresAt: now.Add(time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(alreadyMember, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "target_already_member", reason)

	store.RemoveParticipant(1, "bob")
	store.PutInviteDeliveryAck(InviteDeliveryAck{GroupID: "g1", TargetPeerID: "bob", InviteID: "inv3"})
	acked := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv3", GroupID: "g1", ExpiresAt: now.Add(time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(acked, now)
	require.Equal(t, ackSkip, decision)
	require.Equal(t, "invite_ack_received", reason)

	live := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv4", GroupID: "g1", ExpiresAt: now.Add(time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(live, now)
	require.Equal(t, ackRepublish, decision)
	require.Empty(t, reason)
}

func TestGroupAckRepublisherInviteResponseDecisions(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, GroupCreatorPeerID: "creator"})
	r := newAckRepublisher(store, cfg, nil, nil)

	stale := PendingAck{GroupID: "g1", TargetPeerID: "creator", MessageType: MsgTypeGroupInviteResponse,
		RawPayload: mustJSON(t, GroupInviteResponse{InviteID: "inv1", GroupID: "g1", Accepted: true, Timestamp: now.UnixMilli()})}
	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusLeft, GroupCreatorPeerID: "creator"})
	decision, reason := r.decide(stale, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "stale_status", reason)

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, GroupCreatorPeerID: "creator"})
	notCreator := PendingAck{GroupID: "g1", TargetPeerID: "someone-else", MessageType: MsgTypeGroupInviteResponse,
		RawPayload: mustJSON(t, GroupInviteResponse{InviteID: "inv1", GroupID: "g1", Accepted: true, Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(notCreator, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "not_target_creator", reason)

	ok := PendingAck{GroupID: "g1", TargetPeerID: "creator", MessageType: MsgTypeGroupInviteResponse,
		RawPayload: mustJSON(t, GroupInviteResponse{InviteID: "inv1", GroupID: "g1", Accepted: true, Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(ok, now)
	require.Equal(t, ackRepublish, decision)
	require.Empty(t, reason)
}

func TestGroupAckRepublisherWelcomeAndStateUpdateDecisions(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()
	r := newAckRepublisher(store, cfg, nil, nil)

	missingGroup := PendingAck{GroupID: "ghost", TargetPeerID: "bob", MessageType: MsgTypeGroupWelcome,
		RawPayload: mustJSON(t, GroupWelcome{MessageID: "m1", GroupID: "ghost", Timestamp: now.UnixMilli()})}
	decision, reason := r.decide(missingGroup, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "group_missing", reason)

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, CreatedBy: "creator", GroupCreatorPeerID: "creator"})
	notMember := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupStateUpdate,
		RawPayload: mustJSON(t, GroupStateUpdate{MessageID: "m1", GroupID: "g1", Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(notMember, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "target_not_member", reason)

	store.AddParticipant(Participant{ChatID: 1, PeerID: "bob"})
	ok := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupStateUpdate,
		RawPayload: mustJSON(t, GroupStateUpdate{MessageID: "m1", GroupID: "g1", Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(ok, now)
	require.Equal(t, ackRepublish, decision)
	require.Empty(t, reason)
}

func TestGroupAckRepublisherDropsWhenSelfIsNotCreator(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, CreatedBy: "creator", GroupCreatorPeerID: "creator"})
	r := NewGroupAckRepublisher(nil, store, cfg, "someone-else", nil, nil)

	invite := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv1", GroupID: "g1", ExpiresAt: now.Add(time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})}
	decision, reason := r.decide(invite, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "not_creator", reason)

	welcome := PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupWelcome,
		RawPayload: mustJSON(t, GroupWelcome{MessageID: "m1", GroupID: "g1", Timestamp: now.UnixMilli()})}
	decision, reason = r.decide(welcome, now)
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "not_creator", reason)
}

func TestGroupAckRepublisherUnknownTypeIsDropped(t *testing.T) {
	store := NewMemoryGroupStore()
	r := newAckRepublisher(store, DefaultGroupConfig(), nil, nil)
	decision, reason := r.decide(PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: "BOGUS"}, time.Now())
	require.Equal(t, ackDrop, decision)
	require.Equal(t, "unknown_type", reason)
}

func TestGroupAckRepublisherRunCycleRepublishesAndTracksLastPublished(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, CreatedBy: "creator", GroupCreatorPeerID: "creator"})
	store.PutPendingAck(PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv1", GroupID: "g1", ExpiresAt: now.Add(time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})})

	sender := &recordingSender{}
	r := newAckRepublisher(store, cfg, sender, &recordingSender{})
	r.RunCycle(context.Background())

	require.Equal(t, []string{"bob"}, sender.sent)
	all := store.GetAllPendingAcks()
	require.Len(t, all, 1)
	require.NotZero(t, all[0].LastPublished)
}

func TestGroupAckRepublisherRunCycleDropsRemovesInviteAcks(t *testing.T) {
	store := NewMemoryGroupStore()
	cfg := DefaultGroupConfig()
	now := time.Now()

	store.PutChat(Chat{ChatID: 1, GroupID: "g1", Status: ChatStatusActive, GroupStatus: GroupStatusActive, CreatedBy: "creator", GroupCreatorPeerID: "creator"})
	store.PutInviteDeliveryAck(InviteDeliveryAck{GroupID: "g1", TargetPeerID: "bob", InviteID: "inv1"})
	store.PutPendingAck(PendingAck{GroupID: "g1", TargetPeerID: "bob", MessageType: MsgTypeGroupInvite,
		RawPayload: mustJSON(t, GroupInvite{InviteID: "inv1", GroupID: "g1", ExpiresAt: now.Add(-time.Hour).UnixMilli(), Timestamp: now.UnixMilli()})})

	r := newAckRepublisher(store, cfg, &recordingSender{}, &recordingSender{})
	r.RunCycle(context.Background())

	require.Empty(t, store.GetAllPendingAcks())
	require.False(t, store.IsInviteDeliveryAckReceived("g1", "bob", "inv1"))
}

func TestGroupAckRepublisherRunCycleGuardsAgainstReentry(t *testing.T) {
	store := NewMemoryGroupStore()
	r := newAckRepublisher(store, DefaultGroupConfig(), &recordingSender{}, &recordingSender{})
	r.inFlight = true
	r.RunCycle(context.Background())
	// No panic and no state change: the in-flight guard made RunCycle a no-op.
	require.True(t, r.inFlight)
}
