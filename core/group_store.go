package core

import (
	"errors"
	"sort"
	"sync"
)

// GroupStore is the local-database contract consumed by the group-messaging
// components (spec §6 "Local DB contract"). The Electron/SQLite layer that
// satisfies this in the original system is out of scope; MemoryGroupStore
// below is a reference implementation used by tests and the CLI.
type GroupStore interface {
	// Chats / participants / users.
	GetChat(groupID string) (Chat, bool)
	PutChat(c Chat)
	ListChats() []Chat
	Participants(chatID int64) []Participant
	IsParticipant(chatID int64, peerID string) bool
	AddParticipant(p Participant)
	RemoveParticipant(chatID int64, peerID string)
	GetUser(peerID string) (User, bool)
	PutUser(u User)

	// group_key_history.
	GetGroupKeyForEpoch(groupID string, keyVersion int64) (GroupKeyHistoryEntry, bool)
	PutGroupKeyHistory(e GroupKeyHistoryEntry)
	UpdateGroupKeyStateHash(groupID string, keyVersion int64, stateHash string) error
	MarkGroupKeyUsedUntil(groupID string, keyVersion int64, usedUntil int64) error

	// member_seq.
	GetMemberSeq(groupID string, keyVersion int64, peerID string) (MemberSeq, bool)
	UpdateMemberSeq(groupID string, keyVersion int64, peerID string, seq int64)
	GetNextSeqAndIncrement(groupID string, keyVersion int64, peerID string) int64

	// pending_acks / invite_delivery_acks.
	GetAllPendingAcks() []PendingAck
	PutPendingAck(a PendingAck)
	RemovePendingAck(groupID, targetPeerID, messageType string)
	IsInviteDeliveryAckReceived(groupID, targetPeerID, inviteID string) bool
	PutInviteDeliveryAck(a InviteDeliveryAck)
	RemoveInviteDeliveryAcksForMember(groupID, targetPeerID string)

	// pending_group_info_publishes.
	GetDuePendingGroupInfoPublishes(now int64, limit int) []PendingGroupInfoPublish
	PutPendingGroupInfoPublish(p PendingGroupInfoPublish)
	MarkPendingGroupInfoPublishAttempt(groupID string, keyVersion int64, nextRetryAt int64, lastErr string)
	RemovePendingGroupInfoPublish(groupID string, keyVersion int64)

	// Message table.
	CreateMessage(id string, chatID int64, senderPeerID string, payload []byte)
	MessageExists(id string) bool
}

// ErrGroupMissing / ErrEpochMissing are returned by UpdateGroupKeyStateHash
// and MarkGroupKeyUsedUntil when the group or its key epoch is not stored.
var (
	ErrGroupMissing = errors.New("group chat not found locally")
	ErrEpochMissing = errors.New("key_version epoch not found locally")
)

// MemoryGroupStore is an in-memory GroupStore, sufficient for tests, the
// CLI demo commands and single-process deployments.
type MemoryGroupStore struct {
	mu sync.Mutex

	chats        map[string]Chat
	participants map[int64][]Participant
	users        map[string]User
	keyHistory   map[string]map[int64]GroupKeyHistoryEntry
	memberSeq    map[string]*MemberSeq
	pendingAcks  map[string]PendingAck
	inviteAcks   map[string]InviteDeliveryAck
	pendingInfo  map[string]PendingGroupInfoPublish
	messages     map[string]struct {
		chatID int64
		sender string
		raw    []byte
	}
}

// NewMemoryGroupStore creates an empty in-memory store.
func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{
		chats:        make(map[string]Chat),
		participants: make(map[int64][]Participant),
		users:        make(map[string]User),
		keyHistory:   make(map[string]map[int64]GroupKeyHistoryEntry),
		memberSeq:    make(map[string]*MemberSeq),
		pendingAcks:  make(map[string]PendingAck),
		inviteAcks:   make(map[string]InviteDeliveryAck),
		pendingInfo:  make(map[string]PendingGroupInfoPublish),
		messages: make(map[string]struct {
			chatID int64
			sender string
			raw    []byte
		}),
	}
}

func (s *MemoryGroupStore) GetChat(groupID string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[groupID]
	return c, ok
}

func (s *MemoryGroupStore) PutChat(c Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.GroupID] = c
}

// ListChats returns every locally known chat, the source the subscription
// reconciler (spec §4.6) walks to compute its expected topic set.
func (s *MemoryGroupStore) ListChats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (s *MemoryGroupStore) Participants(chatID int64) []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, len(s.participants[chatID]))
	copy(out, s.participants[chatID])
	return out
}

func (s *MemoryGroupStore) IsParticipant(chatID int64, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[chatID] {
		if p.PeerID == peerID {
			return true
		}
	}
	return false
}

func (s *MemoryGroupStore) AddParticipant(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.participants[p.ChatID] {
		if ex.PeerID == p.PeerID {
			return
		}
	}
	s.participants[p.ChatID] = append(s.participants[p.ChatID], p)
}

func (s *MemoryGroupStore) RemoveParticipant(chatID int64, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.participants[chatID]
	for i, p := range list {
		if p.PeerID == peerID {
			s.participants[chatID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *MemoryGroupStore) GetUser(peerID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[peerID]
	return u, ok
}

func (s *MemoryGroupStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.PeerID] = u
}

func keyHistoryKey(groupID string, keyVersion int64) (string, int64) { return groupID, keyVersion }

func (s *MemoryGroupStore) GetGroupKeyForEpoch(groupID string, keyVersion int64) (GroupKeyHistoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, v := keyHistoryKey(groupID, keyVersion)
	byVer, ok := s.keyHistory[g]
	if !ok {
		return GroupKeyHistoryEntry{}, false
	}
	e, ok := byVer[v]
	return e, ok
}

func (s *MemoryGroupStore) PutGroupKeyHistory(e GroupKeyHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyHistory[e.GroupID] == nil {
		s.keyHistory[e.GroupID] = make(map[int64]GroupKeyHistoryEntry)
	}
	s.keyHistory[e.GroupID][e.KeyVersion] = e
}

func (s *MemoryGroupStore) UpdateGroupKeyStateHash(groupID string, keyVersion int64, stateHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVer, ok := s.keyHistory[groupID]
	if !ok {
		return ErrGroupMissing
	}
	e, ok := byVer[keyVersion]
	if !ok {
		return ErrEpochMissing
	}
	e.StateHash = stateHash
	byVer[keyVersion] = e
	return nil
}

func (s *MemoryGroupStore) MarkGroupKeyUsedUntil(groupID string, keyVersion int64, usedUntil int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVer, ok := s.keyHistory[groupID]
	if !ok {
		return ErrGroupMissing
	}
	e, ok := byVer[keyVersion]
	if !ok {
		return ErrEpochMissing
	}
	e.UsedUntil = usedUntil
	byVer[keyVersion] = e
	return nil
}

func memberSeqKey(groupID string, keyVersion int64, peerID string) string {
	return groupID + "\x00" + peerID + "\x00" + itoa(keyVersion)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *MemoryGroupStore) GetMemberSeq(groupID string, keyVersion int64, peerID string) (MemberSeq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberSeq[memberSeqKey(groupID, keyVersion, peerID)]
	if !ok {
		return MemberSeq{}, false
	}
	return *m, true
}

func (s *MemoryGroupStore) UpdateMemberSeq(groupID string, keyVersion int64, peerID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberSeqKey(groupID, keyVersion, peerID)
	m, ok := s.memberSeq[k]
	if !ok {
		m = &MemberSeq{GroupID: groupID, KeyVersion: keyVersion, PeerID: peerID}
		s.memberSeq[k] = m
	}
	if seq > m.HighestSeq {
		m.HighestSeq = seq
	}
}

// GetNextSeqAndIncrement atomically allocates the next send sequence for
// (group, epoch, peerID) — the sender's own persistent counter.
func (s *MemoryGroupStore) GetNextSeqAndIncrement(groupID string, keyVersion int64, peerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberSeqKey(groupID, keyVersion, peerID)
	m, ok := s.memberSeq[k]
	if !ok {
		m = &MemberSeq{GroupID: groupID, KeyVersion: keyVersion, PeerID: peerID}
		s.memberSeq[k] = m
	}
	m.SendCounter++
	return m.SendCounter
}

func pendingAckKey(groupID, targetPeerID, messageType string) string {
	return groupID + "\x00" + targetPeerID + "\x00" + messageType
}

func (s *MemoryGroupStore) GetAllPendingAcks() []PendingAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingAck, 0, len(s.pendingAcks))
	for _, a := range s.pendingAcks {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		if out[i].TargetPeerID != out[j].TargetPeerID {
			return out[i].TargetPeerID < out[j].TargetPeerID
		}
		return out[i].MessageType < out[j].MessageType
	})
	return out
}

func (s *MemoryGroupStore) PutPendingAck(a PendingAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAcks[pendingAckKey(a.GroupID, a.TargetPeerID, a.MessageType)] = a
}

func (s *MemoryGroupStore) RemovePendingAck(groupID, targetPeerID, messageType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingAcks, pendingAckKey(groupID, targetPeerID, messageType))
}

func inviteAckKey(groupID, targetPeerID, inviteID string) string {
	return groupID + "\x00" + targetPeerID + "\x00" + inviteID
}

func (s *MemoryGroupStore) IsInviteDeliveryAckReceived(groupID, targetPeerID, inviteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inviteAcks[inviteAckKey(groupID, targetPeerID, inviteID)]
	return ok
}

func (s *MemoryGroupStore) PutInviteDeliveryAck(a InviteDeliveryAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inviteAcks[inviteAckKey(a.GroupID, a.TargetPeerID, a.InviteID)] = a
}

func (s *MemoryGroupStore) RemoveInviteDeliveryAcksForMember(groupID, targetPeerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := groupID + "\x00" + targetPeerID + "\x00"
	for k := range s.inviteAcks {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.inviteAcks, k)
		}
	}
}

func pendingInfoKey(groupID string, keyVersion int64) string {
	return groupID + "\x00" + itoa(keyVersion)
}

func (s *MemoryGroupStore) GetDuePendingGroupInfoPublishes(now int64, limit int) []PendingGroupInfoPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingGroupInfoPublish, 0, len(s.pendingInfo))
	for _, p := range s.pendingInfo {
		if p.NextRetryAt <= now {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].KeyVersion < out[j].KeyVersion
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryGroupStore) PutPendingGroupInfoPublish(p PendingGroupInfoPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInfo[pendingInfoKey(p.GroupID, p.KeyVersion)] = p
}

func (s *MemoryGroupStore) MarkPendingGroupInfoPublishAttempt(groupID string, keyVersion int64, nextRetryAt int64, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pendingInfoKey(groupID, keyVersion)
	p, ok := s.pendingInfo[k]
	if !ok {
		return
	}
	p.Attempts++
	p.NextRetryAt = nextRetryAt
	p.LastError = lastErr
	s.pendingInfo[k] = p
}

func (s *MemoryGroupStore) RemovePendingGroupInfoPublish(groupID string, keyVersion int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingInfo, pendingInfoKey(groupID, keyVersion))
}

func (s *MemoryGroupStore) CreateMessage(id string, chatID int64, senderPeerID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; ok {
		return
	}
	s.messages[id] = struct {
		chatID int64
		sender string
		raw    []byte
	}{chatID, senderPeerID, append([]byte(nil), payload...)}
}

func (s *MemoryGroupStore) MessageExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	return ok
}

var _ GroupStore = (*MemoryGroupStore)(nil)
