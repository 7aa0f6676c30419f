package core

// Group chat status values (chat.status).
const (
	ChatStatusActive  = "active"
	ChatStatusPending = "pending"
	ChatStatusLeft    = "left"
	ChatStatusRemoved = "removed"
)

// Group membership status values (chat.group_status).
const (
	GroupStatusActive        = "active"
	GroupStatusInviteExpired = "invite_expired"
	GroupStatusLeft          = "left"
	GroupStatusRemoved       = "removed"
)

// Control / pubsub message type discriminators.
const (
	MsgTypeGroupInvite         = "GROUP_INVITE"
	MsgTypeGroupInviteResponse = "GROUP_INVITE_RESPONSE"
	MsgTypeGroupWelcome        = "GROUP_WELCOME"
	MsgTypeGroupStateUpdate    = "GROUP_STATE_UPDATE"
	MsgTypeGroupMessage        = "GROUP_MESSAGE"
)

// GroupMessage payload "messageType" variants carried inside a
// MsgTypeGroupMessage envelope.
const (
	GroupMessageTypeHeartbeat = "heartbeat"
	GroupMessageTypeText      = "text"
	GroupMessageTypeSystem    = "system"
)

// Delivery outcome reported to callers of the send path.
const (
	DeliveryOnline  = "online"
	DeliveryOffline = "offline"
)

// Chat is the local record for a group conversation (spec §3 "Chat").
type Chat struct {
	ChatID             int64  `json:"chat_id"`
	GroupID            string `json:"group_id"`
	CreatedBy          string `json:"created_by"`
	Status             string `json:"status"`
	GroupStatus        string `json:"group_status"`
	KeyVersion         int64  `json:"key_version"`
	GroupCreatorPeerID string `json:"group_creator_peer_id"`
}

// Participant is a (chat_id, peer_id) membership row.
type Participant struct {
	ChatID int64  `json:"chat_id"`
	PeerID string `json:"peer_id"`
}

// User is a known peer's identity record, as consumed by signature
// verification on the receive path.
type User struct {
	PeerID        string `json:"peer_id"`
	Username      string `json:"username,omitempty"`
	SigningPubKey []byte `json:"signing_pub_key"`
}

// GroupKeyHistoryEntry is one row of group_key_history (spec §3, §6).
type GroupKeyHistoryEntry struct {
	GroupID     string `json:"group_id"`
	KeyVersion  int64  `json:"key_version"`
	KeyB64      string `json:"key_b64"`
	ActivatedAt int64  `json:"activated_at"`
	UsedUntil   int64  `json:"used_until,omitempty"`
	StateHash   string `json:"state_hash,omitempty"`
}

// MemberSeq is the per-(group, epoch, peer) high-water sequence row.
type MemberSeq struct {
	GroupID     string `json:"group_id"`
	KeyVersion  int64  `json:"key_version"`
	PeerID      string `json:"peer_id"`
	HighestSeq  int64  `json:"highest_seq"`
	SendCounter int64  `json:"send_counter"`
}

// PendingAck is a queued control-message delivery awaiting acknowledgement
// (spec §3 "Pending ACK row").
type PendingAck struct {
	GroupID        string `json:"group_id"`
	TargetPeerID   string `json:"target_peer_id"`
	MessageType    string `json:"message_type"`
	RawPayload     []byte `json:"raw_payload"`
	CreatedAt      int64  `json:"created_at"`
	LastPublished  int64  `json:"last_published_at"`
}

// InviteDeliveryAck records that a GROUP_INVITE reached its
// target, short-circuiting further republishing of the matching PendingAck.
type InviteDeliveryAck struct {
	GroupID      string `json:"group_id"`
	TargetPeerID string `json:"target_peer_id"`
	InviteID     string `json:"invite_id"`
}

// PendingGroupInfoPublish is the retry-state row for an in-flight
// group-info publish (spec §3, §4.4).
type PendingGroupInfoPublish struct {
	GroupID         string `json:"group_id"`
	KeyVersion      int64  `json:"key_version"`
	VersionedPayload []byte `json:"versioned_payload"`
	LatestPayload    []byte `json:"latest_payload"`
	VersionedDHTKey  string `json:"versioned_dht_key"`
	LatestDHTKey     string `json:"latest_dht_key"`
	Attempts         int    `json:"attempts"`
	NextRetryAt      int64  `json:"next_retry_at"`
	LastError        string `json:"last_error,omitempty"`
}

// OfflineMessage is one message element inside an OfflineStoreEnvelope.
type OfflineMessage struct {
	ID            string `json:"id"`
	SignedPayload []byte `json:"signed_payload"`
	Signature     []byte `json:"signature"`
	ContentHash   string `json:"content_hash"`
	SenderInfoHash string `json:"sender_info_hash"`
	BucketKey     string `json:"bucket_key"`
	Timestamp     int64  `json:"timestamp"`
	ExpiresAt     int64  `json:"expires_at"`
}

// StoreSignedPayload is the canonicalized, signed metadata over an
// OfflineStoreEnvelope (spec §3).
type StoreSignedPayload struct {
	MessageIDs  []string `json:"message_ids"`
	Version     int64    `json:"version"`
	Timestamp   int64    `json:"timestamp"`
	BucketKey   string   `json:"bucket_key"`
	HighestSeq  int64    `json:"highest_seq,omitempty"`
}

// OfflineStoreEnvelope is the gzip+JSON value stored under an offline
// bucket DHT key (spec §3).
type OfflineStoreEnvelope struct {
	Messages           []OfflineMessage    `json:"messages"`
	LastUpdated        int64               `json:"last_updated"`
	Version            int64               `json:"version"`
	StoreSignature     []byte              `json:"store_signature"`
	StoreSignedPayload StoreSignedPayload  `json:"store_signed_payload"`
}

// GroupInfoLatest is the mutable "latest" pointer record (spec §3).
type GroupInfoLatest struct {
	GroupID          string `json:"groupId"`
	LatestVersion    int64  `json:"latestVersion"`
	LatestStateHash  string `json:"latestStateHash"`
	LastUpdated      int64  `json:"lastUpdated"`
	CreatorSignature []byte `json:"creatorSignature"`
}

// GroupInfoVersioned is the immutable per-epoch snapshot record (spec §3).
type GroupInfoVersioned struct {
	GroupID             string            `json:"groupId"`
	Version             int64             `json:"version"`
	PrevVersionHash     string            `json:"prevVersionHash,omitempty"`
	Members             []string          `json:"members"`
	MemberSigningPubKeys map[string]string `json:"memberSigningPubKeys"`
	ActivatedAt         int64             `json:"activatedAt"`
	SenderSeqBoundaries map[string]int64  `json:"senderSeqBoundaries"`
	StateHash           string            `json:"stateHash"`
	CreatorSignature    []byte            `json:"creatorSignature"`
}

// Canonical returns l with CreatorSignature zeroed, the payload the
// creator's signature over a group-info latest record is computed over
// (spec §4.4 "creatorSignature ... over their canonical payloads").
func (l GroupInfoLatest) Canonical() GroupInfoLatest {
	l.CreatorSignature = nil
	return l
}

// Canonical returns v with CreatorSignature zeroed, the payload the
// creator's signature over a group-info versioned record is computed over
// (spec §4.4 "creatorSignature ... over their canonical payloads").
func (v GroupInfoVersioned) Canonical() GroupInfoVersioned {
	v.CreatorSignature = nil
	return v
}

// GroupInvite is a control message inviting a peer into a group.
type GroupInvite struct {
	InviteID   string `json:"inviteId"`
	GroupID    string `json:"groupId"`
	ExpiresAt  int64  `json:"expiresAt"`
	Timestamp  int64  `json:"timestamp"`
	Signature  []byte `json:"signature,omitempty"`
}

// GroupInviteResponse is the invitee's accept/decline reply.
type GroupInviteResponse struct {
	InviteID   string `json:"inviteId"`
	GroupID    string `json:"groupId"`
	Accepted   bool   `json:"accepted"`
	Timestamp  int64  `json:"timestamp"`
	Signature  []byte `json:"signature,omitempty"`
}

// GroupWelcome carries the current epoch key to a newly accepted member.
type GroupWelcome struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

// GroupStateUpdate notifies members of a membership/epoch change.
type GroupStateUpdate struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

// GroupChatMessage is the pubsub wire envelope for both heartbeats and
// content messages (spec §4.6).
type GroupChatMessage struct {
	Type             string `json:"type"`
	GroupID          string `json:"groupId"`
	KeyVersion       int64  `json:"keyVersion"`
	SenderPeerID     string `json:"senderPeerId"`
	MessageID        string `json:"messageId"`
	Timestamp        int64  `json:"timestamp"`
	MessageType      string `json:"messageType"`
	Seq              int64  `json:"seq,omitempty"`
	EncryptedContent []byte `json:"encryptedContent,omitempty"`
	Nonce            []byte `json:"nonce,omitempty"`
	Signature        []byte `json:"signature,omitempty"`
}

// Canonical returns msg with Signature zeroed, matching "§4.6 canonical
// signing payload: the object minus the signature field".
func (m GroupChatMessage) Canonical() GroupChatMessage {
	m.Signature = nil
	return m
}

// IsHeartbeat reports whether m is the contentless heartbeat variant.
func (m GroupChatMessage) IsHeartbeat() bool {
	return m.MessageType == GroupMessageTypeHeartbeat
}

// SendResult is returned to the caller of the group-message send path
// (spec §4.6, §7 "user-visible behavior").
type SendResult struct {
	Success            bool   `json:"success"`
	MessageSentStatus  string `json:"messageSentStatus"`
	Warning            string `json:"warning,omitempty"`
	OfflineBackupRetry string `json:"offlineBackupRetry,omitempty"`
}
