package cli

// -----------------------------------------------------------------------------
// group.go – group-chat CLI
// -----------------------------------------------------------------------------
// Commands after RegisterGroup(root):
//   group create   <group-id>
//   group invite   <group-id> <peer-id>
//   group send     <group-id> <text>
//   group list     <group-id>
//   group reconcile
// -----------------------------------------------------------------------------

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiyeovo/groupchat-core/core"
)

var (
	groupOnce sync.Once

	groupDHT      *core.Kademlia
	groupStore    core.GroupStore
	groupOffline  *core.OfflineBucketManager
	groupPubsub   *core.GroupPubsub
	groupAckRepub *core.GroupAckRepublisher
	groupInfoPub  *core.GroupInfoPublisher
	groupRepub    *core.DHTRepublisher
	groupPriv     ed25519.PrivateKey
	groupSelfID   string
	groupCfg      = core.DefaultGroupConfig()
)

func groupInit(cmd *cobra.Command, args []string) error {
	if err := netInit(cmd, args); err != nil {
		return err
	}
	groupOnce.Do(func() {
		netMu.RLock()
		n := netNode
		netMu.RUnlock()

		groupSelfID = string(n.ID())
		pub, priv, err := ed25519.GenerateKey(crand.Reader)
		if err != nil {
			panic(fmt.Sprintf("generate signing key: %v", err))
		}
		groupPriv = priv

		groupDHT = core.NewKademlia(n.ID())
		groupDHT.RegisterValidator(core.OfflineBucketPrefix, core.NewOfflineBucketValidator(groupCfg))
		groupDHT.RegisterSelector(core.OfflineBucketPrefix, core.OfflineBucketSelector{})

		groupStore = core.NewMemoryGroupStore()
		groupStore.PutUser(core.User{PeerID: groupSelfID, SigningPubKey: pub})

		groupRepub = core.NewDHTRepublisher(groupDHT, groupCfg.DHTRepublishInterval, groupCfg.DHTRepublishJitter)
		groupRepub.Start()

		groupOffline = core.NewOfflineBucketManager(n, groupDHT, groupRepub, groupCfg, groupPriv)
		groupPubsub = core.NewGroupPubsub(n, groupStore, groupOffline, groupCfg, groupSelfID, groupPriv)
		groupInfoPub = core.NewGroupInfoPublisher(n, groupDHT, groupStore, groupCfg, groupPriv)

		creatorSender := &core.OfflineBucketAckSender{
			Manager:   groupOffline,
			SecretFor: func(targetPeerID string) string { return "pairwise-" + targetPeerID },
			TTL:       groupCfg.InviteLifetime,
		}
		responderSender := &core.OfflineBucketAckSender{
			Manager:   groupOffline,
			SecretFor: func(targetPeerID string) string { return "pairwise-" + targetPeerID },
			TTL:       groupCfg.InviteLifetime,
		}
		groupAckRepub = core.NewGroupAckRepublisher(n, groupStore, groupCfg, groupSelfID, creatorSender, responderSender)
	})
	return nil
}

func groupCreate(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	key := make([]byte, 32)
	if _, err := crand.Read(key); err != nil {
		return err
	}
	chat := core.Chat{
		ChatID:             time.Now().UnixNano(),
		GroupID:            groupID,
		CreatedBy:          groupSelfID,
		Status:             core.ChatStatusActive,
		GroupStatus:        core.GroupStatusActive,
		KeyVersion:         1,
		GroupCreatorPeerID: groupSelfID,
	}
	groupStore.PutChat(chat)
	groupStore.PutGroupKeyHistory(core.GroupKeyHistoryEntry{
		GroupID:     groupID,
		KeyVersion:  1,
		KeyB64:      core.Base64Encode(key),
		ActivatedAt: time.Now().Unix(),
	})
	groupStore.AddParticipant(core.Participant{ChatID: chat.ChatID, PeerID: groupSelfID})

	versioned := core.GroupInfoVersioned{
		GroupID:              groupID,
		Version:              1,
		Members:              []string{groupSelfID},
		MemberSigningPubKeys: map[string]string{groupSelfID: core.Base64Encode(groupPriv.Public().(ed25519.PublicKey))},
		ActivatedAt:          time.Now().Unix(),
		SenderSeqBoundaries:  map[string]int64{},
		StateHash:            core.Sha256Base64([]byte(groupID + ":1")),
	}
	latest := core.GroupInfoLatest{
		GroupID:         groupID,
		LatestVersion:   1,
		LatestStateHash: versioned.StateHash,
		LastUpdated:     time.Now().Unix(),
	}
	if err := groupInfoPub.PublishNewEpoch(cmd.Context(), versioned, latest); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "group %s created (self=%s)\n", groupID, groupSelfID)
	return nil
}

func groupInvite(cmd *cobra.Command, args []string) error {
	groupID, targetPeerID := args[0], args[1]
	chat, ok := groupStore.GetChat(groupID)
	if !ok {
		return fmt.Errorf("unknown group %s", groupID)
	}
	inv := core.GroupInvite{
		InviteID:  uuid.NewString(),
		GroupID:   groupID,
		ExpiresAt: time.Now().Add(groupCfg.InviteLifetime).UnixMilli(),
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	groupStore.PutPendingAck(core.PendingAck{
		GroupID:      chat.GroupID,
		TargetPeerID: targetPeerID,
		MessageType:  core.MsgTypeGroupInvite,
		RawPayload:   raw,
		CreatedAt:    time.Now().Unix(),
	})
	fmt.Fprintf(cmd.OutOrStdout(), "invite %s queued for %s\n", inv.InviteID, targetPeerID)
	return nil
}

func groupSend(cmd *cobra.Command, args []string) error {
	groupID, text := args[0], args[1]
	result, err := groupPubsub.SendMessage(cmd.Context(), groupID, core.GroupMessageTypeText, []byte(text))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent: status=%s warning=%q\n", result.MessageSentStatus, result.Warning)
	return nil
}

func groupList(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	chat, ok := groupStore.GetChat(groupID)
	if !ok {
		return fmt.Errorf("unknown group %s", groupID)
	}
	for _, p := range groupStore.Participants(chat.ChatID) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", p.PeerID)
	}
	return nil
}

func groupReconcile(cmd *cobra.Command, _ []string) error {
	chats := groupStore.ListChats()
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.GroupID
	}
	groupPubsub.ReconcileSubscriptions(context.Background(), ids)
	groupAckRepub.RunCycle(context.Background())
	groupInfoPub.RunCycle(context.Background())
	fmt.Fprintln(cmd.OutOrStdout(), "reconciled")
	return nil
}

var groupRootCmd = &cobra.Command{Use: "group", Short: "Group messaging", PersistentPreRunE: groupInit}

var groupCreateCmd = &cobra.Command{Use: "create <group-id>", Args: cobra.ExactArgs(1), RunE: groupCreate}
var groupInviteCmd = &cobra.Command{Use: "invite <group-id> <peer-id>", Args: cobra.ExactArgs(2), RunE: groupInvite}
var groupSendCmd = &cobra.Command{Use: "send <group-id> <text>", Args: cobra.ExactArgs(2), RunE: groupSend}
var groupListCmd = &cobra.Command{Use: "list <group-id>", Args: cobra.ExactArgs(1), RunE: groupList}
var groupReconcileCmd = &cobra.Command{Use: "reconcile", Args: cobra.NoArgs, RunE: groupReconcile}

func init() {
	groupRootCmd.AddCommand(groupCreateCmd, groupInviteCmd, groupSendCmd, groupListCmd, groupReconcileCmd)
}

// GroupCmd exposes group-messaging commands.
var GroupCmd = groupRootCmd

// RegisterGroup adds the group-messaging commands to the root CLI.
func RegisterGroup(root *cobra.Command) { root.AddCommand(GroupCmd) }
