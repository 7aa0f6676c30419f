// Command groupchatd runs the group-messaging core as a standalone process:
// it boots a libp2p node, wires the DHT validator/selector, republisher,
// offline bucket manager, group-info publisher, ACK republisher and pubsub
// messaging components together, and drives their periodic cycles until
// interrupted.
package main

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kiyeovo/groupchat-core/core"
	"github.com/kiyeovo/groupchat-core/pkg/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	listenAddr := cfg.Network.ListenAddr
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	node, err := core.NewNode(core.Config{
		ListenAddr:     listenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	})
	if err != nil {
		logrus.Fatalf("new node: %v", err)
	}
	defer node.Close()

	groupCfg := buildGroupConfig(*cfg)

	_, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		logrus.Fatalf("generate signing key: %v", err)
	}

	dht := core.NewKademlia(node.ID())
	dht.RegisterValidator(core.OfflineBucketPrefix, core.NewOfflineBucketValidator(groupCfg))
	dht.RegisterSelector(core.OfflineBucketPrefix, core.OfflineBucketSelector{})

	store := core.NewMemoryGroupStore()

	republisher := core.NewDHTRepublisher(dht, groupCfg.DHTRepublishInterval, groupCfg.DHTRepublishJitter)
	republisher.Start()
	defer republisher.Stop()

	offline := core.NewOfflineBucketManager(node, dht, republisher, groupCfg, priv)
	pubsub := core.NewGroupPubsub(node, store, offline, groupCfg, string(node.ID()), priv)
	infoPub := core.NewGroupInfoPublisher(node, dht, store, groupCfg, priv)

	selfSender := &core.OfflineBucketAckSender{
		Manager:   offline,
		SecretFor: func(targetPeerID string) string { return "pairwise-" + targetPeerID },
		TTL:       groupCfg.InviteLifetime,
	}
	ackRepub := core.NewGroupAckRepublisher(node, store, groupCfg, string(node.ID()), selfSender, selfSender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node.OnPeerConnect = func(core.NodeID) { pubsub.NotifyPeerConnect(ctx) }

	go runCycles(ctx, groupCfg, store, pubsub, infoPub, ackRepub)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("groupchatd shutting down")
	pubsub.Shutdown()
}

// runCycles drives the periodic reconcile/heartbeat/ack/info cycles: reconcile
// and heartbeat each have their own ticker, while the ack and info cycles run
// one after the other on a shared ticker, matching the cooperative single-active-cycle model described
// for each component (spec §5).
func runCycles(ctx context.Context, cfg core.GroupConfig, store core.GroupStore, pubsub *core.GroupPubsub, infoPub *core.GroupInfoPublisher, ackRepub *core.GroupAckRepublisher) {
	reconcileTicker := time.NewTicker(cfg.TopicReconcileInterval)
	heartbeatTicker := time.NewTicker(cfg.GossipsubHeartbeatInterval)
	ackTicker := time.NewTicker(cfg.InfoRepublishBaseDelay)
	defer reconcileTicker.Stop()
	defer heartbeatTicker.Stop()
	defer ackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			pubsub.ReconcileSubscriptions(ctx, knownGroupIDs(store))
		case <-heartbeatTicker.C:
			pubsub.RunHeartbeatCycle(ctx)
		case <-ackTicker.C:
			ackRepub.RunCycle(ctx)
			infoPub.RunCycle(ctx)
		}
	}
}

func knownGroupIDs(store core.GroupStore) []string {
	chats := store.ListChats()
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.GroupID
	}
	return ids
}

func buildGroupConfig(cfg config.Config) core.GroupConfig {
	d := cfg.ToGroupConfig()
	def := core.DefaultGroupConfig()
	apply := func(sec int, fallback time.Duration) time.Duration {
		if sec <= 0 {
			return fallback
		}
		return time.Duration(sec) * time.Second
	}
	applyMS := func(ms int, fallback time.Duration) time.Duration {
		if ms <= 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	applyCount := func(n int, fallback int) int {
		if n <= 0 {
			return fallback
		}
		return n
	}
	return core.GroupConfig{
		DHTRepublishInterval:       apply(d.DHTRepublishIntervalSec, def.DHTRepublishInterval),
		DHTRepublishJitter:         apply(d.DHTRepublishJitterSec, def.DHTRepublishJitter),
		MaxMessagesPerStore:        applyCount(d.MaxMessagesPerStore, def.MaxMessagesPerStore),
		MessageTTL:                 apply(d.MessageTTLSec, def.MessageTTL),
		InfoRepublishMaxAttempts:   applyCount(d.InfoRepublishMaxAttempts, def.InfoRepublishMaxAttempts),
		InfoRepublishBaseDelay:     applyMS(d.InfoRepublishBaseDelayMS, def.InfoRepublishBaseDelay),
		InfoRepublishSteadyDelay:   apply(d.InfoRepublishSteadyDelaySec, def.InfoRepublishSteadyDelay),
		InviteLifetime:             apply(d.InviteLifetimeSec, def.InviteLifetime),
		TopicReconcileInterval:     apply(d.TopicReconcileIntervalSec, def.TopicReconcileInterval),
		PeerConnectDebounce:        apply(d.PeerConnectDebounceSec, def.PeerConnectDebounce),
		GossipsubHeartbeatInterval: apply(d.GossipsubHeartbeatIntervalSec, def.GossipsubHeartbeatInterval),
		HeartbeatMaxAge:            apply(d.HeartbeatMaxAgeSec, def.HeartbeatMaxAge),
		MessageMaxAge:              apply(d.MessageMaxAgeSec, def.MessageMaxAge),
		MessageMaxFutureSkew:       apply(d.MessageMaxFutureSkewSec, def.MessageMaxFutureSkew),
		PublishRetryDelay:          applyMS(d.PublishRetryDelayMS, def.PublishRetryDelay),
	}
}
