package core

import "time"

// GroupConfig holds every tunable named in the external-interfaces
// configuration table. All fields are plain durations/counts so they can be
// populated from pkg/config's mapstructure-tagged Group section and passed
// by value to each component's constructor.
type GroupConfig struct {
	DHTRepublishInterval time.Duration
	DHTRepublishJitter   time.Duration

	MaxMessagesPerStore int
	MessageTTL          time.Duration

	InfoRepublishMaxAttempts int
	InfoRepublishBaseDelay   time.Duration
	InfoRepublishSteadyDelay time.Duration

	InviteLifetime time.Duration

	TopicReconcileInterval     time.Duration
	PeerConnectDebounce        time.Duration
	GossipsubHeartbeatInterval time.Duration

	HeartbeatMaxAge      time.Duration
	MessageMaxAge        time.Duration
	MessageMaxFutureSkew time.Duration

	PublishRetryDelay time.Duration
}

// DefaultGroupConfig returns conservative defaults: minutes for republish
// cadences, seconds for reconciliation and the peer-connect debounce, one
// minute for the gossipsub heartbeat, and seconds to hours for the message
// freshness gates.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		DHTRepublishInterval: 10 * time.Minute,
		DHTRepublishJitter:   90 * time.Second,

		MaxMessagesPerStore: 500,
		MessageTTL:          14 * 24 * time.Hour,

		InfoRepublishMaxAttempts: 8,
		InfoRepublishBaseDelay:   5 * time.Second,
		InfoRepublishSteadyDelay: 2 * time.Minute,

		InviteLifetime: 7 * 24 * time.Hour,

		TopicReconcileInterval:     30 * time.Second,
		PeerConnectDebounce:        2 * time.Second,
		GossipsubHeartbeatInterval: time.Minute,

		HeartbeatMaxAge:      5 * time.Minute,
		MessageMaxAge:        24 * time.Hour,
		MessageMaxFutureSkew: 30 * time.Second,

		PublishRetryDelay: 800 * time.Millisecond,
	}
}
