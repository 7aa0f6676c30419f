package config

// Package config provides a reusable loader for groupchat-core configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/kiyeovo/groupchat-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a groupchat-core node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	// Group mirrors core.GroupConfig (spec §6 "Configuration"); durations
	// are expressed in the unit named by the field.
	Group struct {
		DHTRepublishIntervalSec int `mapstructure:"dht_republish_interval_sec" json:"dht_republish_interval_sec"`
		DHTRepublishJitterSec   int `mapstructure:"dht_republish_jitter_sec" json:"dht_republish_jitter_sec"`

		MaxMessagesPerStore int `mapstructure:"max_messages_per_store" json:"max_messages_per_store"`
		MessageTTLSec       int `mapstructure:"message_ttl_sec" json:"message_ttl_sec"`

		InfoRepublishMaxAttempts    int `mapstructure:"info_republish_max_attempts" json:"info_republish_max_attempts"`
		InfoRepublishBaseDelayMS    int `mapstructure:"info_republish_base_delay_ms" json:"info_republish_base_delay_ms"`
		InfoRepublishSteadyDelaySec int `mapstructure:"info_republish_steady_delay_sec" json:"info_republish_steady_delay_sec"`

		InviteLifetimeSec int `mapstructure:"invite_lifetime_sec" json:"invite_lifetime_sec"`

		TopicReconcileIntervalSec     int `mapstructure:"topic_reconcile_interval_sec" json:"topic_reconcile_interval_sec"`
		PeerConnectDebounceSec        int `mapstructure:"peer_connect_debounce_sec" json:"peer_connect_debounce_sec"`
		GossipsubHeartbeatIntervalSec int `mapstructure:"gossipsub_heartbeat_interval_sec" json:"gossipsub_heartbeat_interval_sec"`

		HeartbeatMaxAgeSec      int `mapstructure:"heartbeat_max_age_sec" json:"heartbeat_max_age_sec"`
		MessageMaxAgeSec        int `mapstructure:"message_max_age_sec" json:"message_max_age_sec"`
		MessageMaxFutureSkewSec int `mapstructure:"message_max_future_skew_sec" json:"message_max_future_skew_sec"`

		PublishRetryDelayMS int `mapstructure:"publish_retry_delay_ms" json:"publish_retry_delay_ms"`
	} `mapstructure:"group" json:"group"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GROUPCHAT_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GROUPCHAT_ENV", ""))
}

// ToGroupConfig converts the loaded Group section into a core.GroupConfig-
// shaped set of durations. Defined here (rather than in core, which must not
// import pkg/config) to keep the mapstructure tags as the single source of
// truth for field names.
func (c Config) ToGroupConfig() GroupDurations {
	g := c.Group
	return GroupDurations{
		DHTRepublishIntervalSec:     g.DHTRepublishIntervalSec,
		DHTRepublishJitterSec:       g.DHTRepublishJitterSec,
		MaxMessagesPerStore:         g.MaxMessagesPerStore,
		MessageTTLSec:               g.MessageTTLSec,
		InfoRepublishMaxAttempts:    g.InfoRepublishMaxAttempts,
		InfoRepublishBaseDelayMS:    g.InfoRepublishBaseDelayMS,
		InfoRepublishSteadyDelaySec: g.InfoRepublishSteadyDelaySec,
		InviteLifetimeSec:           g.InviteLifetimeSec,
		TopicReconcileIntervalSec:     g.TopicReconcileIntervalSec,
		PeerConnectDebounceSec:        g.PeerConnectDebounceSec,
		GossipsubHeartbeatIntervalSec: g.GossipsubHeartbeatIntervalSec,
		HeartbeatMaxAgeSec:            g.HeartbeatMaxAgeSec,
		MessageMaxAgeSec:              g.MessageMaxAgeSec,
		MessageMaxFutureSkewSec:       g.MessageMaxFutureSkewSec,
		PublishRetryDelayMS:           g.PublishRetryDelayMS,
	}
}

// GroupDurations is a plain-int mirror of the Group config section, decoupled
// from core.GroupConfig's time.Duration fields so this package never needs to
// import core.
type GroupDurations struct {
	DHTRepublishIntervalSec     int
	DHTRepublishJitterSec       int
	MaxMessagesPerStore         int
	MessageTTLSec               int
	InfoRepublishMaxAttempts    int
	InfoRepublishBaseDelayMS    int
	InfoRepublishSteadyDelaySec int
	InviteLifetimeSec           int
	TopicReconcileIntervalSec     int
	PeerConnectDebounceSec        int
	GossipsubHeartbeatIntervalSec int
	HeartbeatMaxAgeSec            int
	MessageMaxAgeSec              int
	MessageMaxFutureSkewSec       int
	PublishRetryDelayMS           int
}
