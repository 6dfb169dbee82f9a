// Package config loads the cluster's single YAML configuration document:
// dc-files, log-level, and a section per service (message-director,
// client-agent, state-server, db-state-server, database-server, metrics,
// web-panel). Values may be overridden by ASTRON_-prefixed environment
// variables, which viper binds automatically over the decoded YAML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MessageDirector is the message-director YAML section.
type MessageDirector struct {
	RabbitMQHost     string `mapstructure:"rabbitmq-host"`
	RabbitMQPort     int    `mapstructure:"rabbitmq-port"`
	RabbitMQUser     string `mapstructure:"rabbitmq-user"`
	RabbitMQPassword string `mapstructure:"rabbitmq-password"`
}

// StateServer is the state-server YAML section.
type StateServer struct {
	Channel  uint64 `mapstructure:"channel"`
	LogLevel string `mapstructure:"log-level"`
}

// DBStateServer is the db-state-server YAML section. Range, if set (Max >
// Min), makes this instance authoritative for every DoId in [Min, Max]
// in addition to its Channel — letting one process stand in for many
// database-backed objects without a per-object config entry.
type DBStateServer struct {
	Channel  uint64 `mapstructure:"channel"`
	LogLevel string `mapstructure:"log-level"`
	RangeMin uint64 `mapstructure:"range-min"`
	RangeMax uint64 `mapstructure:"range-max"`
}

// HasRange reports whether this DBSS instance owns a DoId range in
// addition to its control channel.
func (s DBStateServer) HasRange() bool {
	return s.RangeMax > s.RangeMin
}

// DatabaseServer is the database-server YAML section: where the DBSS's
// backing store lives, plus the DoId allocation range new objects draw
// from.
type DatabaseServer struct {
	Channel      uint64 `mapstructure:"channel"`
	MongoURI     string `mapstructure:"mongo-uri"`
	MongoDB      string `mapstructure:"mongo-db"`
	GenerateMin  uint32 `mapstructure:"generate-min"`
	GenerateMax  uint32 `mapstructure:"generate-max"`
}

// Uberdog is one statically-declared always-live object a Client Agent
// exposes by id, independent of any other object generation.
type Uberdog struct {
	ID        uint32 `mapstructure:"id"`
	Class     string `mapstructure:"class"`
	Anonymous bool   `mapstructure:"anonymous"`
}

// InterestsPermission controls whether clients may open their own
// interests, see ones opened on their behalf, or neither.
type InterestsPermission string

const (
	InterestsEnabled  InterestsPermission = "enabled"
	InterestsVisible  InterestsPermission = "visible"
	InterestsDisabled InterestsPermission = "disabled"
)

// ClientAgent is the client-agent YAML section.
type ClientAgent struct {
	Addr             string        `mapstructure:"addr"`
	Version          string        `mapstructure:"version"`
	ControlChannel   uint64        `mapstructure:"control-channel"`
	ChannelBase      uint64        `mapstructure:"channel-base"`
	ChannelMax       uint64        `mapstructure:"channel-max"`
	DCHash           uint32        `mapstructure:"dc-hash"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat-period"`
	GlobalRateLimit  float64       `mapstructure:"global-rate-limit"`
	PerConnRateLimit float64       `mapstructure:"per-conn-rate-limit"`
	// MaxConnections overrides the cgroup-memory-derived connection cap.
	// Zero defers to that detection.
	MaxConnections int `mapstructure:"max-connections"`
	// AuthTimeout disconnects a session that never reaches ESTABLISHED.
	AuthTimeout time.Duration `mapstructure:"auth-timeout"`
	Uberdogs    []Uberdog     `mapstructure:"uberdogs"`
	// InterestsPermission gates CLIENT_ADD_INTEREST: enabled lets a client
	// open its own, visible lets it only see ones opened on its behalf,
	// disabled rejects every CLIENT_ADD_INTEREST outright.
	InterestsPermission InterestsPermission `mapstructure:"interests-permission"`
	InterestTimeout      time.Duration       `mapstructure:"interest-timeout"`
	// RelocateAllowed gates CLIENT_OBJECT_LOCATION: whether an owned
	// object's client may move it through the hierarchy itself.
	RelocateAllowed bool `mapstructure:"relocate-allowed"`
}

// Metrics is the metrics YAML section.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// WebPanel is the web-panel YAML section. The panel itself is an external
// collaborator (see SPEC_FULL.md §4.5); this only configures whether the
// introspection hook it would consume is enabled.
type WebPanel struct {
	Enabled bool `mapstructure:"enabled"`
}

// Cluster is the root configuration document.
type Cluster struct {
	DCFiles         []string        `mapstructure:"dc-files"`
	LogLevel        string          `mapstructure:"log-level"`
	MessageDirector MessageDirector `mapstructure:"message-director"`
	ClientAgent     ClientAgent     `mapstructure:"client-agent"`
	StateServer     StateServer     `mapstructure:"state-server"`
	DBStateServer   DBStateServer   `mapstructure:"db-state-server"`
	DatabaseServer  DatabaseServer  `mapstructure:"database-server"`
	Metrics         Metrics         `mapstructure:"metrics"`
	WebPanel        WebPanel        `mapstructure:"web-panel"`
}

// Load reads the YAML document at path, applies ASTRON_-prefixed
// environment variable overrides, and validates the result.
func Load(path string) (*Cluster, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ASTRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Cluster
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("message-director.rabbitmq-host", "127.0.0.1")
	v.SetDefault("message-director.rabbitmq-port", 5672)
	v.SetDefault("message-director.rabbitmq-user", "guest")
	v.SetDefault("message-director.rabbitmq-password", "guest")
	v.SetDefault("client-agent.addr", ":7198")
	v.SetDefault("client-agent.control-channel", 2001)
	v.SetDefault("client-agent.heartbeat-period", "15s")
	v.SetDefault("client-agent.global-rate-limit", 2000.0)
	v.SetDefault("client-agent.per-conn-rate-limit", 60.0)
	v.SetDefault("client-agent.auth-timeout", "30s")
	v.SetDefault("client-agent.interests-permission", string(InterestsEnabled))
	v.SetDefault("client-agent.interest-timeout", "5s")
	v.SetDefault("client-agent.relocate-allowed", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database-server.mongo-db", "astron")
	v.SetDefault("database-server.mongo-uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("database-server.generate-min", 1000000)
	v.SetDefault("database-server.generate-max", 1<<31)
}

// Validate checks cross-field and range constraints viper's decode step
// can't express on its own.
func (c *Cluster) Validate() error {
	if len(c.DCFiles) == 0 {
		return fmt.Errorf("dc-files: at least one DC file must be configured")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level: invalid value %q", c.LogLevel)
	}
	if c.MessageDirector.RabbitMQPort <= 0 || c.MessageDirector.RabbitMQPort > 65535 {
		return fmt.Errorf("message-director.rabbitmq-port: invalid port %d", c.MessageDirector.RabbitMQPort)
	}
	switch c.ClientAgent.InterestsPermission {
	case InterestsEnabled, InterestsVisible, InterestsDisabled, "":
	default:
		return fmt.Errorf("client-agent.interests-permission: invalid value %q", c.ClientAgent.InterestsPermission)
	}
	if c.DatabaseServer.GenerateMax != 0 && c.DatabaseServer.GenerateMax <= c.DatabaseServer.GenerateMin {
		return fmt.Errorf("database-server.generate-max must be greater than generate-min")
	}
	if c.DBStateServer.RangeMax != 0 && c.DBStateServer.RangeMax < c.DBStateServer.RangeMin {
		return fmt.Errorf("db-state-server.range-max must not be less than range-min")
	}
	return nil
}
