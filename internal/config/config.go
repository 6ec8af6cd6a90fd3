// Package config defines the configuration for all usbip-broker binaries.
//
// Configuration is organized into sections (Broker, Export, Import,
// Transport, Auth) with defaults supplied via creasty/defaults tags and
// overridden from a viper-loaded config file and USBBROKER_* environment
// variables. Scale knobs the original deployment never pinned down (worker
// counts, heartbeat cadence, grace periods) are deliberately configuration,
// not constants.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

type Configuration struct {
	LogLevel  string `mapstructure:"log_level" default:"info"`
	LogFormat string `mapstructure:"log_format" default:"console"`

	Broker    Broker    `mapstructure:"broker"`
	Export    Export    `mapstructure:"export"`
	Import    Import    `mapstructure:"import"`
	Transport Transport `mapstructure:"transport"`
	Auth      Auth      `mapstructure:"auth"`
}

type Broker struct {
	Mode     string `mapstructure:"mode" default:"dev"`
	HTTPPort int    `mapstructure:"http_port" default:"8700"`

	// SweepInterval drives the lease TTL sweep and the registry sweeps.
	SweepInterval time.Duration `mapstructure:"sweep_interval" default:"1s"`
	// AgentStaleAfter is how long an agent may go silent before its devices
	// are marked unreachable.
	AgentStaleAfter time.Duration `mapstructure:"agent_stale_after" default:"15s"`
	// PurgeGrace is how long an unreachable device record survives before
	// the registry drops it.
	PurgeGrace time.Duration `mapstructure:"purge_grace" default:"30s"`
}

type Export struct {
	BrokerURL string `mapstructure:"broker_url" default:"http://localhost:8700"`
	// AgentID defaults to a generated UUID when empty.
	AgentID string `mapstructure:"agent_id"`
	// DataAddr is the session listener import agents dial.
	DataAddr          string        `mapstructure:"data_addr" default:":8701"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" default:"5s"`
	NumWorkers        int           `mapstructure:"num_workers" default:"3"`
	// ClaimBackend selects the OS claim implementation: "sysfs" or "fake".
	ClaimBackend string `mapstructure:"claim_backend" default:"sysfs"`
}

type Import struct {
	BrokerURL  string `mapstructure:"broker_url" default:"http://localhost:8700"`
	ConsumerID string `mapstructure:"consumer_id"`

	DefaultTTL  time.Duration `mapstructure:"default_ttl" default:"30s"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" default:"5s"`
}

type Transport struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" default:"5s"`
	// MissLimit consecutive missed heartbeats tear the session down.
	MissLimit int `mapstructure:"miss_limit" default:"3"`
	// IOTimeout bounds every frame read/write on the wire.
	IOTimeout time.Duration `mapstructure:"io_timeout" default:"30s"`
}

type Auth struct {
	Enabled bool   `mapstructure:"enabled" default:"false"`
	Secret  string `mapstructure:"secret"`
	// TokenTTL bounds tokens minted by the CLI.
	TokenTTL time.Duration `mapstructure:"token_ttl" default:"24h"`
}

// Load reads configuration from an optional file plus environment, layered
// over defaults.
func Load(path string) (*Configuration, error) {
	cfg := &Configuration{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("USBBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only decodes keys viper already knows about, so every leaf
	// must be bound explicitly for env-only overrides to take effect.
	bindEnvKeys(v, reflect.TypeOf(Configuration{}), "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvKeys walks the mapstructure tags and binds each leaf key, so
// USBBROKER_BROKER_HTTP_PORT and friends resolve without a config file.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnvKeys(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func (c *Configuration) Validate() error {
	if c.Broker.Mode != ModeDev && c.Broker.Mode != ModeProd {
		return fmt.Errorf("invalid broker mode: %s", c.Broker.Mode)
	}
	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.Transport.MissLimit < 1 {
		return fmt.Errorf("transport miss_limit must be at least 1")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth enabled but no secret configured")
	}
	return nil
}
