// Package config loads Bluetap configuration from files and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the control-plane daemon.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Client      ClientConfig      `mapstructure:"client"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds the gateway HTTP server settings.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// AdminToken authorizes deregistration and node-status listing.
	AdminToken string `mapstructure:"admin_token"`
}

// RegistryConfig controls liveness detection.
type RegistryConfig struct {
	// HeartbeatTimeout is how long a node may go silent before it is
	// marked suspect.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// GraceWindow is how long a suspect node may stay silent before it is
	// marked offline.
	GraceWindow time.Duration `mapstructure:"grace_window"`

	// SweepInterval is the heartbeat monitor tick. Should be well below
	// HeartbeatTimeout.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// ForceOverride allows re-registration of an online node at a new
	// address without administrative deregistration.
	ForceOverride bool `mapstructure:"force_override"`
}

// ReplicationConfig controls placement and repair.
type ReplicationConfig struct {
	// Factor is the target number of replicas per object (R).
	Factor int `mapstructure:"factor"`

	// WriteQuorum is the minimum acks for a committed write (W). Must be
	// 1 <= WriteQuorum <= Factor.
	WriteQuorum int `mapstructure:"write_quorum"`

	// RepairWorkers bounds concurrent background repair jobs.
	RepairWorkers int `mapstructure:"repair_workers"`

	// RepairMaxAttempts caps retries per repair job.
	RepairMaxAttempts int `mapstructure:"repair_max_attempts"`

	// RepairBackoff is the initial retry backoff, doubled per attempt.
	RepairBackoff time.Duration `mapstructure:"repair_backoff"`

	// ScanInterval is how often committed metadata is scanned for
	// under-replicated objects. Zero disables the scanner.
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// Validate checks replication parameters.
func (c ReplicationConfig) Validate() error {
	if c.Factor < 1 {
		return fmt.Errorf("replication factor must be >= 1, got %d", c.Factor)
	}
	if c.WriteQuorum < 1 || c.WriteQuorum > c.Factor {
		return fmt.Errorf("write quorum must be in [1, %d], got %d", c.Factor, c.WriteQuorum)
	}
	return nil
}

// ClientConfig controls the client library's data-plane behavior.
type ClientConfig struct {
	// NodeTimeout bounds each per-node Put/Get/Delete call.
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
}

// AuthConfig controls OTP and session lifetimes.
type AuthConfig struct {
	OTPTTL     time.Duration `mapstructure:"otp_ttl"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// BootstrapUsername, if set, seeds a user account on startup so a fresh
	// deployment can log in. Ignored when the account already exists.
	BootstrapUsername string `mapstructure:"bootstrap_username"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
	BootstrapTenant   string `mapstructure:"bootstrap_tenant"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Driver selects the metadata backend: "postgres" or "memory". The
	// memory backend is for tests and single-binary development runs.
	Driver string `mapstructure:"driver"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Enabled selects Redis for the session keyspace; when false sessions
	// live in process memory and do not survive restarts.
	Enabled bool `mapstructure:"enabled"`

	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns the host:port address of the Redis server.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// NodeConfig is the root configuration for a storage node daemon.
type NodeConfig struct {
	// ID is the node identity presented to the registry.
	ID string `mapstructure:"id"`

	// ListenAddr is the bind address of the data-plane API.
	ListenAddr string `mapstructure:"listen_addr"`

	// AdvertiseAddr is the address registered with the cluster; defaults to
	// ListenAddr.
	AdvertiseAddr string `mapstructure:"advertise_addr"`

	// GatewayAddr is the base URL of the control plane.
	GatewayAddr string `mapstructure:"gateway_addr"`

	DataDir       string `mapstructure:"data_dir"`
	TempDir       string `mapstructure:"temp_dir"`
	CapacityBytes int64  `mapstructure:"capacity_bytes"`

	// HeartbeatInterval is how often the node reports liveness.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// EncryptionKey is an optional hex-encoded 32-byte master key enabling
	// at-rest encryption of stored replicas.
	EncryptionKey string `mapstructure:"encryption_key"`

	Log LogConfig `mapstructure:"log"`
}

// Load reads configuration for the gateway daemon.
func Load(cfgFile string) (*Config, error) {
	v, err := newViper(cfgFile, setGatewayDefaults)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Replication.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadNode reads configuration for a storage node daemon.
func LoadNode(cfgFile string) (*NodeConfig, error) {
	v, err := newViper(cfgFile, setNodeDefaults)
	if err != nil {
		return nil, err
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	return &cfg, nil
}

func newViper(cfgFile string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bluetap")
		v.SetConfigType("yaml")
		v.SetConfigName("bluetap")
	}

	v.SetEnvPrefix("BLUETAP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("registry.heartbeat_timeout", 15*time.Second)
	v.SetDefault("registry.grace_window", 10*time.Second)
	v.SetDefault("registry.sweep_interval", 5*time.Second)
	v.SetDefault("registry.force_override", false)

	v.SetDefault("replication.factor", 2)
	v.SetDefault("replication.write_quorum", 1)
	v.SetDefault("replication.repair_workers", 2)
	v.SetDefault("replication.repair_max_attempts", 5)
	v.SetDefault("replication.repair_backoff", time.Second)
	v.SetDefault("replication.scan_interval", 30*time.Second)

	v.SetDefault("client.node_timeout", 10*time.Second)

	v.SetDefault("auth.otp_ttl", 5*time.Minute)
	v.SetDefault("auth.session_ttl", 24*time.Hour)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bluetap")
	v.SetDefault("database.name", "bluetap")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func setNodeDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9090")
	v.SetDefault("gateway_addr", "http://localhost:8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("temp_dir", "./data/tmp")
	v.SetDefault("capacity_bytes", int64(10)<<30)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
