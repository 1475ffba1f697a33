package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Leaderboard ranking sources
const (
	LeaderboardSourceStore = "store"
	LeaderboardSourceRedis = "redis"
)

// maxRedisRankedScore is the largest high score the Redis ranking encoding
// can hold without losing the lastPlayed tie-break.
const maxRedisRankedScore = 900000

// defaultWinThreshold is preset before decoding since zero is a valid threshold
const defaultWinThreshold int64 = 100

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Sync        SyncConfig        `yaml:"sync"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Game        GameConfig        `yaml:"game"`
	Lock        LockConfig        `yaml:"lock"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the aggregate store backend
type StoreConfig struct {
	Driver      string     `yaml:"driver"`
	SkipMigrate bool       `yaml:"skip_migrate"`
	DemoPlayers int        `yaml:"demo_players"`
	SeedUsers   []SeedUser `yaml:"seed_users"`
}

// SeedUser is an account loaded into the user directory at startup
type SeedUser struct {
	ID        string `yaml:"id"`
	Username  string `yaml:"username"`
	AvatarURL string `yaml:"avatar_url"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// SyncConfig holds ranking rebuild worker configuration
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	Source       string        `yaml:"source"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// GameConfig holds score submission rules
type GameConfig struct {
	WinThreshold            int64         `yaml:"win_threshold"`
	MaxScore                int64         `yaml:"max_score"`
	PlayedAtPastTolerance   time.Duration `yaml:"played_at_past_tolerance"`
	PlayedAtFutureTolerance time.Duration `yaml:"played_at_future_tolerance"`
	MaxSubmitAttempts       int           `yaml:"max_submit_attempts"`
	RetryDelay              time.Duration `yaml:"retry_delay"`
	SubmitTimeout           time.Duration `yaml:"submit_timeout"`
}

// LockConfig holds per-user lock configuration
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// RateLimitConfig holds score submission rate limiting
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Game: GameConfig{WinThreshold: defaultWinThreshold}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault reads the config file at path. A missing file yields
// DefaultConfig and found=false; any other read, parse or validation error
// is returned.
func LoadOrDefault(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), false, nil
	}
	return nil, false, err
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Store defaults
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverPostgres
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "mathgame"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "game-scores"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "score-ledger"
	}
	if c.Kafka.MessageTimeout == 0 {
		c.Kafka.MessageTimeout = 10 * time.Second
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = time.Second
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 10
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}
	if c.Leaderboard.Source == "" {
		c.Leaderboard.Source = LeaderboardSourceStore
	}
	if c.Leaderboard.QueryTimeout == 0 {
		c.Leaderboard.QueryTimeout = 5 * time.Second
	}

	// Game defaults
	if c.Game.MaxScore == 0 {
		c.Game.MaxScore = 100000
	}
	if c.Game.PlayedAtPastTolerance == 0 {
		c.Game.PlayedAtPastTolerance = 5 * time.Minute
	}
	if c.Game.PlayedAtFutureTolerance == 0 {
		c.Game.PlayedAtFutureTolerance = 1 * time.Minute
	}
	if c.Game.MaxSubmitAttempts == 0 {
		c.Game.MaxSubmitAttempts = 3
	}
	if c.Game.RetryDelay == 0 {
		c.Game.RetryDelay = 25 * time.Millisecond
	}
	if c.Game.SubmitTimeout == 0 {
		c.Game.SubmitTimeout = 5 * time.Second
	}

	// Lock defaults
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 10 * time.Second
	}
	if c.Lock.RetryInterval == 0 {
		c.Lock.RetryInterval = 10 * time.Millisecond
	}

	// Rate limit defaults
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 15 * time.Minute
	}
}

// Validate checks combinations the defaults cannot repair
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Leaderboard.Source {
	case LeaderboardSourceStore:
	case LeaderboardSourceRedis:
		if !c.Redis.Enabled {
			return errors.New("leaderboard source redis requires redis.enabled")
		}
		if c.Game.MaxScore > maxRedisRankedScore {
			return fmt.Errorf("game.max_score %d exceeds %d supported by the redis ranking", c.Game.MaxScore, maxRedisRankedScore)
		}
	default:
		return fmt.Errorf("unknown leaderboard source %q", c.Leaderboard.Source)
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return errors.New("rate_limit requires redis.enabled")
	}
	if c.Game.MaxScore < 0 || c.Game.WinThreshold < 0 {
		return errors.New("game scores must not be negative")
	}
	if c.Store.DemoPlayers < 0 {
		return errors.New("store.demo_players must not be negative")
	}
	for _, u := range c.Store.SeedUsers {
		if u.ID == "" || u.Username == "" {
			return errors.New("store.seed_users entries need id and username")
		}
	}
	if c.Leaderboard.DefaultLimit > c.Leaderboard.MaxLimit {
		return errors.New("leaderboard.default_limit exceeds leaderboard.max_limit")
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{Game: GameConfig{WinThreshold: defaultWinThreshold}}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
