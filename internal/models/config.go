package models

// Config is the full daemon configuration, loaded from JSON with environment
// overrides applied afterwards.
type Config struct {
	InstanceID string         `json:"instanceId"`
	LogLevel   string         `json:"logLevel"`
	Server     ServerConfig   `json:"server"`
	Database   DatabaseConfig `json:"database"`
	Bus        BusConfig      `json:"bus"`
	Presence   PresenceConfig `json:"presence"`
	Queue      QueueConfig    `json:"queue"`
	Calls      CallConfig     `json:"calls"`
	Auth       AuthConfig     `json:"auth"`
	Email      EmailConfig    `json:"email"`
	Retry      RetryConfig    `json:"retry"`
	Tracing    TracingConfig  `json:"tracing"`
}

type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// BusConfig selects the fanout transport. Driver is one of "memory", "redis"
// or "kafka"; memory only works for a single instance.
type BusConfig struct {
	Driver       string   `json:"driver"`
	Channel      string   `json:"channel"`
	RedisAddr    string   `json:"redisAddr"`
	RedisDB      int      `json:"redisDb"`
	KafkaBrokers []string `json:"kafkaBrokers"`
}

// PresenceConfig tunes the heartbeat sweep. Both intervals are tunables, not
// fixed guarantees: a dead channel is reaped within roughly
// HeartbeatTimeoutSec + SweepIntervalSec.
type PresenceConfig struct {
	Driver              string `json:"driver"`
	RedisAddr           string `json:"redisAddr"`
	RedisDB             int    `json:"redisDb"`
	KeyPrefix           string `json:"keyPrefix"`
	HeartbeatTimeoutSec int    `json:"heartbeatTimeoutSec"`
	SweepIntervalSec    int    `json:"sweepIntervalSec"`
}

type QueueConfig struct {
	MaxAttempts        int `json:"maxAttempts"`
	BackoffBaseSec     int `json:"backoffBaseSec"`
	PollIntervalMs     int `json:"pollIntervalMs"`
	WorkersPerKind     int `json:"workersPerKind"`
	DeadLetterMaxBatch int `json:"deadLetterMaxBatch"`
}

type CallConfig struct {
	Driver         string `json:"driver"`
	RedisAddr      string `json:"redisAddr"`
	RedisDB        int    `json:"redisDb"`
	KeyPrefix      string `json:"keyPrefix"`
	RingTimeoutSec int    `json:"ringTimeoutSec"`
}

type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer"`
}

type EmailConfig struct {
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"-"`
	FromName   string `json:"fromName"`
	TimeoutSec int    `json:"timeoutSec"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	SampleRate   float64 `json:"sampleRate"`
	UseStdout    bool    `json:"useStdout"`
}

// ConfigError is returned for malformed or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return "config: " + e.Message
}
