package config

import (
	"encoding/json"
	"fmt"
	"os"

	"tradewire/internal/constants"
	"tradewire/internal/models"
	"tradewire/internal/security"

	"github.com/google/uuid"
)

var (
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrMissingJWTSecret = models.ConfigError{Message: "missing JWT secret (set TRADEWIRE_JWT_SECRET)"}
)

// LoadConfig reads the JSON config file, fills defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = constants.DefaultBusChannel
	}

	if c.Presence.Driver == "" {
		c.Presence.Driver = "memory"
	}
	if c.Presence.KeyPrefix == "" {
		c.Presence.KeyPrefix = constants.DefaultPresenceKeyPrefix
	}
	if c.Presence.HeartbeatTimeoutSec <= 0 {
		c.Presence.HeartbeatTimeoutSec = constants.DefaultHeartbeatTimeoutSec
	}
	if c.Presence.SweepIntervalSec <= 0 {
		c.Presence.SweepIntervalSec = constants.DefaultSweepIntervalSec
	}

	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Queue.BackoffBaseSec <= 0 {
		c.Queue.BackoffBaseSec = constants.DefaultBackoffBaseSec
	}
	if c.Queue.PollIntervalMs <= 0 {
		c.Queue.PollIntervalMs = constants.DefaultQueuePollIntervalMs
	}
	if c.Queue.WorkersPerKind <= 0 {
		c.Queue.WorkersPerKind = constants.DefaultWorkersPerKind
	}
	if c.Queue.DeadLetterMaxBatch <= 0 {
		c.Queue.DeadLetterMaxBatch = constants.DefaultDeadLetterBatchLimit
	}

	if c.Calls.Driver == "" {
		c.Calls.Driver = "memory"
	}
	if c.Calls.KeyPrefix == "" {
		c.Calls.KeyPrefix = constants.DefaultCallSessionPrefix
	}
	if c.Calls.RingTimeoutSec <= 0 {
		c.Calls.RingTimeoutSec = constants.DefaultRingTimeoutSec
	}

	if c.Email.TimeoutSec <= 0 {
		c.Email.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxSec * 1000
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "tradewire"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	// SECURITY: secrets come from the environment, never the config file
	if secret := os.Getenv("TRADEWIRE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("TRADEWIRE_EMAIL_API_KEY"); key != "" {
		c.Email.APIKey = key
	}

	if path := os.Getenv("TRADEWIRE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("TRADEWIRE_REDIS_ADDR"); addr != "" {
		c.Bus.RedisAddr = addr
		c.Presence.RedisAddr = addr
		c.Calls.RedisAddr = addr
	}
	if id := os.Getenv("TRADEWIRE_INSTANCE_ID"); id != "" {
		c.InstanceID = id
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}

	switch c.Bus.Driver {
	case "memory", "redis", "kafka":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown bus driver %q", c.Bus.Driver)}
	}
	if c.Bus.Driver == "redis" && c.Bus.RedisAddr == "" {
		return models.ConfigError{Message: "bus driver redis requires redisAddr"}
	}
	if c.Bus.Driver == "kafka" && len(c.Bus.KafkaBrokers) == 0 {
		return models.ConfigError{Message: "bus driver kafka requires kafkaBrokers"}
	}

	switch c.Presence.Driver {
	case "memory", "redis":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown presence driver %q", c.Presence.Driver)}
	}
	if c.Presence.Driver == "redis" && c.Presence.RedisAddr == "" {
		return models.ConfigError{Message: "presence driver redis requires redisAddr"}
	}

	switch c.Calls.Driver {
	case "memory", "redis":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown call session driver %q", c.Calls.Driver)}
	}
	if c.Calls.Driver == "redis" && c.Calls.RedisAddr == "" {
		return models.ConfigError{Message: "call session driver redis requires redisAddr"}
	}

	// Memory drivers cannot see other instances; a multi-instance deployment
	// that mixes them with a distributed bus will strand state.
	if c.Bus.Driver != "memory" && (c.Presence.Driver == "memory" || c.Calls.Driver == "memory") {
		fmt.Fprintf(os.Stderr, "WARNING: distributed bus with in-memory presence or call store; only valid for a single instance\n")
	}

	if isProduction() && c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production"}
	}

	return nil
}

func isProduction() bool {
	return os.Getenv("TRADEWIRE_ENV") == "production"
}
