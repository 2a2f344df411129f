package constants

// Default delivery queue configuration values
const (
	DefaultMaxAttempts          = 3
	DefaultBackoffBaseSec       = 2
	DefaultQueuePollIntervalMs  = 500
	DefaultWorkersPerKind       = 4
	DefaultDeadLetterBatchLimit = 200
)

// Default presence/heartbeat configuration values
const (
	DefaultHeartbeatTimeoutSec = 60
	DefaultSweepIntervalSec    = 30
)

// Default call signaling configuration values
const (
	DefaultRingTimeoutSec = 45
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultServerPort            = 8084
)

// Websocket channel values
const (
	DefaultWriteWaitSec     = 10
	DefaultPongWaitSec      = 60
	DefaultSendBufferSize   = 256
	DefaultMaxInboundBytes  = 64 * 1024
	DefaultReadBufferBytes  = 1024
	DefaultWriteBufferBytes = 1024
)

// Shared key/topic names for the distributed stores
const (
	DefaultBusChannel        = "tradewire:fanout"
	DefaultPresenceKeyPrefix = "tradewire:presence:"
	DefaultCallSessionPrefix = "tradewire:call:user:"
)

// Validation limits
const (
	MaxMessageContentLength = 4096
	MaxUserIDLength         = 64
)

// Encryption settings
const (
	MinEncryptionSecretLength = 32
	PBKDF2Iterations          = 100000
	NonceSize                 = 12
	SaltSize                  = 16
)
