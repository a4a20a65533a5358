package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/frame/config"
)

type CollabConfig struct {
	config.ConfigurationDefault

	// Connection management
	ConnectionTimeoutSec int `envDefault:"300" env:"CONNECTION_TIMEOUT_SEC"`
	HeartbeatIntervalSec int `envDefault:"30"  env:"HEARTBEAT_INTERVAL_SEC"`

	// Rate limiting. Cursor and operation events are limited independently
	// per connection so a burst of cursor moves cannot starve document edits.
	CursorEventCap     int `envDefault:"60"  env:"CURSOR_EVENT_CAP"`
	CursorRefillPerSec int `envDefault:"10"  env:"CURSOR_REFILL_PER_SEC"`
	OpEventCap         int `envDefault:"120" env:"OP_EVENT_CAP"`
	OpRefillPerSec     int `envDefault:"20"  env:"OP_REFILL_PER_SEC"`

	// Presence configuration
	PresenceTTLSec int `envDefault:"60" env:"PRESENCE_TTL_SEC"`

	// Snapshot history pagination
	HistoryMaxLimit     int `envDefault:"100" env:"HISTORY_MAX_LIMIT"`
	HistoryDefaultLimit int `envDefault:"20"  env:"HISTORY_DEFAULT_LIMIT"`

	// Cache configuration (Redis or similar)
	// Presence state lives in cache so every gateway instance sees the
	// same set of online collaborators for a project
	CacheName            string `envDefault:"defaultCache"           env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`

	// Broadcast bus configuration. Topics are sharded by project so that
	// traffic for hot projects spreads over independent subscriptions.
	// QueueRoomBroadcastName is a format string taking the shard index.
	QueueRoomBroadcastName string   `envDefault:"collab.room.broadcast.%d"   env:"QUEUE_ROOM_BROADCAST_NAME"`
	QueueRoomBroadcastURIs []string `envDefault:"mem://collab.room.broadcast.0" env:"QUEUE_ROOM_BROADCAST_URIS"`
	BroadcastShardCount    int      `envDefault:"1" env:"BROADCAST_SHARD_COUNT"`

	// Token validation
	TokenAudience string `envDefault:"service_collab" env:"TOKEN_AUDIENCE"`
	TokenIssuer   string `envDefault:""               env:"TOKEN_ISSUER"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *CollabConfig) Validate() error {
	var errs []error

	// Validate connection management settings
	if c.ConnectionTimeoutSec <= 0 {
		errs = append(errs, errors.New("ConnectionTimeoutSec must be > 0"))
	}

	if c.HeartbeatIntervalSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0"))
	}

	if c.ConnectionTimeoutSec <= c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("ConnectionTimeoutSec (%d) must be > HeartbeatIntervalSec (%d)",
			c.ConnectionTimeoutSec, c.HeartbeatIntervalSec))
	}

	// Validate rate limiting
	if c.CursorEventCap <= 0 {
		errs = append(errs, errors.New("CursorEventCap must be > 0"))
	}

	if c.CursorRefillPerSec <= 0 {
		errs = append(errs, errors.New("CursorRefillPerSec must be > 0"))
	}

	if c.OpEventCap <= 0 {
		errs = append(errs, errors.New("OpEventCap must be > 0"))
	}

	if c.OpRefillPerSec <= 0 {
		errs = append(errs, errors.New("OpRefillPerSec must be > 0"))
	}

	// Validate presence settings
	if c.PresenceTTLSec <= 0 {
		errs = append(errs, errors.New("PresenceTTLSec must be > 0"))
	}

	// Validate pagination limits
	if c.HistoryMaxLimit <= 0 {
		errs = append(errs, errors.New("HistoryMaxLimit must be > 0"))
	}

	if c.HistoryDefaultLimit <= 0 {
		errs = append(errs, errors.New("HistoryDefaultLimit must be > 0"))
	}

	if c.HistoryDefaultLimit > c.HistoryMaxLimit {
		errs = append(errs, fmt.Errorf("HistoryDefaultLimit (%d) must be <= HistoryMaxLimit (%d)",
			c.HistoryDefaultLimit, c.HistoryMaxLimit))
	}

	// Validate cache configuration
	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	// Validate broadcast queue URIs
	for i, uri := range c.QueueRoomBroadcastURIs {
		if err := validateQueueURI(uri, fmt.Sprintf("QueueRoomBroadcastURIs[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}

	if !strings.Contains(c.QueueRoomBroadcastName, "%d") {
		errs = append(errs, errors.New("QueueRoomBroadcastName must contain a %d shard placeholder"))
	}

	return errors.Join(errs...)
}

// ValidateSharding checks that the broadcast shard configuration is consistent.
// Every shard needs exactly one queue URI, in shard order.
func (c *CollabConfig) ValidateSharding() error {
	var errs []error

	if c.BroadcastShardCount <= 0 {
		errs = append(errs, errors.New("BroadcastShardCount must be > 0"))
	}

	if len(c.QueueRoomBroadcastURIs) != c.BroadcastShardCount {
		errs = append(errs, fmt.Errorf("QueueRoomBroadcastURIs has %d entries but BroadcastShardCount is %d",
			len(c.QueueRoomBroadcastURIs), c.BroadcastShardCount))
	}

	return errors.Join(errs...)
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
