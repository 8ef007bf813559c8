package fanprogress

import (
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Config represents connection configuration for the Redis backend plus the
// tracker-level settings that commonly travel with it.
type Config struct {
	// Redis host (default: localhost).
	Host string

	// Redis port (default: 6379).
	Port int

	// Redis logical database (default: 0).
	DB int

	// Notification-topic identifier stored per job for correlation.
	Topic string

	// Delete a job's state automatically when it reaches zero remaining
	// parts (default: false).
	DeleteWhenDone bool

	// Optional prefix prepended to every store key.
	KeyPrefix string
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - FANPROGRESS_REDIS_HOST: Redis host (default: localhost)
//   - FANPROGRESS_REDIS_PORT: Redis port (default: 6379)
//   - FANPROGRESS_REDIS_DB: Redis logical database (default: 0)
//   - FANPROGRESS_TOPIC: notification-topic identifier, falling back to
//     WorkTopic (default: empty)
//   - FANPROGRESS_DELETE_WHEN_DONE: "true"/"1" enables auto-delete-on-completion
//   - FANPROGRESS_KEY_PREFIX: store key prefix (default: empty)
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	return &Config{
		Host:           getEnvString("FANPROGRESS_REDIS_HOST", "localhost"),
		Port:           getEnvInt("FANPROGRESS_REDIS_PORT", 6379),
		DB:             getEnvInt("FANPROGRESS_REDIS_DB", 0),
		Topic:          lookupTopic(),
		DeleteWhenDone: getEnvBool("FANPROGRESS_DELETE_WHEN_DONE", false),
		KeyPrefix:      getEnvString("FANPROGRESS_KEY_PREFIX", ""),
	}
}

// Addr returns the host:port address of the Redis server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewRedisBackendFromConfig creates a Redis client from the configuration and
// wraps it in a RedisBackend. The backend owns the client and closes it.
func NewRedisBackendFromConfig(cfg *Config, logger *slog.Logger) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	})
	backend := NewRedisBackend(client, logger,
		WithDeleteWhenDone(cfg.DeleteWhenDone),
		WithKeyPrefix(cfg.KeyPrefix),
	)
	backend.ownsClient = true
	return backend
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
