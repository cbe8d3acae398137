package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from the JSON config file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./relaylogs")
	viper.SetDefault("region", "EU")

	viper.SetDefault("backend.type", "rest")
	viper.SetDefault("backend.url", "http://localhost:9000")
	viper.SetDefault("backend.authToken", "")
	viper.SetDefault("backend.timeout", "10s")

	viper.SetDefault("backend.redis.addr", "localhost:6379")
	viper.SetDefault("backend.redis.password", "")
	viper.SetDefault("backend.redis.db", 0)

	viper.SetDefault("session.maxPlayers", 16)
	viper.SetDefault("session.heartbeatInterval", "5s")
	viper.SetDefault("session.healthCheckInterval", "5s")
	viper.SetDefault("session.staleAfter", "15s")
	viper.SetDefault("session.expireAfter", "30s")
	viper.SetDefault("session.shutdownTimeout", "3s")

	viper.SetDefault("sync.playerFetchCooldown", "200ms")
	viper.SetDefault("sync.vehicleFetchCooldown", "250ms")
	viper.SetDefault("sync.environmentFetchCooldown", "5s")
	viper.SetDefault("sync.interestRadius", 300.0)
	viper.SetDefault("sync.vehicleRadiusFactor", 1.2)
	viper.SetDefault("sync.entityTTL", "10s")
	viper.SetDefault("sync.playerMoveThreshold", 0.3)
	viper.SetDefault("sync.vehicleMoveThreshold", 0.5)
	viper.SetDefault("sync.headingThreshold", 5.0)

	viper.SetDefault("batch.tick", "33ms")
	viper.SetDefault("batch.maxSize", 16)

	viper.SetDefault("chat.fetchCooldown", "500ms")
	viper.SetDefault("chat.historyLimit", 50)
	viper.SetDefault("chat.maxTextLength", 100)
	viper.SetDefault("chat.maxNameLength", 24)

	viper.SetDefault("journal.enabled", false)
	viper.SetDefault("journal.driver", "sqlite")
	viper.SetDefault("journal.path", "./relay_journal.db")
	viper.SetDefault("journal.dsn", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "relay-metrics")
	viper.SetDefault("influx.bucket", "relay_sync")
	viper.SetDefault("influx.flushInterval", "10s")

	viper.SetConfigName("relay.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetFloat64 returns a float64 config value.
func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
