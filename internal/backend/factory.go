package backend

import (
	"fmt"
	"time"

	"github.com/opencoop/relay/internal/backend/memory"
	"github.com/opencoop/relay/internal/backend/redis"
	"github.com/opencoop/relay/internal/backend/rest"
	"github.com/opencoop/relay/internal/config"
)

// Options selects and parameterizes a backend implementation.
type Options struct {
	Type string

	// rest
	URL       string
	AuthToken string
	Timeout   time.Duration

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// OptionsFromConfig reads backend options from the loaded configuration.
func OptionsFromConfig() Options {
	return Options{
		Type:          config.GetString("backend.type"),
		URL:           config.GetString("backend.url"),
		AuthToken:     config.GetString("backend.authToken"),
		Timeout:       config.GetDuration("backend.timeout"),
		RedisAddr:     config.GetString("backend.redis.addr"),
		RedisPassword: config.GetString("backend.redis.password"),
		RedisDB:       config.GetInt("backend.redis.db"),
	}
}

// New creates a backend client based on configuration.
func New(opts Options) (Client, error) {
	switch opts.Type {
	case "rest":
		return rest.New(opts.URL, opts.AuthToken, opts.Timeout), nil
	case "redis":
		return redis.New(opts.RedisAddr, opts.RedisPassword, opts.RedisDB), nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", opts.Type)
	}
}
