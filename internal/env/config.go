package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// Addr is the server the exec command connects to
	Addr string `env:"REDWIRE_ADDR,default=127.0.0.1:6379"`

	// Timeout bounds each call, 0 means no limit
	Timeout time.Duration `env:"REDWIRE_TIMEOUT,default=0s"`

	LogLevel  string `env:"REDWIRE_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"REDWIRE_DEBUG_HTTP"`
	HTTPPort  string `env:"REDWIRE_HTTP_PORT,default=7362"`
}

// LoadConfig reads .env.local, when there is one, then the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
