package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds process-level configuration, loaded from environment
// variables. Runtime tunables live in the store's options record instead;
// this is only what the process needs before it can reach the store.
type Config struct {
	// Server
	Host string `env:"BOS_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"BOS_PORT" envDefault:"8080"`

	// Store
	StoreBackend string `env:"BOS_STORE" envDefault:"bolt"` // bolt or redis
	DataDir      string `env:"BOS_DATA_DIR" envDefault:"/var/lib/bos"`
	RedisURL     string `env:"BOS_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// External services
	PCSEndpoint         string `env:"BOS_PCS_ENDPOINT" envDefault:"http://cray-power-control/v1"`
	HSMEndpoint         string `env:"BOS_HSM_ENDPOINT" envDefault:"http://cray-smd/hsm/v2"`
	BSSEndpoint         string `env:"BOS_BSS_ENDPOINT" envDefault:"http://cray-bss/boot/v1"`
	IMSEndpoint         string `env:"BOS_IMS_ENDPOINT" envDefault:"http://cray-ims/v3"`
	ObjectStoreEndpoint string `env:"BOS_S3_ENDPOINT" envDefault:"http://rgw-vip"`
	CFSEndpoint         string `env:"BOS_CFS_ENDPOINT" envDefault:"http://cray-cfs-api/v3"`
	TAPMSEndpoint       string `env:"BOS_TAPMS_ENDPOINT" envDefault:"http://cray-tapms/v1"`

	// Liveness probe file touched by the operator runner each iteration
	LivenessFile string `env:"BOS_LIVENESS_FILE" envDefault:"/tmp/bos-liveness"`

	// Logging
	LogLevel string `env:"BOS_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"BOS_LOG_JSON" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
