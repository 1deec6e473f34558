package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime configuration. Values are loaded from RELAY_*
// environment variables; a local .env file is honored in dev.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Storage backend selection:
	//   DatabaseURL set -> Postgres
	//   else BadgerPath set (or BadgerInMemory) -> embedded Badger
	//   else -> in-memory dev store
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DBSchema       string `envconfig:"DB_SCHEMA" default:"relay"`
	DBMaxConns     int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns     int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	BadgerPath     string `envconfig:"BADGER_PATH"`
	BadgerInMemory bool   `envconfig:"BADGER_IN_MEMORY"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB"`

	// Identity boundary. The secret must match the external identity
	// service's signing key. DevMode permits an empty secret by minting a
	// throwaway one at startup.
	TokenSecret string `envconfig:"TOKEN_SECRET"`
	DevMode     bool   `envconfig:"DEV_MODE"`

	// Websocket surface.
	WSOriginRequired    bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins    []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure       bool          `envconfig:"WS_DEV_INSECURE"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout   time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSSendQueue         int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSHeartbeatInterval time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout  time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSRateEvents        int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow        time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`

	// Broadcast engine.
	FanoutWorkers  int           `envconfig:"FANOUT_WORKERS" default:"64"`
	EnqueueTimeout time.Duration `envconfig:"ENQUEUE_TIMEOUT" default:"3s"`
}

// LoadConfig loads Config from RELAY_* environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("relay", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TokenSecret == "" && !c.DevMode {
		return errors.New("config: RELAY_TOKEN_SECRET is required outside dev mode")
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		return errors.New("config: RELAY_TOKEN_SECRET must be at least 32 bytes")
	}
	if c.DatabaseURL != "" && (c.BadgerPath != "" || c.BadgerInMemory) {
		return errors.New("config: choose either RELAY_DATABASE_URL or RELAY_BADGER_PATH, not both")
	}
	return nil
}
