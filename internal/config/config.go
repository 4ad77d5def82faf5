package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use a double
// underscore, e.g. HARBOR_DELIVERY__TIMEOUT=5s sets delivery.timeout.
const EnvPrefix = "HARBOR_"

type DB struct {
	User     string `koanf:"user"`
	Pass     string `koanf:"pass"`
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Name     string `koanf:"name"`
	MaxConns int32  `koanf:"max_conns"`
}

type Store struct {
	Driver     string `koanf:"driver"`      // postgres | sqlite
	SQLitePath string `koanf:"sqlite_path"` // used when driver=sqlite
}

type NSQ struct {
	Enabled       bool   `koanf:"enabled"`
	NsqdTCPAddr   string `koanf:"nsqd_tcp_addr"`  // e.g. nsqd:4150
	AttemptsTopic string `koanf:"attempts_topic"` // feed of recorded delivery attempts
	DLQTopic      string `koanf:"dlq_topic"`      // retry-budget exhaustion notices

	// feed monitor
	NsqdHTTPAddr string        `koanf:"nsqd_http_addr"` // stats API, e.g. nsqd:4151
	Channel      string        `koanf:"channel"`
	MonitorAddr  string        `koanf:"monitor_addr"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type Auth struct {
	InternalSecret  string `koanf:"internal_secret"`  // matched against X-Internal-Secret
	SchedulerHeader string `koanf:"scheduler_header"` // header set by the scheduling infrastructure
	SchedulerValue  string `koanf:"scheduler_value"`
	JWTPublicKey    string `koanf:"jwt_public_key"`  // PEM, RSA
	JWTPrivateKey   string `koanf:"jwt_private_key"` // PEM, PKCS1; dev identity provider only
	JWKSURL         string `koanf:"jwks_url"`
	JWTSecret       string `koanf:"jwt_secret"` // HS256 shared secret
	Issuer          string `koanf:"issuer"`
	Audience        string `koanf:"audience"`
}

type Delivery struct {
	Timeout           time.Duration `koanf:"timeout"`             // hard per-attempt timeout
	ResponseBodyLimit int           `koanf:"response_body_limit"` // bytes of response body kept
	UserAgent         string        `koanf:"user_agent"`
	MaxConcurrency    int           `koanf:"max_concurrency"` // deliveries in flight per dispatch
}

type Retry struct {
	Window      time.Duration `koanf:"window"`       // trailing window of failures considered
	MaxFailures int           `koanf:"max_failures"` // groups above this count are excluded
	BatchSize   int           `koanf:"batch_size"`   // failures loaded per sweep
	Interval    time.Duration `koanf:"interval"`     // worker sweep period, 0 disables the loop
}

type Tracing struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"` // OTLP HTTP host:port
	ServiceVersion string `koanf:"service_version"`
}

type Log struct {
	Level string `koanf:"level"`
}

type FakeReceiver struct {
	FailFirstN     int           `koanf:"fail_first_n"`    // Number of requests to fail initially
	EndpointSecret string        `koanf:"endpoint_secret"` // Secret for webhook signature verification
	ResponseDelay  time.Duration `koanf:"response_delay"`  // Simulated response delay
	Addr           string        `koanf:"addr"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
}

type Config struct {
	AppName        string       `koanf:"app_name"`
	HTTPAddr       string       `koanf:"http_addr"`        // ingest listener
	WorkerHTTPAddr string       `koanf:"worker_http_addr"` // worker health/metrics listener
	JWKSAddr       string       `koanf:"jwks_addr"`        // dev identity provider listener
	Store          Store        `koanf:"store"`
	DB             DB           `koanf:"db"`
	NSQ            NSQ          `koanf:"nsq"`
	Auth           Auth         `koanf:"auth"`
	Delivery       Delivery     `koanf:"delivery"`
	Retry          Retry        `koanf:"retry"`
	Tracing        Tracing      `koanf:"tracing"`
	Log            Log          `koanf:"log"`
	FakeReceiver   FakeReceiver `koanf:"fake_receiver"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		AppName:        "harbor-dispatch",
		HTTPAddr:       ":8080",
		WorkerHTTPAddr: ":8083",
		JWKSAddr:       ":8082",
		Store: Store{
			Driver:     "postgres",
			SQLitePath: "harbor.db",
		},
		DB: DB{
			User:     "postgres",
			Pass:     "postgres",
			Host:     "postgres",
			Port:     "5432",
			Name:     "harbor",
			MaxConns: 10,
		},
		NSQ: NSQ{
			Enabled:       false,
			NsqdTCPAddr:   "nsqd:4150",
			AttemptsTopic: "webhook_attempts",
			DLQTopic:      "webhook_attempts_dlq",
			NsqdHTTPAddr:  "nsqd:4151",
			Channel:       "harbor-monitor",
			MonitorAddr:   ":8084",
			PollInterval:  15 * time.Second,
		},
		Auth: Auth{
			// the scheduler path stays off until a value is configured
			SchedulerHeader: "X-Scheduled-Trigger",
			Issuer:          "harbor-dispatch",
			Audience:        "harbor-dispatch-api",
		},
		Delivery: Delivery{
			Timeout:           10 * time.Second,
			ResponseBodyLimit: 1024,
			UserAgent:         "HarborDispatch-Webhook/1.0",
			MaxConcurrency:    16,
		},
		Retry: Retry{
			Window:      24 * time.Hour,
			MaxFailures: 3,
			BatchSize:   50,
			Interval:    5 * time.Minute,
		},
		Tracing: Tracing{
			Enabled:        false,
			Endpoint:       "tempo:4318",
			ServiceVersion: "dev",
		},
		Log: Log{Level: "info"},
		FakeReceiver: FakeReceiver{
			Addr:         ":8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Load layers an optional YAML file and HARBOR_ environment variables over
// Defaults. A missing file at path is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps HARBOR_RETRY__MAX_FAILURES to retry.max_failures.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
}

// Validate reports the first setting that would make the engine misbehave.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver %q: want postgres or sqlite", c.Store.Driver)
	}
	if c.Delivery.Timeout <= 0 {
		return errors.New("delivery.timeout must be positive")
	}
	if c.Delivery.ResponseBodyLimit <= 0 {
		return errors.New("delivery.response_body_limit must be positive")
	}
	if c.Delivery.MaxConcurrency <= 0 {
		return errors.New("delivery.max_concurrency must be positive")
	}
	if c.Retry.Window <= 0 {
		return errors.New("retry.window must be positive")
	}
	if c.Retry.MaxFailures < 0 {
		return errors.New("retry.max_failures must not be negative")
	}
	if c.Retry.BatchSize <= 0 {
		return errors.New("retry.batch_size must be positive")
	}
	if c.Retry.Interval < 0 {
		return errors.New("retry.interval must not be negative")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
