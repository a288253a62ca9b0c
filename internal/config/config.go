package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// Store backends for the durable mirror.
const (
	BackendFile     = "file"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config is built once at startup and passed by value to whatever needs it.
type Config struct {
	Port     string
	LogLevel string
	LogJSON  bool

	Environment    string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	PhonePrefix    string

	ProviderTimeout time.Duration

	StoreBackend string
	DataDir      string
	MongoURI     string
	MongoDB      string
	DatabaseURL  string

	RedisAddr     string
	RedisPassword string
	RabbitMQURL   string
	EventExchange string

	CallbackToken  string
	AdminJWTSecret string
	AdminOpen      bool

	SweepInterval  time.Duration
	PendingTimeout time.Duration
	SweepWorkers   int
	SweepQueue     int

	OTLPEndpoint string
	ServiceName  string
}

// LoadDotEnv loads a .env file when present. Production uses real env vars.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		log.Warn().Err(err).Msg(".env not loaded, using process environment")
	}
}

// Load reads the process environment into a validated Config.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from any key lookup, so tests need not touch the process env.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := Config{
		Port:     get("PORT", "8080"),
		LogLevel: get("LOG_LEVEL", "info"),

		Environment:    strings.ToLower(get("MPESA_ENVIRONMENT", EnvSandbox)),
		BaseURL:        get("MPESA_BASE_URL", ""),
		ConsumerKey:    get("MPESA_CONSUMER_KEY", ""),
		ConsumerSecret: get("MPESA_CONSUMER_SECRET", ""),
		ShortCode:      get("MPESA_SHORTCODE", ""),
		PassKey:        get("MPESA_PASSKEY", ""),
		CallbackURL:    get("MPESA_CALLBACK_URL", ""),
		PhonePrefix:    get("MPESA_PHONE_PREFIX", "254"),

		StoreBackend: strings.ToLower(get("STORE_BACKEND", BackendFile)),
		DataDir:      get("DATA_DIR", "data/transactions"),
		MongoURI:     get("MONGOURI", ""),
		MongoDB:      get("MONGO_DB", "pushpaydb"),
		DatabaseURL:  get("DATABASE_URL", ""),

		RedisAddr:     get("REDIS_ADDR", ""),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RabbitMQURL:   get("RABBITMQ_URL", ""),
		EventExchange: get("EVENT_EXCHANGE", "payment_events"),

		CallbackToken:  get("CALLBACK_TOKEN", ""),
		AdminJWTSecret: get("ADMIN_JWT_SECRET", ""),

		OTLPEndpoint: get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  get("OTEL_SERVICE_NAME", "pushpay-gateway"),
	}

	var err error
	if cfg.LogJSON, err = parseBool(get("LOG_JSON", "false")); err != nil {
		return Config{}, fmt.Errorf("LOG_JSON: %w", err)
	}
	if cfg.AdminOpen, err = parseBool(get("ADMIN_OPEN", "false")); err != nil {
		return Config{}, fmt.Errorf("ADMIN_OPEN: %w", err)
	}
	if cfg.ProviderTimeout, err = time.ParseDuration(get("PROVIDER_TIMEOUT", "15s")); err != nil {
		return Config{}, fmt.Errorf("PROVIDER_TIMEOUT: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(get("SWEEP_INTERVAL", "0s")); err != nil {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL: %w", err)
	}
	if cfg.PendingTimeout, err = time.ParseDuration(get("PENDING_TIMEOUT", "2m")); err != nil {
		return Config{}, fmt.Errorf("PENDING_TIMEOUT: %w", err)
	}
	if cfg.SweepWorkers, err = strconv.Atoi(get("SWEEP_WORKERS", "4")); err != nil {
		return Config{}, fmt.Errorf("SWEEP_WORKERS: %w", err)
	}
	if cfg.SweepQueue, err = strconv.Atoi(get("SWEEP_QUEUE", "100")); err != nil {
		return Config{}, fmt.Errorf("SWEEP_QUEUE: %w", err)
	}

	if cfg.BaseURL == "" {
		switch cfg.Environment {
		case EnvProduction:
			cfg.BaseURL = ProductionBaseURL
		default:
			cfg.BaseURL = SandboxBaseURL
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on anything the gateway cannot run without.
func (c Config) Validate() error {
	var missing []string
	required := []struct {
		key, val string
	}{
		{"MPESA_CONSUMER_KEY", c.ConsumerKey},
		{"MPESA_CONSUMER_SECRET", c.ConsumerSecret},
		{"MPESA_SHORTCODE", c.ShortCode},
		{"MPESA_PASSKEY", c.PassKey},
		{"MPESA_CALLBACK_URL", c.CallbackURL},
	}
	for _, r := range required {
		if r.val == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Environment != EnvSandbox && c.Environment != EnvProduction {
		return fmt.Errorf("MPESA_ENVIRONMENT must be %q or %q, got %q", EnvSandbox, EnvProduction, c.Environment)
	}
	for _, ch := range c.PhonePrefix {
		if ch < '0' || ch > '9' {
			return fmt.Errorf("MPESA_PHONE_PREFIX must be numeric, got %q", c.PhonePrefix)
		}
	}

	switch c.StoreBackend {
	case BackendFile:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the file backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGOURI is required for the mongo backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.SweepInterval > 0 && (c.SweepWorkers < 1 || c.SweepQueue < 1) {
		return fmt.Errorf("SWEEP_WORKERS and SWEEP_QUEUE must be at least 1")
	}
	return nil
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}
