package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	StoreDriver string
	SQLitePath  string
	ServerAddr  string
	APIKeyHash  string

	ParticipantID   string
	CallbackAddress string
	ProviderOffer   bool

	WorkerID         string
	BatchSize        int
	Parallelism      int
	LeaseDuration    time.Duration
	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	StateConfigFile  string
	States           StateConfig
	DispatchTimeout  time.Duration
	DispatchRetryMax int
	DispatchRate     float64
	DispatchBurst    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIORegion    string
	MinIOUseSSL    bool
	NoopTypes      []string

	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
}

// StateConfig tunes retries per state name. It is read from STATE_CONFIG_FILE.
type StateConfig struct {
	LeaseDuration string        `yaml:"leaseDuration"`
	Negotiation   MachineConfig `yaml:"negotiation"`
	Transfer      MachineConfig `yaml:"transfer"`
}

// MachineConfig holds the overrides of one state machine.
type MachineConfig struct {
	MaxRetries map[string]int `yaml:"maxRetries"`
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "connector")
		pass := getenv("POSTGRES_PASSWORD", "connector_pass")
		db := getenv("POSTGRES_DB", "connector")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")

	cfg := &Config{
		DatabaseURL: dsn,
		StoreDriver: getenv("STORE_DRIVER", DriverMemory),
		SQLitePath:  getenv("SQLITE_PATH", "connector.db"),
		ServerAddr:  addr,
		APIKeyHash:  os.Getenv("API_KEY_HASH"),

		ParticipantID:   getenv("PARTICIPANT_ID", "connector"),
		CallbackAddress: getenv("PROTOCOL_CALLBACK_ADDRESS", "http://localhost:8080/protocol"),
		ProviderOffer:   parseBool(os.Getenv("PROVIDER_OFFER_FIRST"), false),

		WorkerID:         os.Getenv("WORKER_ID"),
		BatchSize:        parseInt(os.Getenv("BATCH_SIZE"), 20),
		Parallelism:      parseInt(os.Getenv("PARALLELISM"), 4),
		LeaseDuration:    parseDuration(os.Getenv("LEASE_DURATION"), 60*time.Second),
		PollInterval:     parseDuration(os.Getenv("POLL_INTERVAL"), time.Second),
		PollMaxInterval:  parseDuration(os.Getenv("POLL_MAX_INTERVAL"), 30*time.Second),
		MaxRetries:       parseInt(os.Getenv("MAX_RETRIES"), 7),
		RetryBaseDelay:   parseDuration(os.Getenv("RETRY_BASE_DELAY"), time.Second),
		RetryMaxDelay:    parseDuration(os.Getenv("RETRY_MAX_DELAY"), time.Minute),
		StateConfigFile:  os.Getenv("STATE_CONFIG_FILE"),
		DispatchTimeout:  parseDuration(os.Getenv("DISPATCH_TIMEOUT"), 10*time.Second),
		DispatchRetryMax: parseInt(os.Getenv("DISPATCH_RETRY_MAX"), 2),
		DispatchRate:     parseFloat(os.Getenv("DISPATCH_RATE_LIMIT"), 50),
		DispatchBurst:    parseInt(os.Getenv("DISPATCH_BURST"), 10),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(os.Getenv("REDIS_DB"), 0),
		RedisPrefix:   getenv("REDIS_PREFIX", "connector.events"),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIORegion:    os.Getenv("MINIO_REGION"),
		MinIOUseSSL:    parseBool(os.Getenv("MINIO_USE_SSL"), false),
		NoopTypes:      splitList(os.Getenv("NOOP_PROVISION_TYPES")),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: parseBool(getenv("OTEL_EXPORTER_OTLP_INSECURE", "true"), true),
		SampleRate:   parseFloat(os.Getenv("OTEL_SAMPLE_RATE"), 1),
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.StateConfigFile != "" {
		states, err := LoadStateConfig(cfg.StateConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.States = states
		if states.LeaseDuration != "" {
			d, err := time.ParseDuration(states.LeaseDuration)
			if err != nil {
				return nil, fmt.Errorf("state config leaseDuration: %w", err)
			}
			cfg.LeaseDuration = d
		}
	}
	return cfg, nil
}

// LoadStateConfig reads a YAML state tuning file.
func LoadStateConfig(path string) (StateConfig, error) {
	var sc StateConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read state config: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse state config: %w", err)
	}
	return sc, nil
}

// ResolveMaxRetries maps state names to state codes with parse. Unknown names
// are reported as an error.
func (m MachineConfig) ResolveMaxRetries(parse func(string) (int, bool)) (map[int]int, error) {
	out := make(map[int]int, len(m.MaxRetries))
	for name, n := range m.MaxRetries {
		state, ok := parse(name)
		if !ok {
			return nil, fmt.Errorf("unknown state %q in maxRetries", name)
		}
		out[state] = n
	}
	return out, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func splitList(val string) []string {
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
