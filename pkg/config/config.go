package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// StateConfig selects and parameterizes the state store backend (§4.1).
type StateConfig struct {
	Backend         string `json:"backend" env:"STATE_BACKEND"`
	RedisAddr       string `json:"redis_addr" env:"STATE_REDIS_ADDR"`
	RedisDB         int    `json:"redis_db" env:"STATE_REDIS_DB"`
	RedisPassword   string `json:"redis_password" env:"STATE_REDIS_PASSWORD"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"STATE_CONN_MAX_LIFETIME"`
}

// RedactConfig names payload fields to scrub before an audit record is persisted (§4.8).
type RedactConfig struct {
	Enabled     bool     `json:"enabled" env:"AUDIT_REDACT_ENABLED"`
	Fields      []string `json:"fields"`
	Placeholder string   `json:"placeholder" env:"AUDIT_REDACT_PLACEHOLDER"`
}

// AuditConfig controls the Audit Recorder (§4.8).
type AuditConfig struct {
	Enabled                bool         `json:"enabled" env:"AUDIT_ENABLED"`
	Backend                string       `json:"backend" env:"AUDIT_BACKEND"`
	TTLSeconds             int          `json:"ttl_seconds" env:"AUDIT_TTL_SECONDS"`
	CleanupIntervalSeconds int          `json:"cleanup_interval_seconds" env:"AUDIT_CLEANUP_INTERVAL_SECONDS"`
	StorePayload           bool         `json:"store_payload" env:"AUDIT_STORE_PAYLOAD"`
	HashChain              bool         `json:"hash_chain" env:"AUDIT_HASH_CHAIN"`
	Redact                 RedactConfig `json:"redact"`
}

// ExecutorConfig controls the provider Executor (§4.3).
type ExecutorConfig struct {
	MaxRetries     int  `json:"max_retries" env:"EXECUTOR_MAX_RETRIES"`
	TimeoutSeconds int  `json:"timeout_seconds" env:"EXECUTOR_TIMEOUT_SECONDS"`
	MaxConcurrent  int  `json:"max_concurrent" env:"EXECUTOR_MAX_CONCURRENT"`
	DLQEnabled     bool `json:"dlq_enabled" env:"EXECUTOR_DLQ_ENABLED"`
}

// ProviderCircuitOverride tunes circuit-breaker thresholds for one provider.
type ProviderCircuitOverride struct {
	Provider                string `json:"provider"`
	FailureThreshold        int    `json:"failure_threshold"`
	SuccessThreshold        int    `json:"success_threshold"`
	RecoveryTimeoutSeconds  int    `json:"recovery_timeout_seconds"`
}

// CircuitBreakerConfig controls per-provider circuit breakers (§4.3).
type CircuitBreakerConfig struct {
	Enabled                bool                      `json:"enabled" env:"CIRCUIT_ENABLED"`
	FailureThreshold       int                       `json:"failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	SuccessThreshold       int                       `json:"success_threshold" env:"CIRCUIT_SUCCESS_THRESHOLD"`
	RecoveryTimeoutSeconds int                       `json:"recovery_timeout_seconds" env:"CIRCUIT_RECOVERY_TIMEOUT_SECONDS"`
	ProviderOverrides      []ProviderCircuitOverride `json:"provider_overrides"`
}

// BackgroundConfig toggles and paces the gateway's background loops: the
// group flush loop (§4.6), the event-state-machine timeout sweeper (§4.7),
// and the scheduled-action releaser (§4.4).
type BackgroundConfig struct {
	EnableGroupFlush           bool `json:"enable_group_flush" env:"BACKGROUND_ENABLE_GROUP_FLUSH"`
	EnableTimeoutProcessing    bool `json:"enable_timeout_processing" env:"BACKGROUND_ENABLE_TIMEOUT_PROCESSING"`
	EnableScheduledActions     bool `json:"enable_scheduled_actions" env:"BACKGROUND_ENABLE_SCHEDULED_ACTIONS"`
	GroupFlushIntervalSeconds  int  `json:"group_flush_interval_seconds" env:"BACKGROUND_GROUP_FLUSH_INTERVAL_SECONDS"`
	TimeoutIntervalSeconds     int  `json:"timeout_interval_seconds" env:"BACKGROUND_TIMEOUT_INTERVAL_SECONDS"`
	ScheduledIntervalSeconds   int  `json:"scheduled_interval_seconds" env:"BACKGROUND_SCHEDULED_INTERVAL_SECONDS"`
}

// ChainsConfig controls the Chain Runner (§4.5). Definitions is decoded
// from the config file as raw JSON, but nothing in this module loads it
// into the Chain Runner; chain definitions are registered with the Runner
// directly.
type ChainsConfig struct {
	MaxConcurrentAdvances    int               `json:"max_concurrent_advances" env:"CHAINS_MAX_CONCURRENT_ADVANCES"`
	CompletedChainTTLSeconds int               `json:"completed_chain_ttl_seconds" env:"CHAINS_COMPLETED_TTL_SECONDS"`
	Definitions              []json.RawMessage `json:"definitions"`
}

// RulesConfig points at the rule source: a directory of declarative rule
// files, or an API-managed namespace resolved at startup.
type RulesConfig struct {
	Source    string `json:"source" env:"RULES_SOURCE"`
	Directory string `json:"directory" env:"RULES_DIRECTORY"`
}

// AuthConfig controls HTTP API authentication.
type AuthConfig struct {
	Tokens              []string   `json:"tokens"`
	JWTSecret           string     `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Users               []UserSpec `json:"users"`
	SupabaseJWTSecret   string     `json:"supabase_jwt_secret" env:"SUPABASE_JWT_SECRET"`
	SupabaseJWTAud      string     `json:"supabase_jwt_aud" env:"SUPABASE_JWT_AUD"`
	SupabaseAdminRoles  []string   `json:"supabase_admin_roles" env:"SUPABASE_ADMIN_ROLES"`
	SupabaseTenantClaim string     `json:"supabase_tenant_claim" env:"SUPABASE_TENANT_CLAIM"`
	SupabaseRoleClaim   string     `json:"supabase_role_claim" env:"SUPABASE_ROLE_CLAIM"`
	SupabaseGoTrueURL   string     `json:"supabase_gotrue_url" env:"SUPABASE_GOTRUE_URL"`
}

// SupabaseConfig holds self-hosted Supabase connection settings.
type SupabaseConfig struct {
	ProjectURL     string `json:"project_url" env:"SUPABASE_URL"`
	AnonKey        string `json:"anon_key" env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey string `json:"service_role_key" env:"SUPABASE_SERVICE_ROLE_KEY"`
	StorageURL     string `json:"storage_url" env:"SUPABASE_STORAGE_URL"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Logging        LoggingConfig        `json:"logging"`
	State          StateConfig          `json:"state"`
	Audit          AuditConfig          `json:"audit"`
	Executor       ExecutorConfig       `json:"executor"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Background     BackgroundConfig     `json:"background"`
	Chains         ChainsConfig         `json:"chains"`
	Rules          RulesConfig          `json:"rules"`
	Security       SecurityConfig       `json:"security"`
	Auth           AuthConfig           `json:"auth"`
	Supabase       SupabaseConfig       `json:"supabase"`
	Tracing        TracingConfig        `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "acteon-gateway",
		},
		State: StateConfig{
			Backend: "memory",
			RedisDB: 0,
		},
		Audit: AuditConfig{
			Enabled:                true,
			Backend:                "inherit", // rides on State.Backend unless overridden
			TTLSeconds:             90 * 24 * 3600,
			CleanupIntervalSeconds: 3600,
			StorePayload:           true,
			HashChain:              true,
			Redact: RedactConfig{
				Placeholder: "[REDACTED]",
			},
		},
		Executor: ExecutorConfig{
			MaxRetries:     3,
			TimeoutSeconds: 10,
			MaxConcurrent:  64,
			DLQEnabled:     true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:                true,
			FailureThreshold:       5,
			SuccessThreshold:       2,
			RecoveryTimeoutSeconds: 30,
		},
		Background: BackgroundConfig{
			EnableGroupFlush:          true,
			EnableTimeoutProcessing:   true,
			EnableScheduledActions:    true,
			GroupFlushIntervalSeconds: 1,
			TimeoutIntervalSeconds:    5,
			ScheduledIntervalSeconds:  1,
		},
		Chains: ChainsConfig{
			MaxConcurrentAdvances:    32,
			CompletedChainTTLSeconds: 7 * 24 * 3600,
		},
		Rules: RulesConfig{
			Source:    "directory",
			Directory: "configs/rules",
		},
		Security: SecurityConfig{},
		Auth:     AuthConfig{},
		Supabase: SupabaseConfig{},
		Tracing:  TracingConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/appserver: DATABASE_URL (Supabase DSN)
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
