// Package config loads application configuration from environment
// variables, applying defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	Ledger   LedgerConfig
	Approval ApprovalConfig
	Notify   NotifyConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	// Backend is one of memory, postgres, dynamodb, immudb.
	Backend string

	Postgres PostgresConfig
	DynamoDB DynamoDBConfig
	ImmuDB   ImmuDBConfig
}

// PostgresConfig describes connectivity to PostgreSQL.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DynamoDBConfig describes connectivity to DynamoDB.
type DynamoDBConfig struct {
	Region    string
	TableName string
	Endpoint  string
}

// ImmuDBConfig describes connectivity to immudb.
type ImmuDBConfig struct {
	Address  string
	Port     int
	Username string
	Password string
	Database string
}

// ApprovalConfig carries the maker-checker policy knobs.
type ApprovalConfig struct {
	DualApprovalThreshold float64
	AdminCeiling          float64
	ComplianceCeiling     float64
	UnlimitedBypassesDual bool
	CommitRetries         int
}

// NotifyConfig configures the Redis transition event channel.
type NotifyConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Channel       string
}

// MetricsConfig configures the Timestream metrics sink.
type MetricsConfig struct {
	Enabled      bool
	Region       string
	DatabaseName string
	TableName    string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultBackend           = "memory"
	defaultPostgresMaxConns  = 10
	defaultConnMaxLifetime   = 30 * time.Minute
	defaultDynamoTable       = "SettlementLedger"
	defaultAWSRegion         = "us-east-1"
	defaultImmuAddress       = "127.0.0.1"
	defaultImmuPort          = 3322
	defaultDualThreshold     = 5000
	defaultAdminCeiling      = 10000
	defaultComplianceCeiling = 5000
	defaultCommitRetries     = 3
	defaultNotifyChannel     = "settlement.transitions"
	defaultLoggingLevel      = "info"
	defaultLoggingFormat     = "text"
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Ledger: LedgerConfig{
			Backend: valueOrDefault("LEDGER_BACKEND", defaultBackend),
			Postgres: PostgresConfig{
				DSN:             os.Getenv("POSTGRES_DSN"),
				MaxOpenConns:    parseIntWithDefault("POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxConns),
				MaxIdleConns:    parseIntWithDefault("POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxConns),
				ConnMaxLifetime: defaultConnMaxLifetime,
			},
			DynamoDB: DynamoDBConfig{
				Region:    valueOrDefault("AWS_REGION", defaultAWSRegion),
				TableName: valueOrDefault("DYNAMODB_TABLE", defaultDynamoTable),
				Endpoint:  os.Getenv("DYNAMODB_ENDPOINT"),
			},
			ImmuDB: ImmuDBConfig{
				Address:  valueOrDefault("IMMUDB_ADDRESS", defaultImmuAddress),
				Port:     parseIntWithDefault("IMMUDB_PORT", defaultImmuPort),
				Username: valueOrDefault("IMMUDB_USERNAME", "immudb"),
				Password: valueOrDefault("IMMUDB_PASSWORD", "immudb"),
				Database: valueOrDefault("IMMUDB_DATABASE", "defaultdb"),
			},
		},
		Approval: ApprovalConfig{
			DualApprovalThreshold: parseFloatWithDefault("APPROVAL_DUAL_THRESHOLD", defaultDualThreshold),
			AdminCeiling:          parseFloatWithDefault("APPROVAL_ADMIN_CEILING", defaultAdminCeiling),
			ComplianceCeiling:     parseFloatWithDefault("APPROVAL_COMPLIANCE_CEILING", defaultComplianceCeiling),
			UnlimitedBypassesDual: parseBoolWithDefault("APPROVAL_UNLIMITED_BYPASSES_DUAL", false),
			CommitRetries:         parseIntWithDefault("ENGINE_COMMIT_RETRIES", defaultCommitRetries),
		},
		Notify: NotifyConfig{
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       parseIntWithDefault("REDIS_DB", 0),
			Channel:       valueOrDefault("NOTIFY_CHANNEL", defaultNotifyChannel),
		},
		Metrics: MetricsConfig{
			Enabled:      parseBoolWithDefault("METRICS_ENABLED", false),
			Region:       valueOrDefault("AWS_REGION", defaultAWSRegion),
			DatabaseName: valueOrDefault("METRICS_DATABASE", "SettlementMetrics"),
			TableName:    valueOrDefault("METRICS_TABLE", "Transitions"),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
	}

	switch cfg.Ledger.Backend {
	case "memory", "postgres", "dynamodb", "immudb":
	default:
		return Config{}, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.Ledger.Backend)
	}
	if cfg.Ledger.Backend == "postgres" && cfg.Ledger.Postgres.DSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
	}

	if v := os.Getenv("POSTGRES_CONN_MAX_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid POSTGRES_CONN_MAX_LIFETIME: %w", err)
		}
		cfg.Ledger.Postgres.ConnMaxLifetime = d
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseFloatWithDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return fallback
}
