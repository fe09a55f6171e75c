package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	ServiceName string
	Environment string
	LogLevel    string

	DatabaseURL string
	// RestoreDatabaseURL backs a separate pool so a rolled-back restore never
	// shares a session with a running dump. Defaults to DatabaseURL.
	RestoreDatabaseURL string
	DatabaseSchema     string
	ExcludedTables     []string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	// LocalStorageDir is used as the object store when no bucket is configured.
	LocalStorageDir string

	HTTPListenAddr    string
	MetricsListenAddr string

	ScheduleTimezone   string `validate:"required"`
	DatabaseBackupCron string `validate:"required"`
	FullBackupCron     string `validate:"required"`
	CleanupCron        string `validate:"required"`

	FullBackupTimeout     time.Duration `validate:"gt=0"`
	BlobBackupTimeout     time.Duration `validate:"gt=0"`
	DatabaseBackupTimeout time.Duration `validate:"gt=0"`

	RetentionFullDays  int `validate:"gte=0"`
	RetentionBlobDays  int `validate:"gte=0"`
	RetentionSweepDays int `validate:"gte=0"`

	RestoreConfirmDelay time.Duration `validate:"gte=0"`
	ArchiveConcurrency  int           `validate:"gte=1,lte=64"`

	TriggerAuthMode    string `validate:"oneof=jwt header"`
	TriggerSecret      string
	TriggerIssuer      string
	TriggerHeader      string
	TriggerHeaderValue string
	OperatorAPIKey     string

	// ConfigFile is an optional YAML overlay for schedules, deadlines and retention.
	ConfigFile string
}

var validate = validator.New()

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:           getEnv("SERVICE_NAME", "boosterclub-backup"),
		Environment:           getEnv("ENVIRONMENT", "production"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RestoreDatabaseURL:    getEnv("RESTORE_DATABASE_URL", ""),
		DatabaseSchema:        getEnv("DB_SCHEMA", "public"),
		ExcludedTables:        splitList(getEnv("BACKUP_EXCLUDED_TABLES", "")),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		LocalStorageDir:       getEnv("LOCAL_STORAGE_DIR", "/var/lib/boosterclub/storage"),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsListenAddr:     getEnv("METRICS_LISTEN_ADDR", ":9090"),
		ScheduleTimezone:      getEnv("SCHEDULE_TIMEZONE", "America/Chicago"),
		DatabaseBackupCron:    getEnv("DATABASE_BACKUP_CRON", "0 2 * * *"),
		FullBackupCron:        getEnv("FULL_BACKUP_CRON", "0 3 * * 0"),
		CleanupCron:           getEnv("CLEANUP_CRON", "30 4 * * *"),
		TriggerAuthMode:       getEnv("TRIGGER_AUTH_MODE", "jwt"),
		TriggerSecret:         getEnv("TRIGGER_SECRET", ""),
		TriggerIssuer:         getEnv("TRIGGER_ISSUER", "boosterclub-cron"),
		TriggerHeader:         getEnv("TRIGGER_HEADER", "User-Agent"),
		TriggerHeaderValue:    getEnv("TRIGGER_HEADER_VALUE", ""),
		OperatorAPIKey:        getEnv("OPERATOR_API_KEY", ""),
		ConfigFile:            getEnv("BACKUP_CONFIG_FILE", ""),
	}

	var err error
	if cfg.S3PathStyle, err = getBool("S3_PATH_STYLE", false); err != nil {
		return nil, err
	}
	if cfg.FullBackupTimeout, err = getDuration("FULL_BACKUP_TIMEOUT", 25*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BlobBackupTimeout, err = getDuration("BLOB_BACKUP_TIMEOUT", 20*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DatabaseBackupTimeout, err = getDuration("DATABASE_BACKUP_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RestoreConfirmDelay, err = getDuration("RESTORE_CONFIRM_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetentionFullDays, err = getInt("RETENTION_FULL_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.RetentionBlobDays, err = getInt("RETENTION_BLOB_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.RetentionSweepDays, err = getInt("RETENTION_SWEEP_DAYS", 14); err != nil {
		return nil, err
	}
	if cfg.ArchiveConcurrency, err = getInt("ARCHIVE_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	if cfg.RestoreDatabaseURL == "" {
		cfg.RestoreDatabaseURL = cfg.DatabaseURL
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks that every variable the given role needs is present.
// Roles: "worker" (scheduler + HTTP adapter) and "cli" (operator commands).
func (c *Config) Validate(role string) error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.S3Bucket == "" && c.LocalStorageDir == "" {
		missing = append(missing, "S3_BUCKET or LOCAL_STORAGE_DIR")
	}

	switch role {
	case "worker":
		if c.HTTPListenAddr == "" {
			missing = append(missing, "HTTP_LISTEN_ADDR")
		}
		if c.OperatorAPIKey == "" {
			missing = append(missing, "OPERATOR_API_KEY")
		}
		switch c.TriggerAuthMode {
		case "jwt":
			if c.TriggerSecret == "" {
				missing = append(missing, "TRIGGER_SECRET")
			}
		case "header":
			if c.TriggerHeaderValue == "" {
				missing = append(missing, "TRIGGER_HEADER_VALUE")
			}
		}
	case "cli":
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return fmt.Errorf("invalid SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}

	return nil
}

// UsesS3 reports whether objects live in an S3 bucket rather than on local disk.
func (c *Config) UsesS3() bool {
	return c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
