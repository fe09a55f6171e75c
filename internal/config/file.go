package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edvin/boosterclub/internal/model"
)

// fileConfig is the YAML overlay. Only fields present in the file override
// the environment.
type fileConfig struct {
	Schedule struct {
		Timezone     string `yaml:"timezone"`
		DatabaseCron string `yaml:"database_cron"`
		FullCron     string `yaml:"full_cron"`
		CleanupCron  string `yaml:"cleanup_cron"`
	} `yaml:"schedule"`
	Timeouts struct {
		Full     string `yaml:"full"`
		Blob     string `yaml:"blob"`
		Database string `yaml:"database"`
	} `yaml:"timeouts"`
	Retention struct {
		FullDays  *int `yaml:"full_days"`
		BlobDays  *int `yaml:"blob_days"`
		SweepDays *int `yaml:"sweep_days"`
	} `yaml:"retention"`
	ExcludedTables     []string `yaml:"excluded_tables"`
	ArchiveConcurrency *int     `yaml:"archive_concurrency"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ScheduleTimezone, fc.Schedule.Timezone)
	setString(&c.DatabaseBackupCron, fc.Schedule.DatabaseCron)
	setString(&c.FullBackupCron, fc.Schedule.FullCron)
	setString(&c.CleanupCron, fc.Schedule.CleanupCron)

	for _, d := range []struct {
		dst *time.Duration
		val string
		key string
	}{
		{&c.FullBackupTimeout, fc.Timeouts.Full, "timeouts.full"},
		{&c.BlobBackupTimeout, fc.Timeouts.Blob, "timeouts.blob"},
		{&c.DatabaseBackupTimeout, fc.Timeouts.Database, "timeouts.database"},
	} {
		if d.val == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if fc.Retention.FullDays != nil {
		c.RetentionFullDays = *fc.Retention.FullDays
	}
	if fc.Retention.BlobDays != nil {
		c.RetentionBlobDays = *fc.Retention.BlobDays
	}
	if fc.Retention.SweepDays != nil {
		c.RetentionSweepDays = *fc.Retention.SweepDays
	}
	if len(fc.ExcludedTables) > 0 {
		c.ExcludedTables = fc.ExcludedTables
	}
	if fc.ArchiveConcurrency != nil {
		c.ArchiveConcurrency = *fc.ArchiveConcurrency
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Retention returns the retention window for automatically cleaned kinds.
// The database kind is deliberately absent.
func (c *Config) Retention() model.RetentionWindow {
	return model.RetentionWindow{MaxAgeDays: map[string]int{
		model.BackupKindFull: c.RetentionFullDays,
		model.BackupKindBlob: c.RetentionBlobDays,
	}}
}

// Timeouts returns the wall-clock deadline per backup kind.
func (c *Config) Timeouts() map[string]time.Duration {
	return map[string]time.Duration{
		model.BackupKindFull:     c.FullBackupTimeout,
		model.BackupKindBlob:     c.BlobBackupTimeout,
		model.BackupKindDatabase: c.DatabaseBackupTimeout,
	}
}
