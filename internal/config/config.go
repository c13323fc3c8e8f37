package config

import (
	"time"

	"github.com/spf13/viper"
)

type ProfilerConfig struct {
	SampleSize         int     `mapstructure:"sample_size"`
	SampleFloor        int     `mapstructure:"sample_floor"`
	Seed               int64   `mapstructure:"seed"`
	MismatchThreshold  float64 `mapstructure:"mismatch_threshold"`
	CorruptThreshold   float64 `mapstructure:"corrupt_threshold"`
	OffendingSampleCap int     `mapstructure:"offending_sample_cap"`
	KeyWeight          float64 `mapstructure:"key_weight"`
}

type CleanerConfig struct {
	DeadLetterThreshold float64 `mapstructure:"dead_letter_threshold"`
}

type MigratorConfig struct {
	CanaryFraction     float64       `mapstructure:"canary_fraction"`
	BatchSize          int           `mapstructure:"batch_size"`
	Workers            int           `mapstructure:"workers"`
	RowCountTolerance  float64       `mapstructure:"row_count_tolerance"`
	AggregateTolerance float64       `mapstructure:"aggregate_tolerance"`
	RetentionWindow    time.Duration `mapstructure:"retention_window"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
}

type Config struct {
	SourceDSN   string `mapstructure:"source_dsn"`
	TargetDSN   string `mapstructure:"target_dsn"`
	MetadataDSN string `mapstructure:"metadata_dsn"`
	TableName   string `mapstructure:"table_name"`
	// TargetSchema is the serving (blue) schema on the target engine.
	TargetSchema string         `mapstructure:"target_schema"`
	LeaseSecret  string         `mapstructure:"lease_secret"`
	MetricsAddr  string         `mapstructure:"metrics_addr"`
	Profiler     ProfilerConfig `mapstructure:"profiler"`
	Cleaner      CleanerConfig  `mapstructure:"cleaner"`
	Migrator     MigratorConfig `mapstructure:"migrator"`
}

// Load reads the configuration from a YAML file, falling back to
// documented defaults for anything unset. A missing config file is fine;
// every knob can come from flags or defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	var config Config
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	} else if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset knobs with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Profiler.SampleSize == 0 {
		c.Profiler.SampleSize = 1000
	}
	if c.Profiler.SampleFloor == 0 {
		c.Profiler.SampleFloor = 100
	}
	if c.Profiler.Seed == 0 {
		c.Profiler.Seed = 1
	}
	if c.Profiler.MismatchThreshold == 0 {
		c.Profiler.MismatchThreshold = 0.10
	}
	if c.Profiler.CorruptThreshold == 0 {
		c.Profiler.CorruptThreshold = 0.20
	}
	if c.Profiler.OffendingSampleCap == 0 {
		c.Profiler.OffendingSampleCap = 10
	}
	if c.Profiler.KeyWeight == 0 {
		c.Profiler.KeyWeight = 2.0
	}
	if c.Cleaner.DeadLetterThreshold == 0 {
		c.Cleaner.DeadLetterThreshold = 0.05
	}
	if c.Migrator.CanaryFraction == 0 {
		c.Migrator.CanaryFraction = 0.10
	}
	if c.Migrator.BatchSize == 0 {
		c.Migrator.BatchSize = 500
	}
	if c.Migrator.Workers == 0 {
		c.Migrator.Workers = 4
	}
	if c.Migrator.RowCountTolerance == 0 {
		c.Migrator.RowCountTolerance = 0.02
	}
	if c.Migrator.AggregateTolerance == 0 {
		c.Migrator.AggregateTolerance = 0.02
	}
	if c.Migrator.RetentionWindow == 0 {
		c.Migrator.RetentionWindow = 24 * time.Hour
	}
	if c.Migrator.LeaseTTL == 0 {
		c.Migrator.LeaseTTL = time.Hour
	}
	if c.LeaseSecret == "" {
		c.LeaseSecret = "sluice-dev-lease-secret"
	}
	if c.TargetSchema == "" {
		c.TargetSchema = "public"
	}
}
