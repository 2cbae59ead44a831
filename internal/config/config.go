// Package config defines the process-wide configuration. It is loaded once
// at startup and immutable thereafter, following 12-Factor principles:
// values come from the environment, never from code.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Components never read the environment themselves; they receive the resolved
// sub-struct they need.
package config

import (
	"time"

	"sitecast/internal/features"
	"sitecast/internal/gridded"
	"sitecast/internal/regress"
	"sitecast/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials so they cannot leak through logs or JSON dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Populated once during process
// initialization and never modified.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"sitecast"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain configurations
	Database DatabaseConfig
	AWS      AWSConfig
	NWP      NWPConfig
	PV       PVConfig
	Model    ModelConfig
	Training TrainingConfig
}

// DatabaseConfig holds the PV history database connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds regional configuration for the S3-backed grid archive.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EndpointURL supports LocalStack; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// NWPConfig holds the weather-grid archive location and availability rules.
type NWPConfig struct {
	Bucket string `envconfig:"NWP_BUCKET" validate:"required"`
	Prefix string `envconfig:"NWP_PREFIX"`

	// SourceKeys names the weather models to load, in archive-key order.
	SourceKeys []string `envconfig:"NWP_SOURCE_KEYS" default:"ukv"`

	// Lag is the delay before a model run becomes visible to queries.
	Lag time.Duration `envconfig:"NWP_LAG" default:"3h"`
	// Tolerance bounds how stale the freshest visible run may be before
	// queries return no data instead of old forecasts. Zero disables it.
	Tolerance time.Duration `envconfig:"NWP_TOLERANCE" default:"0"`

	// CacheDir enables the on-disk query cache when non-empty.
	CacheDir string `envconfig:"NWP_CACHE_DIR"`
}

// PVConfig holds PV-history availability rules.
type PVConfig struct {
	// Lag is the reporting delay of the PV meters: a query at "now" sees
	// only readings older than now minus this.
	Lag time.Duration `envconfig:"PV_LAG" default:"0"`
}

// ModelConfig holds feature-assembly and regression parameters.
type ModelConfig struct {
	HorizonMinutes int `envconfig:"HORIZON_MINUTES" default:"15" validate:"gt=0"`
	HorizonCount   int `envconfig:"HORIZON_COUNT" default:"48" validate:"gt=0"`

	NumDaysHistory       int     `envconfig:"NUM_DAYS_HISTORY" default:"7" validate:"gt=0"`
	RecentPowerMinutes   int     `envconfig:"RECENT_POWER_MINUTES" default:"30" validate:"gt=0"`
	NumRecentPowerValues int     `envconfig:"NUM_RECENT_POWER_VALUES" default:"0" validate:"gte=0"`
	PVDropout            float64 `envconfig:"PV_DROPOUT" default:"0.1" validate:"gte=0,lte=1"`
	NWPDropout           float64 `envconfig:"NWP_DROPOUT" default:"0.1" validate:"gte=0,lte=1"`
	Normalize            bool    `envconfig:"NORMALIZE_FEATURES" default:"true"`
	UseCapacityAsFeature bool    `envconfig:"USE_CAPACITY_FEATURE" default:"true"`

	Lambda           float64 `envconfig:"RIDGE_LAMBDA" default:"0.001" validate:"gt=0"`
	NormalizeTargets bool    `envconfig:"NORMALIZE_TARGETS" default:"true"`

	// ModelPath is where trained models are written and read back.
	ModelPath string `envconfig:"MODEL_PATH" default:"model.zst"`
}

// TrainingConfig holds sample-generation and split parameters.
type TrainingConfig struct {
	NumSamples  int   `envconfig:"TRAIN_NUM_SAMPLES" default:"4096" validate:"gt=0"`
	Workers     int   `envconfig:"TRAIN_WORKERS" default:"4" validate:"gt=0"`
	TrainDays   int   `envconfig:"TRAIN_DAYS" default:"30" validate:"gt=0"`
	StepMinutes int   `envconfig:"TRAIN_STEP_MINUTES" default:"15" validate:"gt=0"`
	Seed        int64 `envconfig:"TRAIN_SEED" default:"1234"`

	// TrainRatio is the share of sites used for training, the rest being
	// held out for testing. Negative disables splitting entirely.
	TrainRatio float64 `envconfig:"TRAIN_SPLIT_RATIO" default:"0.9" validate:"lte=1"`
	ValidRatio float64 `envconfig:"VALID_SPLIT_RATIO" default:"0.1" validate:"gte=0,lte=1"`
}

// Horizons builds the forecast horizon set from the model parameters.
func (m ModelConfig) Horizons() (types.Horizons, error) {
	return types.NewHorizons(m.HorizonMinutes, m.HorizonCount)
}

// FeatureConfig maps the model parameters onto a feature-assembly config.
func (m ModelConfig) FeatureConfig(horizons types.Horizons) features.Config {
	return features.Config{
		Horizons:             horizons,
		NumDaysHistory:       m.NumDaysHistory,
		PVDropout:            m.PVDropout,
		NWPDropout:           m.NWPDropout,
		Normalize:            m.Normalize,
		UseCapacityAsFeature: m.UseCapacityAsFeature,
		NRecentPowerValues:   m.NumRecentPowerValues,
		RecentPowerMinutes:   m.RecentPowerMinutes,
	}
}

// RidgeConfig maps the model parameters onto a regressor config.
func (m ModelConfig) RidgeConfig() regress.RidgeConfig {
	return regress.RidgeConfig{
		Lambda:           m.Lambda,
		NormalizeTargets: m.NormalizeTargets,
	}
}

// SourceOptions maps the archive parameters onto grid source options.
func (n NWPConfig) SourceOptions() gridded.SourceOptions {
	return gridded.SourceOptions{
		Lag:       n.Lag,
		Tolerance: n.Tolerance,
		CacheDir:  n.CacheDir,
	}
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment variable values into
	// their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
