package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
	"github.com/robfig/cron/v3"
)

type Config struct {
	OrganizationName string
	AppName          string `validate:"required"`
	Env              string `validate:"required"`
	DBUrl            string `validate:"required"`
	LogLevel         string

	// MaintenanceCron schedules archive + recount runs. Empty disables the
	// scheduler.
	MaintenanceCron string
	// ArchiveAfter is how long a DONE task stays visible before archiving.
	ArchiveAfter time.Duration `validate:"gt=0"`

	TxMaxRetries        int           `validate:"gte=1"`
	TxRetryDelay        time.Duration `validate:"gte=0"`
	TxLockWait          time.Duration `validate:"gte=0"`
	AdvisoryLockTimeout time.Duration `validate:"gt=0"`
	BulkChunkSize       int           `validate:"gte=1"`
	SlowThreshold       time.Duration `validate:"gt=0"`

	LDFlag_SeedDbWithTestData bool
}

const (
	OrganizationName    = utils.OrganizationName
	LDConnectionTimeout = 5 * time.Second
	DefaultArchiveAfter = 30 * 24 * time.Hour
)

var (
	AppName             string
	LDServerContextKey  string
	LDServerContextKind string
)

var validate = validator.New()

// LoadConfig reads the process environment, resolves secrets and flags and
// exits on anything missing or out of range.
func LoadConfig() *Config {
	if AppName == "" {
		utils.Logger.Fatal("AppName ldflag missing")
	}
	utils.Logger.Info("Loading config for app: ", AppName)

	cfg, err := FromEnv(AppName, os.Getenv)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Invalid configuration")
	}

	if cfg.DBUrl == "" && os.Getenv("BWS_ACCESS_TOKEN") != "" {
		cfg.DBUrl = dbURLFromBWS(cfg.AppName, cfg.Env)
	}

	if sdkKey := os.Getenv("LD_SDK_KEY"); sdkKey != "" {
		applyLaunchDarkly(cfg, sdkKey)
	} else {
		utils.Logger.Debug("LD_SDK_KEY not set; using environment tuning only")
	}

	if err := cfg.Validate(); err != nil {
		utils.Logger.WithError(err).Fatal("Invalid configuration")
	}
	return cfg
}

// FromEnv builds a Config from environment lookups. Unset tuning variables
// keep their defaults; malformed ones are an error. DB_URL may still be
// empty here, LoadConfig fills it from Bitwarden when it is.
func FromEnv(appName string, getenv func(string) string) (*Config, error) {
	env := getenv("ENV")
	if env == "" {
		return nil, fmt.Errorf("ENV env var is missing")
	}

	cfg := &Config{
		OrganizationName:    OrganizationName,
		AppName:             appName,
		Env:                 env,
		DBUrl:               getenv("DB_URL"),
		LogLevel:            getenv("LOG_LEVEL"),
		MaintenanceCron:     strings.TrimSpace(getenv("MAINTENANCE_CRON")),
		ArchiveAfter:        DefaultArchiveAfter,
		TxMaxRetries:        utils.DefaultTxMaxRetries,
		TxRetryDelay:        utils.DefaultTxRetryDelay,
		TxLockWait:          utils.DefaultTxLockWait,
		AdvisoryLockTimeout: utils.DefaultAdvisoryLockTimeout,
		BulkChunkSize:       utils.DefaultBulkChunkSize,
		SlowThreshold:       utils.DefaultSlowThreshold,
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"TX_MAX_RETRIES", &cfg.TxMaxRetries},
		{"TX_CHUNK_SIZE", &cfg.BulkChunkSize},
	}
	for _, v := range ints {
		raw := getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"TX_RETRY_DELAY", &cfg.TxRetryDelay},
		{"TX_LOCK_WAIT", &cfg.TxLockWait},
		{"TX_ADVISORY_LOCK_TIMEOUT", &cfg.AdvisoryLockTimeout},
		{"TX_SLOW_THRESHOLD", &cfg.SlowThreshold},
		{"ARCHIVE_AFTER", &cfg.ArchiveAfter},
	}
	for _, v := range durations {
		raw := getenv(v.name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = d
	}

	if cfg.MaintenanceCron != "" {
		if _, err := cron.ParseStandard(cfg.MaintenanceCron); err != nil {
			return nil, fmt.Errorf("MAINTENANCE_CRON: %w", err)
		}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineOptions is the transaction engine tuning this config describes.
func (c *Config) EngineOptions() txengine.Options {
	return txengine.Options{
		MaxRetries:          c.TxMaxRetries,
		RetryDelay:          c.TxRetryDelay,
		LockWait:            c.TxLockWait,
		AdvisoryLockTimeout: c.AdvisoryLockTimeout,
		ChunkSize:           c.BulkChunkSize,
		SlowThreshold:       c.SlowThreshold,
	}
}

func dbURLFromBWS(appName, env string) string {
	client, err := utils.NewBWSSecretsClient()
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to initialize BWSSecretsClient")
	}
	defer client.Close()

	appSecretsName := fmt.Sprintf("%s-%s", appName, env)
	appSecrets, err := client.GetBWSSecrets(appSecretsName)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to fetch app secrets from BWS")
	}

	dbURL, ok := appSecrets["DB_URL"]
	if !ok || dbURL == "" {
		utils.Logger.Fatalf("DB_URL not found in BWS secrets (%s)", appSecretsName)
	}
	return dbURL
}

// millisFlag converts a millisecond flag value. A value equal to the
// fallback derived from current leaves current untouched, so sub-millisecond
// environment values survive.
func millisFlag(v int, current time.Duration) time.Duration {
	if v == int(current.Milliseconds()) {
		return current
	}
	return time.Duration(v) * time.Millisecond
}

// applyLaunchDarkly lets flags override engine tuning at startup. A flag
// evaluating to its fallback leaves the environment value in place.
func applyLaunchDarkly(cfg *Config, sdkKey string) {
	ldClient, err := ld.MakeClient(sdkKey, LDConnectionTimeout)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to create LaunchDarkly client")
	}
	defer ldClient.Close()

	kind, key := LDServerContextKind, LDServerContextKey
	if kind == "" {
		kind = "service"
	}
	if key == "" {
		key = cfg.AppName
	}
	ctx := ldcontext.NewWithKind(ldcontext.Kind(kind), key)

	intFlags := []struct {
		flag string
		dst  *int
	}{
		{"tx_max_retries", &cfg.TxMaxRetries},
		{"bulk_chunk_size", &cfg.BulkChunkSize},
	}
	for _, f := range intFlags {
		v, err := ldClient.IntVariation(f.flag, ctx, *f.dst)
		if err != nil {
			utils.Logger.WithError(err).Fatalf("Error retrieving %s flag", f.flag)
		}
		utils.Logger.Debugf("%s flag: %d", f.flag, v)
		*f.dst = v
	}

	msFlags := []struct {
		flag string
		dst  *time.Duration
	}{
		{"tx_retry_delay_ms", &cfg.TxRetryDelay},
		{"tx_lock_wait_ms", &cfg.TxLockWait},
	}
	for _, f := range msFlags {
		v, err := ldClient.IntVariation(f.flag, ctx, int(f.dst.Milliseconds()))
		if err != nil {
			utils.Logger.WithError(err).Fatalf("Error retrieving %s flag", f.flag)
		}
		utils.Logger.Debugf("%s flag: %d", f.flag, v)
		*f.dst = millisFlag(v, *f.dst)
	}

	seed, err := ldClient.BoolVariation("seed_db_with_test_data", ctx, false)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving seed_db_with_test_data flag")
	}
	utils.Logger.Debugf("seed_db_with_test_data flag: %t", seed)
	cfg.LDFlag_SeedDbWithTestData = seed
}
