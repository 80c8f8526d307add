// Package config loads service configuration from a YAML file, .env files and
// environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jupark12/go-extract-queue/logger"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Policy   PolicyConfig   `yaml:"policy"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Logging  logger.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"        env:"HTTP_ADDR"`
	JWTSecret  string `yaml:"jwt_secret"  env:"JWT_SECRET"`
	AdminOwner string `yaml:"admin_owner" env:"ADMIN_OWNER"`
}

// DatabaseConfig selects the Postgres store. An empty URL runs the file-backed
// memory store instead.
type DatabaseConfig struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

// RedisConfig selects the Redis bus and limiter. An empty address runs the
// in-process implementations.
type RedisConfig struct {
	Address  string `yaml:"address"  env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"       env:"REDIS_DB"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir"     env:"DATA_DIR"`
	DownloadDir string `yaml:"download_dir" env:"DOWNLOAD_DIR"`
	OutputDir   string `yaml:"output_dir"   env:"OUTPUT_DIR"`
}

// WorkerConfig configures the download sources and the clip processor.
// file:// references are only served when MediaRoot is set.
type WorkerConfig struct {
	FFmpegPath      string `yaml:"ffmpeg_path"      env:"FFMPEG_PATH"`
	MediaRoot       string `yaml:"media_root"       env:"MEDIA_ROOT"`
	DownloadRetries int    `yaml:"download_retries" env:"DOWNLOAD_RETRIES"`
	CookiesFile     string `yaml:"cookies_file"     env:"COOKIES_FILE"`
}

// PolicyConfig holds the admission and retention policy values.
type PolicyConfig struct {
	MaxConcurrentPerOwner int           `yaml:"max_concurrent_per_owner" env:"MAX_CONCURRENT_PER_OWNER"`
	MaxRunDuration        time.Duration `yaml:"max_run_duration"         env:"MAX_RUN_DURATION"`
	Retention             time.Duration `yaml:"retention"                env:"RETENTION"`
	MaxClipDuration       time.Duration `yaml:"max_clip_duration"        env:"MAX_CLIP_DURATION"`
	SnapshotTTL           time.Duration `yaml:"snapshot_ttl"             env:"SNAPSHOT_TTL"`
	ProcessingCheckpoint  int           `yaml:"processing_checkpoint"    env:"PROCESSING_CHECKPOINT"`
	ReapGrace             time.Duration `yaml:"reap_grace"               env:"REAP_GRACE"`
}

// ScheduleConfig holds cron specs for the periodic passes.
type ScheduleConfig struct {
	Sweep    string `yaml:"sweep"    env:"SWEEP_SCHEDULE"`
	Watchdog string `yaml:"watchdog" env:"WATCHDOG_SCHEDULE"`
}

// Defaults.
const (
	DefaultAddr                  = ":8080"
	DefaultDataDir               = ".data"
	DefaultDownloadDir           = ".downloads"
	DefaultOutputDir             = ".output"
	DefaultMaxConcurrentPerOwner = 1
	DefaultMaxRunDuration        = 30 * time.Minute
	DefaultRetention             = 20 * 24 * time.Hour
	DefaultMaxClipDuration       = 10 * time.Minute
	DefaultSnapshotTTL           = time.Hour
	DefaultProcessingCheckpoint  = 25
	DefaultReapGrace             = time.Minute
	DefaultSweepSchedule         = "@daily"
	DefaultWatchdogSchedule      = "@every 1m"
	DefaultDownloadRetries       = 2
)

// Load reads path (optional: a missing file yields defaults), loads .env files
// and applies environment overrides.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvToStruct(reflect.ValueOf(cfg).Elem())
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// godotenv never overrides variables that are already set.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
	if c.Storage.DownloadDir == "" {
		c.Storage.DownloadDir = DefaultDownloadDir
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = DefaultOutputDir
	}
	if c.Policy.MaxConcurrentPerOwner == 0 {
		c.Policy.MaxConcurrentPerOwner = DefaultMaxConcurrentPerOwner
	}
	if c.Policy.MaxRunDuration == 0 {
		c.Policy.MaxRunDuration = DefaultMaxRunDuration
	}
	if c.Policy.Retention == 0 {
		c.Policy.Retention = DefaultRetention
	}
	if c.Policy.MaxClipDuration == 0 {
		c.Policy.MaxClipDuration = DefaultMaxClipDuration
	}
	if c.Policy.SnapshotTTL == 0 {
		c.Policy.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.Policy.ProcessingCheckpoint == 0 {
		c.Policy.ProcessingCheckpoint = DefaultProcessingCheckpoint
	}
	if c.Policy.ReapGrace == 0 {
		c.Policy.ReapGrace = DefaultReapGrace
	}
	if c.Worker.DownloadRetries == 0 {
		c.Worker.DownloadRetries = DefaultDownloadRetries
	}
	if c.Schedule.Sweep == "" {
		c.Schedule.Sweep = DefaultSweepSchedule
	}
	if c.Schedule.Watchdog == "" {
		c.Schedule.Watchdog = DefaultWatchdogSchedule
	}
}

// Validate rejects policy values the core cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Policy.MaxConcurrentPerOwner < 1 {
		errs = append(errs, errors.New("policy.max_concurrent_per_owner must be at least 1"))
	}
	if c.Policy.MaxRunDuration <= 0 {
		errs = append(errs, errors.New("policy.max_run_duration must be positive"))
	}
	if c.Policy.Retention <= 0 {
		errs = append(errs, errors.New("policy.retention must be positive"))
	}
	if c.Policy.ProcessingCheckpoint < 0 || c.Policy.ProcessingCheckpoint >= 100 {
		errs = append(errs, errors.New("policy.processing_checkpoint must be in [0,100)"))
	}
	if c.Policy.ReapGrace < 0 {
		errs = append(errs, errors.New("policy.reap_grace must not be negative"))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret is required"))
	}
	if c.Worker.MediaRoot != "" {
		dirs := []struct{ name, path string }{
			{"storage.output_dir", c.Storage.OutputDir},
			{"storage.download_dir", c.Storage.DownloadDir},
			{"storage.data_dir", c.Storage.DataDir},
		}
		for _, dir := range dirs {
			if overlaps(c.Worker.MediaRoot, dir.path) {
				errs = append(errs, fmt.Errorf("worker.media_root must not overlap %s", dir.name))
			}
		}
	}
	return errors.Join(errs...)
}

// overlaps reports whether a and b are the same directory or one contains
// the other.
func overlaps(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return true
	}
	return contains(absA, absB) || contains(absB, absA)
}

func contains(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func applyEnvToStruct(v reflect.Value) {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			applyEnvToStruct(field)
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		if val, ok := os.LookupEnv(key); ok && val != "" {
			setFromString(field, val)
		}
	}
}

func setFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Bool:
		if b, err := strconv.ParseBool(val); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(val, ",")
			field.Set(reflect.ValueOf(parts))
		}
	}
}
