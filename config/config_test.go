package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	path := writeConfig(t, `
server:
  jwt_secret: s3cret
policy:
  max_concurrent_per_owner: 3
  max_run_duration: 5m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Policy.MaxConcurrentPerOwner)
	assert.Equal(t, 5*time.Minute, cfg.Policy.MaxRunDuration)
	assert.Equal(t, DefaultRetention, cfg.Policy.Retention)
	assert.Equal(t, DefaultProcessingCheckpoint, cfg.Policy.ProcessingCheckpoint)
	assert.Equal(t, DefaultSnapshotTTL, cfg.Policy.SnapshotTTL)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultSweepSchedule, cfg.Schedule.Sweep)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("MAX_CONCURRENT_PER_OWNER", "7")
	t.Setenv("RETENTION", "48h")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")
	path := writeConfig(t, `
server:
  jwt_secret: s3cret
policy:
  max_concurrent_per_owner: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Policy.MaxConcurrentPerOwner)
	assert.Equal(t, 48*time.Hour, cfg.Policy.Retention)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.JWTSecret)
}

func TestLoad_EnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("JWT_SECRET=dotenv-secret\nSNAPSHOT_TTL=2h\n"), 0o644))
	t.Setenv("ENV_FILE", envPath)
	t.Cleanup(func() {
		os.Unsetenv("SNAPSHOT_TTL")
		os.Unsetenv("JWT_SECRET")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-secret", cfg.Server.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.Policy.SnapshotTTL)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Policy.ProcessingCheckpoint = 100

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing_checkpoint")
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoad_ReapGraceDefaultsAndOverrides(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultReapGrace, cfg.Policy.ReapGrace)
	assert.Empty(t, cfg.Worker.MediaRoot, "file sources are off unless configured")

	t.Setenv("REAP_GRACE", "90s")
	t.Setenv("COOKIES_FILE", "/etc/extract/cookies.txt")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Policy.ReapGrace)
	assert.Equal(t, "/etc/extract/cookies.txt", cfg.Worker.CookiesFile)
}

func TestValidate_MediaRootMustNotOverlapServiceDirs(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		name      string
		mediaRoot string
		wantErr   string
	}{
		{"separate directory", filepath.Join(base, "media"), ""},
		{"output dir itself", filepath.Join(base, "out"), "storage.output_dir"},
		{"inside download dir", filepath.Join(base, "dl", "nested"), "storage.download_dir"},
		{"parent of every dir", base, "storage.data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Server.JWTSecret = "s3cret"
			cfg.Storage = StorageConfig{
				DataDir:     filepath.Join(base, "data"),
				DownloadDir: filepath.Join(base, "dl"),
				OutputDir:   filepath.Join(base, "out"),
			}
			cfg.Worker.MediaRoot = tt.mediaRoot
			cfg.SetDefaults()

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "worker.media_root")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
