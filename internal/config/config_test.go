package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/pentaract?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, MetadataPostgres, cfg.MetadataBackend)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 32, cfg.QueueCapacity)
	assert.Equal(t, int64(20*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 5, cfg.TransferMaxAttempts)
	assert.Equal(t, time.Second, cfg.TransferBaseDelay)
	assert.Equal(t, "local", cfg.DefaultChannel.Kind)
}

func TestLoadPortOverridesListenAddr(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pentaract")
	t.Setenv("LISTEN_ADDR", ":1234")
	t.Setenv("PORT", "10000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":10000", cfg.ListenAddr)
}

func TestLoadDatabaseFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "pentaract")
	t.Setenv("DATABASE_PASSWORD", "s3cr#t")
	t.Setenv("DATABASE_NAME", "files")
	t.Setenv("DATABASE_HOST", "db")
	t.Setenv("DATABASE_PORT", "6543")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://pentaract:s3cr%23t@db:6543/files?sslmode=disable", cfg.DatabaseURL)
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "")
	t.Setenv("METADATA_BACKEND", MetadataPostgres)

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingDatabase)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			MetadataBackend:     MetadataBadger,
			BadgerDir:           "/tmp/meta",
			Workers:             4,
			QueueCapacity:       8,
			ChunkSize:           1024,
			ChunkParallelism:    2,
			TransferMaxAttempts: 5,
			TransferBaseDelay:   time.Second,
			TransferMaxDelay:    10 * time.Second,
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero queue", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"parallelism above workers", func(c *Config) { c.ChunkParallelism = 5 }},
		{"max delay below base", func(c *Config) { c.TransferMaxDelay = time.Millisecond }},
		{"superuser without password", func(c *Config) { c.SuperuserEmail = "admin@example.com" }},
		{"unknown backend", func(c *Config) { c.MetadataBackend = "sqlite" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
