// Package bootstrap brings the server's components up in a fixed order and
// tears them down in reverse.
package bootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/config"
	"github.com/pentaract/pentaract/internal/events"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/manager"
	"github.com/pentaract/pentaract/internal/metadata"
	badgerstore "github.com/pentaract/pentaract/internal/metadata/badger"
	"github.com/pentaract/pentaract/internal/metadata/postgres"
	"github.com/pentaract/pentaract/internal/retry"
	"github.com/pentaract/pentaract/internal/transfer"
	"github.com/pentaract/pentaract/internal/transport/local"
	"github.com/pentaract/pentaract/internal/transport/minio"
	s3transport "github.com/pentaract/pentaract/internal/transport/s3"
	"github.com/pentaract/pentaract/internal/transport/telegram"
	"github.com/pentaract/pentaract/migrations"
)

// Store is everything the server needs from a metadata backend.
type Store interface {
	metadata.Coordinator
	channel.Store
	SeedSuperuser(ctx context.Context, email, passwordHash string) (bool, error)
	Close() error
}

// App is a started server core.
type App struct {
	Store    Store
	Channels *channel.Registry
	Manager  *manager.Manager
	Events   *events.Broadcaster

	pg *postgres.Store // nil with the badger backend
}

// Start runs the startup sequence: database, migrations, superuser, channels,
// then the storage manager. On error everything opened so far is closed.
func Start(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	switch cfg.MetadataBackend {
	case config.MetadataBadger:
		logging.Info("opening badger metadata store", zap.String("dir", cfg.BadgerDir))
		store, err := badgerstore.Open(cfg.BadgerDir)
		if err != nil {
			return nil, err
		}
		app.Store = store
	default:
		if err := EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			// Missing privileges are common; the connect below reports the real problem.
			logging.Warn("could not ensure database exists", zap.Error(err))
		}
		store, err := Connect(ctx, cfg.DatabaseURL, cfg.DBConnectAttempts, cfg.DBConnectDelay)
		if err != nil {
			return nil, err
		}
		app.Store, app.pg = store, store

		logging.Info("running migrations...")
		if err := store.Migrate(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if err := SeedSuperuser(ctx, app.Store, cfg.SuperuserEmail, cfg.SuperuserPass); err != nil {
		return nil, err
	}

	def, err := DefaultChannel(cfg.DefaultChannel)
	if err != nil {
		return nil, err
	}
	n, err := channel.EnsureDefault(ctx, app.Store, def)
	if err != nil {
		return nil, fmt.Errorf("ensure default channel: %w", err)
	}
	logging.Info("channels configured", zap.Int("count", n))

	app.Channels, err = channel.NewRegistry(ctx, app.Store, nil)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	if app.Channels.Len() == 0 {
		return nil, fmt.Errorf("no channel could be opened")
	}

	exec := transfer.New(transfer.Config{
		MaxAttempts: cfg.TransferMaxAttempts,
		BaseDelay:   cfg.TransferBaseDelay,
		MaxDelay:    cfg.TransferMaxDelay,
	})
	app.Manager = manager.New(manager.Config{
		Workers:          cfg.Workers,
		QueueCapacity:    cfg.QueueCapacity,
		ChunkSize:        cfg.ChunkSize,
		ChunkParallelism: cfg.ChunkParallelism,
	}, app.Store, app.Channels, exec)
	app.Events = events.NewBroadcaster()
	app.Manager.SetPublisher(app.Events)
	app.Manager.Start(ctx)

	ok = true
	return app, nil
}

// Shutdown stops the manager, waiting for running commands until ctx ends,
// then closes channels and the metadata store.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Manager != nil {
		err = a.Manager.Stop(ctx)
	}
	a.close()
	return err
}

func (a *App) close() {
	if a.Channels != nil {
		a.Channels.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logging.Warn("closing metadata store", zap.Error(err))
		}
	}
}

// UpdateConnectionMetrics refreshes database pool gauges. It is a no-op for
// the embedded backend.
func (a *App) UpdateConnectionMetrics() {
	if a.pg != nil {
		a.pg.UpdateConnectionMetrics()
	}
}

// Connect opens the postgres pool, retrying with a doubling delay.
func Connect(ctx context.Context, databaseURL string, attempts int, delay time.Duration) (*postgres.Store, error) {
	logging.Info("connecting to PostgreSQL...")
	cfg := retry.Config{
		MaxAttempts: attempts,
		InitialWait: delay,
		Multiplier:  2,
		OnRetry: func(attempt, remaining int, wait time.Duration, err error) {
			logging.Warn("database connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("retries_left", remaining),
				zap.Duration("delay", wait),
				zap.Error(err))
		},
	}
	store, err := retry.DoWithResult(ctx, cfg, func() (*postgres.Store, error) {
		s, err := postgres.New(ctx, databaseURL)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed (%s): %w", maskURL(databaseURL), err)
	}
	logging.Info("database connected")
	return store, nil
}

// EnsureDatabase creates the database named in databaseURL when it does not
// exist, connecting to the "postgres" maintenance database to do so.
// Key/value DSNs are left alone.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return nil
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" || name == "postgres" {
		return nil
	}

	admin := *u
	admin.Path = "/postgres"
	db, err := sql.Open("postgres", admin.String())
	if err != nil {
		return fmt.Errorf("open maintenance database: %w", err)
	}
	defer db.Close()

	var exists bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database %s: %w", name, err)
	}
	if exists {
		return nil
	}

	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	logging.Info("created database", zap.String("name", name))
	return nil
}

// SeedSuperuser stores the configured administrator with a bcrypt hash.
// An empty email disables seeding; an existing account is left untouched.
func SeedSuperuser(ctx context.Context, store Store, email, password string) error {
	if email == "" {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	created, err := store.SeedSuperuser(ctx, email, string(hashed))
	if err != nil {
		return fmt.Errorf("seed superuser: %w", err)
	}
	if created {
		logging.Info("superuser created", zap.String("email", email))
	}
	return nil
}

// DefaultChannel builds the channel created on first run.
func DefaultChannel(cc config.ChannelConfig) (channel.Channel, error) {
	var v any
	switch cc.Kind {
	case channel.KindLocal:
		v = local.Config{RootPath: cc.LocalPath, CreateDirs: true}
	case channel.KindS3:
		v = s3transport.Config{
			Endpoint:  cc.S3Endpoint,
			Bucket:    cc.S3Bucket,
			AccessKey: cc.S3AccessKey,
			SecretKey: cc.S3SecretKey,
			Region:    cc.S3Region,
		}
	case channel.KindMinio:
		v = minio.Config{
			Endpoint:  stripScheme(cc.S3Endpoint),
			Bucket:    cc.S3Bucket,
			AccessKey: cc.S3AccessKey,
			SecretKey: cc.S3SecretKey,
			Region:    cc.S3Region,
			UseSSL:    cc.S3UseSSL,
		}
	case channel.KindTelegram:
		if cc.TelegramToken == "" || cc.TelegramChatID == "" {
			return channel.Channel{}, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required for telegram channels")
		}
		v = telegram.Config{
			Token:  cc.TelegramToken,
			ChatID: cc.TelegramChatID,
			APIURL: cc.TelegramAPIURL,
		}
	default:
		return channel.Channel{}, fmt.Errorf("unknown CHANNEL_KIND %q", cc.Kind)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("encode channel config: %w", err)
	}
	return channel.Channel{
		Name:              "default-" + cc.Kind,
		Kind:              cc.Kind,
		Config:            raw,
		MaxObjectSize:     cc.MaxObjectSize,
		RequestsPerMinute: cc.RequestsPerMinute,
	}, nil
}

// stripScheme turns "http://host:9000" into "host:9000" for minio-go.
func stripScheme(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return endpoint[i+3:]
	}
	return endpoint
}

// maskURL drops credentials from a database URL for logging.
func maskURL(databaseURL string) string {
	if u, err := url.Parse(databaseURL); err == nil && u.Host != "" {
		return u.Scheme + "://***@" + u.Host + u.Path
	}
	return "***"
}
