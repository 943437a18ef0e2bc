// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/chunk"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/metrics"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs every *.up.sql file of fsys in name order. Migrations are
// written to be re-runnable.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", metadata.ErrUnavailable, op, err)
}

// lockFile reads a file row with FOR UPDATE inside tx.
func lockFile(ctx context.Context, tx *sql.Tx, fileID string) (*metadata.File, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
	}
	row := tx.QueryRowContext(ctx,
		`SELECT id, folder, name, size, hash, content_type, status, fail_reason, chunks, created_at, updated_at
		 FROM files WHERE id = $1 FOR UPDATE`, fileID)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, unavailable("lock file", err)
	}
	return f, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*metadata.File, error) {
	var f metadata.File
	var status string
	err := row.Scan(&f.ID, &f.Folder, &f.Name, &f.Size, &f.Hash, &f.ContentType,
		&status, &f.FailReason, &f.Chunks, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Status = metadata.Status(status)
	return &f, nil
}

// inTx runs fn in a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.runTx(ctx, op, nil, fn)
}

// snapshotTx is for reads spanning several statements that must agree.
var snapshotTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

func (s *Store) runTx(ctx context.Context, op string, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(op, time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// CreateFilePending implements metadata.Coordinator.
func (s *Store) CreateFilePending(ctx context.Context, meta metadata.FileMeta) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file_pending", time.Since(start)) }()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, folder, name, status) VALUES ($1, $2, $3, 'pending')`,
		id, metadata.NormalizeFolder(meta.Folder), meta.Name)
	if err != nil {
		return "", unavailable("create file", err)
	}
	return id, nil
}

// RecordChunkStored implements metadata.Coordinator.
func (s *Store) RecordChunkStored(ctx context.Context, fileID string, rec metadata.ChunkRecord) error {
	return s.inTx(ctx, "record_chunk_stored", func(tx *sql.Tx) error {
		f, err := lockFile(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if f.Status != metadata.StatusPending {
			return fmt.Errorf("%w: %s is %s", metadata.ErrFileNotPending, fileID, f.Status)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, file_id, idx, size, hash, channel_id, remote_ref, status)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, 'stored')
			 ON CONFLICT (file_id, idx) DO UPDATE SET
				size = EXCLUDED.size,
				hash = EXCLUDED.hash,
				channel_id = EXCLUDED.channel_id,
				remote_ref = EXCLUDED.remote_ref,
				status = 'stored'`,
			uuid.NewString(), fileID, rec.Index, rec.Size, rec.Hash, rec.ChannelID, rec.RemoteRef)
		if err != nil {
			return unavailable("insert chunk", err)
		}
		return nil
	})
}

// MarkFileComplete implements metadata.Coordinator.
func (s *Store) MarkFileComplete(ctx context.Context, fileID string, sum metadata.Summary) error {
	err := s.inTx(ctx, "mark_file_complete", func(tx *sql.Tx) error {
		f, err := lockFile(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if f.Status != metadata.StatusPending {
			return fmt.Errorf("%w: %s is %s", metadata.ErrFileNotPending, fileID, f.Status)
		}

		rows, err := tx.QueryContext(ctx, `SELECT idx FROM chunks WHERE file_id = $1 ORDER BY idx`, fileID)
		if err != nil {
			return unavailable("list chunk indices", err)
		}
		var idx []int
		for rows.Next() {
			var i int
			if err := rows.Scan(&i); err != nil {
				rows.Close()
				return unavailable("scan chunk index", err)
			}
			idx = append(idx, i)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return unavailable("list chunk indices", err)
		}

		if err := chunk.CheckDense(idx); err != nil {
			return fmt.Errorf("%w: %w", metadata.ErrIncompleteChunkSet, err)
		}
		if sum.Chunks > 0 && len(idx) != sum.Chunks {
			return fmt.Errorf("%w: have %d chunks, expected %d", metadata.ErrIncompleteChunkSet, len(idx), sum.Chunks)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE files SET status = 'complete', size = $2, hash = $3, content_type = $4,
				chunks = $5, updated_at = NOW()
			 WHERE id = $1`,
			fileID, sum.Size, sum.Hash, sum.ContentType, len(idx))
		if err != nil {
			return unavailable("complete file", err)
		}
		return nil
	})
	if errors.Is(err, metadata.ErrIncompleteChunkSet) {
		logging.Error("refusing to complete file", zap.String("file_id", fileID), zap.Error(err))
	}
	return err
}

// MarkFileFailed implements metadata.Coordinator.
func (s *Store) MarkFileFailed(ctx context.Context, fileID, reason string) error {
	return s.inTx(ctx, "mark_file_failed", func(tx *sql.Tx) error {
		f, err := lockFile(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if f.Status == metadata.StatusDeleted {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET status = 'failed', fail_reason = $2, updated_at = NOW() WHERE id = $1`,
			fileID, reason)
		if err != nil {
			return unavailable("fail file", err)
		}
		return nil
	})
}

// LoadChunksOrdered implements metadata.Coordinator. The file check and the
// chunk query read one snapshot, so a concurrent delete yields ErrNotFound
// rather than a partial chunk set.
func (s *Store) LoadChunksOrdered(ctx context.Context, fileID string) ([]metadata.Chunk, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
	}

	var chunks []metadata.Chunk
	err := s.runTx(ctx, "load_chunks", snapshotTx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM files WHERE id = $1`, fileID).Scan(&status)
		if err == sql.ErrNoRows || status == string(metadata.StatusDeleted) {
			return fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
		}
		if err != nil {
			return unavailable("load chunks", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, file_id, idx, size, hash, COALESCE(channel_id, 0), remote_ref, status, created_at
			 FROM chunks WHERE file_id = $1 ORDER BY idx`, fileID)
		if err != nil {
			return unavailable("load chunks", err)
		}
		defer rows.Close()

		chunks, err = scanChunks(rows)
		if err != nil {
			return unavailable("load chunks", err)
		}
		return nil
	})
	return chunks, err
}

func scanChunks(rows *sql.Rows) ([]metadata.Chunk, error) {
	var out []metadata.Chunk
	for rows.Next() {
		var c metadata.Chunk
		var status string
		if err := rows.Scan(&c.ID, &c.FileID, &c.Index, &c.Size, &c.Hash,
			&c.ChannelID, &c.RemoteRef, &status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = metadata.ChunkStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteFileAndChunks implements metadata.Coordinator.
func (s *Store) DeleteFileAndChunks(ctx context.Context, fileID string) ([]metadata.Chunk, error) {
	var removed []metadata.Chunk
	err := s.inTx(ctx, "delete_file", func(tx *sql.Tx) error {
		f, err := lockFile(ctx, tx, fileID)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Status == metadata.StatusDeleted {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`DELETE FROM chunks WHERE file_id = $1
			 RETURNING id, file_id, idx, size, hash, COALESCE(channel_id, 0), remote_ref, status, created_at`, fileID)
		if err != nil {
			return unavailable("delete chunks", err)
		}
		removed, err = scanChunks(rows)
		rows.Close()
		if err != nil {
			return unavailable("delete chunks", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET status = 'deleted', updated_at = NOW() WHERE id = $1`, fileID); err != nil {
			return unavailable("tombstone file", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Index < removed[j].Index })
	return removed, nil
}

// GetFile implements metadata.Coordinator. Deleted files are not found.
func (s *Store) GetFile(ctx context.Context, fileID string) (*metadata.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, folder, name, size, hash, content_type, status, fail_reason, chunks, created_at, updated_at
		 FROM files WHERE id = $1 AND status <> 'deleted'`, fileID)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, unavailable("get file", err)
	}
	return f, nil
}

// ListFiles implements metadata.Coordinator.
func (s *Store) ListFiles(ctx context.Context, folder string) ([]metadata.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, folder, name, size, hash, content_type, status, fail_reason, chunks, created_at, updated_at
		 FROM files WHERE folder = $1 AND status <> 'deleted' ORDER BY name, created_at`,
		metadata.NormalizeFolder(folder))
	if err != nil {
		return nil, unavailable("list files", err)
	}
	defer rows.Close()

	var files []metadata.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, unavailable("scan file", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list files", err)
	}
	return files, nil
}

// ListChannels implements channel.Store.
func (s *Store) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_channels", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, config, max_object_size, requests_per_minute, created_at
		 FROM channels ORDER BY id`)
	if err != nil {
		return nil, unavailable("list channels", err)
	}
	defer rows.Close()

	var out []channel.Channel
	for rows.Next() {
		var ch channel.Channel
		var cfg []byte
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Kind, &cfg, &ch.MaxObjectSize,
			&ch.RequestsPerMinute, &ch.CreatedAt); err != nil {
			return nil, unavailable("scan channel", err)
		}
		ch.Config = json.RawMessage(cfg)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list channels", err)
	}
	return out, nil
}

// CreateChannel implements channel.Store.
func (s *Store) CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_channel", time.Since(start)) }()

	cfg := []byte(ch.Config)
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO channels (name, kind, config, max_object_size, requests_per_minute)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		ch.Name, ch.Kind, string(cfg), ch.MaxObjectSize, ch.RequestsPerMinute).
		Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return channel.Channel{}, fmt.Errorf("%w: channel %q already exists", channel.ErrInvalidChannel, ch.Name)
		}
		return channel.Channel{}, unavailable("create channel", err)
	}
	logging.Info("created channel", zap.Int("id", ch.ID), zap.String("name", ch.Name), zap.String("kind", ch.Kind))
	return ch, nil
}

// SeedSuperuser creates the superuser account unless one with that email exists.
func (s *Store) SeedSuperuser(ctx context.Context, email, passwordHash string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("seed_superuser", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, is_superuser) VALUES ($1, $2, TRUE)
		 ON CONFLICT (email) DO NOTHING`,
		strings.ToLower(email), passwordHash)
	if err != nil {
		return false, unavailable("seed superuser", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("seed superuser", err)
	}
	return n > 0, nil
}
