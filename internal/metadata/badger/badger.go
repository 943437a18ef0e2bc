// Package badger provides an embedded metadata store on BadgerDB, for
// single-node deployments and tests.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/chunk"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/metrics"
)

// Key namespaces.
const (
	fileNamespace    = "file:"
	chunkNamespace   = "chunk:"
	channelNamespace = "channel:"
	userNamespace    = "user:"
)

// conflictRetries bounds how often a transaction is re-run after badger
// reports a write conflict with a concurrent transaction.
const conflictRetries = 8

// Store is a BadgerDB metadata store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(zapLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only in memory.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fileKey(id string) []byte { return []byte(fileNamespace + id) }

func chunkPrefix(fileID string) []byte { return []byte(chunkNamespace + fileID + ":") }

func chunkKey(fileID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", chunkNamespace, fileID, index))
}

func channelKey(id int) []byte { return []byte(fmt.Sprintf("%s%010d", channelNamespace, id)) }

func userKey(email string) []byte { return []byte(userNamespace + strings.ToLower(email)) }

// update runs fn in a read-write transaction, re-running it on conflicts.
func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(op, time.Since(start)) }()

	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		logging.Debug("badger transaction conflict, retrying", zap.String("op", op), zap.Int("attempt", i+1))
	}
	return wrap(op, err)
}

func (s *Store) view(op string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(op, time.Since(start)) }()
	return wrap(op, s.db.View(fn))
}

// wrap passes domain errors through and marks everything else as the store
// being unavailable.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, metadata.ErrFileNotPending),
		errors.Is(err, metadata.ErrIncompleteChunkSet),
		errors.Is(err, channel.ErrInvalidChannel):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", metadata.ErrUnavailable, op, err)
	}
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getFile(txn *badger.Txn, id string) (*metadata.File, error) {
	var f metadata.File
	err := getJSON(txn, fileKey(id), &f)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanChunks(txn *badger.Txn, fileID string) ([]metadata.Chunk, error) {
	prefix := chunkPrefix(fileID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []metadata.Chunk
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var c metadata.Chunk
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateFilePending implements metadata.Coordinator.
func (s *Store) CreateFilePending(ctx context.Context, meta metadata.FileMeta) (string, error) {
	now := time.Now().UTC()
	f := metadata.File{
		ID:        uuid.NewString(),
		Folder:    metadata.NormalizeFolder(meta.Folder),
		Name:      meta.Name,
		Status:    metadata.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.update("create_file_pending", func(txn *badger.Txn) error {
		return setJSON(txn, fileKey(f.ID), f)
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

// RecordChunkStored implements metadata.Coordinator.
func (s *Store) RecordChunkStored(ctx context.Context, fileID string, rec metadata.ChunkRecord) error {
	return s.update("record_chunk_stored", func(txn *badger.Txn) error {
		f, err := getFile(txn, fileID)
		if err != nil {
			return err
		}
		if f.Status != metadata.StatusPending {
			return fmt.Errorf("%w: %s is %s", metadata.ErrFileNotPending, fileID, f.Status)
		}

		c := metadata.Chunk{
			ID:        uuid.NewString(),
			FileID:    fileID,
			Index:     rec.Index,
			Size:      rec.Size,
			Hash:      rec.Hash,
			ChannelID: rec.ChannelID,
			RemoteRef: rec.RemoteRef,
			Status:    metadata.ChunkStored,
			CreatedAt: time.Now().UTC(),
		}
		var existing metadata.Chunk
		switch err := getJSON(txn, chunkKey(fileID, rec.Index), &existing); {
		case err == nil:
			c.ID = existing.ID
			c.CreatedAt = existing.CreatedAt
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return setJSON(txn, chunkKey(fileID, rec.Index), c)
	})
}

// MarkFileComplete implements metadata.Coordinator.
func (s *Store) MarkFileComplete(ctx context.Context, fileID string, sum metadata.Summary) error {
	err := s.update("mark_file_complete", func(txn *badger.Txn) error {
		f, err := getFile(txn, fileID)
		if err != nil {
			return err
		}
		if f.Status != metadata.StatusPending {
			return fmt.Errorf("%w: %s is %s", metadata.ErrFileNotPending, fileID, f.Status)
		}

		chunks, err := scanChunks(txn, fileID)
		if err != nil {
			return err
		}
		if err := checkComplete(chunks, sum.Chunks); err != nil {
			return err
		}

		f.Status = metadata.StatusComplete
		f.Size = sum.Size
		f.Hash = sum.Hash
		f.ContentType = sum.ContentType
		f.Chunks = len(chunks)
		f.UpdatedAt = time.Now().UTC()
		return setJSON(txn, fileKey(fileID), f)
	})
	if errors.Is(err, metadata.ErrIncompleteChunkSet) {
		logging.Error("refusing to complete file", zap.String("file_id", fileID), zap.Error(err))
	}
	return err
}

func checkComplete(chunks []metadata.Chunk, want int) error {
	idx := make([]int, len(chunks))
	for i, c := range chunks {
		idx[i] = c.Index
	}
	sort.Ints(idx)
	if err := chunk.CheckDense(idx); err != nil {
		return fmt.Errorf("%w: %w", metadata.ErrIncompleteChunkSet, err)
	}
	if want > 0 && len(idx) != want {
		return fmt.Errorf("%w: have %d chunks, expected %d", metadata.ErrIncompleteChunkSet, len(idx), want)
	}
	return nil
}

// MarkFileFailed implements metadata.Coordinator.
func (s *Store) MarkFileFailed(ctx context.Context, fileID, reason string) error {
	return s.update("mark_file_failed", func(txn *badger.Txn) error {
		f, err := getFile(txn, fileID)
		if err != nil {
			return err
		}
		if f.Status == metadata.StatusDeleted {
			return nil
		}
		f.Status = metadata.StatusFailed
		f.FailReason = reason
		f.UpdatedAt = time.Now().UTC()
		return setJSON(txn, fileKey(fileID), f)
	})
}

// LoadChunksOrdered implements metadata.Coordinator.
func (s *Store) LoadChunksOrdered(ctx context.Context, fileID string) ([]metadata.Chunk, error) {
	var chunks []metadata.Chunk
	err := s.view("load_chunks", func(txn *badger.Txn) error {
		f, err := getFile(txn, fileID)
		if err != nil {
			return err
		}
		if f.Status == metadata.StatusDeleted {
			return fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
		}
		chunks, err = scanChunks(txn, fileID)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Keys are zero-padded so the scan is already ordered; sort anyway.
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteFileAndChunks implements metadata.Coordinator.
func (s *Store) DeleteFileAndChunks(ctx context.Context, fileID string) ([]metadata.Chunk, error) {
	var removed []metadata.Chunk
	err := s.update("delete_file", func(txn *badger.Txn) error {
		removed = nil
		f, err := getFile(txn, fileID)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Status == metadata.StatusDeleted {
			return nil
		}

		chunks, err := scanChunks(txn, fileID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := txn.Delete(chunkKey(fileID, c.Index)); err != nil {
				return err
			}
		}

		f.Status = metadata.StatusDeleted
		f.UpdatedAt = time.Now().UTC()
		if err := setJSON(txn, fileKey(fileID), f); err != nil {
			return err
		}
		removed = chunks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// GetFile implements metadata.Coordinator. Deleted files are not found.
func (s *Store) GetFile(ctx context.Context, fileID string) (*metadata.File, error) {
	var f *metadata.File
	err := s.view("get_file", func(txn *badger.Txn) error {
		var err error
		f, err = getFile(txn, fileID)
		if err == nil && f.Status == metadata.StatusDeleted {
			return fmt.Errorf("%w: %s", metadata.ErrNotFound, fileID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFiles implements metadata.Coordinator.
func (s *Store) ListFiles(ctx context.Context, folder string) ([]metadata.File, error) {
	folder = metadata.NormalizeFolder(folder)
	var files []metadata.File
	err := s.view("list_files", func(txn *badger.Txn) error {
		prefix := []byte(fileNamespace)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var f metadata.File
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return err
			}
			if f.Folder == folder && f.Status != metadata.StatusDeleted {
				files = append(files, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

// ListChannels implements channel.Store.
func (s *Store) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	var out []channel.Channel
	err := s.view("list_channels", func(txn *badger.Txn) error {
		var err error
		out, err = scanChannels(txn)
		return err
	})
	return out, err
}

func scanChannels(txn *badger.Txn) ([]channel.Channel, error) {
	prefix := []byte(channelNamespace)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []channel.Channel
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var ch channel.Channel
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &ch)
		}); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// CreateChannel implements channel.Store. IDs are assigned sequentially.
func (s *Store) CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	err := s.update("create_channel", func(txn *badger.Txn) error {
		existing, err := scanChannels(txn)
		if err != nil {
			return err
		}
		next := 1
		for _, e := range existing {
			if e.Name == ch.Name {
				return fmt.Errorf("%w: channel %q already exists", channel.ErrInvalidChannel, ch.Name)
			}
			if e.ID >= next {
				next = e.ID + 1
			}
		}
		ch.ID = next
		ch.CreatedAt = time.Now().UTC()
		return setJSON(txn, channelKey(ch.ID), ch)
	})
	if err != nil {
		return channel.Channel{}, err
	}
	logging.Info("created channel", zap.Int("id", ch.ID), zap.String("name", ch.Name), zap.String("kind", ch.Kind))
	return ch, nil
}

type user struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	IsSuperuser  bool      `json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
}

// SeedSuperuser creates the superuser account unless one with that email exists.
func (s *Store) SeedSuperuser(ctx context.Context, email, passwordHash string) (bool, error) {
	created := false
	err := s.update("seed_superuser", func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(userKey(email))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return setJSON(txn, userKey(email), user{
			Email:        strings.ToLower(email),
			PasswordHash: passwordHash,
			IsSuperuser:  true,
			CreatedAt:    time.Now().UTC(),
		})
	})
	return created, err
}

// zapLogger routes badger's internal logs into the global zap logger.
type zapLogger struct{}

func (zapLogger) Errorf(format string, args ...any) {
	logging.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (zapLogger) Warningf(format string, args ...any) {
	logging.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (zapLogger) Infof(format string, args ...any) {
	logging.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (zapLogger) Debugf(format string, args ...any) {
	logging.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}
