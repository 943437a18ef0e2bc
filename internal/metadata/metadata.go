// Package metadata defines the file and chunk records and the coordinator
// that is the single writer of them.
package metadata

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrIncompleteChunkSet is returned when a file cannot be completed because
	// its stored chunk indices are not dense.
	ErrIncompleteChunkSet = errors.New("incomplete chunk set")

	// ErrFileNotPending is returned when chunks are recorded for a file that is
	// no longer being uploaded.
	ErrFileNotPending = errors.New("file is not pending")

	// ErrUnavailable wraps failures of the underlying store.
	ErrUnavailable = errors.New("metadata store unavailable")
)

// Status is the lifecycle state of a file.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusDeleted  Status = "deleted"
)

// ChunkStatus is the state of a chunk record.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkStored  ChunkStatus = "stored"
	ChunkFailed  ChunkStatus = "failed"
)

// File is a stored file.
type File struct {
	ID          string    `json:"id"`
	Folder      string    `json:"folder"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Status      Status    `json:"status"`
	FailReason  string    `json:"fail_reason,omitempty"`
	Chunks      int       `json:"chunks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chunk is the placement of one chunk of a file.
type Chunk struct {
	ID        string      `json:"id"`
	FileID    string      `json:"file_id"`
	Index     int         `json:"index"`
	Size      int64       `json:"size"`
	Hash      string      `json:"hash"`
	ChannelID int         `json:"channel_id"`
	RemoteRef string      `json:"remote_ref"`
	Status    ChunkStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// ChunkIndex implements chunk.Indexed.
func (c Chunk) ChunkIndex() int { return c.Index }

// FileMeta describes a file about to be uploaded.
type FileMeta struct {
	Folder string
	Name   string
}

// ChunkRecord is a chunk that has been stored on a channel.
type ChunkRecord struct {
	Index     int
	Size      int64
	Hash      string
	ChannelID int
	RemoteRef string
}

// Summary is what is known about a file once all of its content was read.
type Summary struct {
	Size        int64
	Hash        string
	ContentType string
	// Chunks is the number of chunks the upload produced. When non-zero the
	// stored set must have exactly this many entries.
	Chunks int
}

// Coordinator is the transactional owner of file and chunk records.
type Coordinator interface {
	// CreateFilePending registers a new file in the pending state and returns its id.
	CreateFilePending(ctx context.Context, meta FileMeta) (string, error)

	// RecordChunkStored adds or replaces the chunk at rec.Index.
	RecordChunkStored(ctx context.Context, fileID string, rec ChunkRecord) error

	// MarkFileComplete completes a pending file whose chunk indices are exactly 0..n-1.
	MarkFileComplete(ctx context.Context, fileID string, sum Summary) error

	// MarkFileFailed records why an upload failed. Stored chunks are kept.
	MarkFileFailed(ctx context.Context, fileID, reason string) error

	// LoadChunksOrdered returns the chunks of a file sorted by index.
	LoadChunksOrdered(ctx context.Context, fileID string) ([]Chunk, error)

	// DeleteFileAndChunks tombstones a file and removes its chunk records,
	// returning them for remote cleanup. Deleting a missing or already deleted
	// file returns no chunks and no error.
	DeleteFileAndChunks(ctx context.Context, fileID string) ([]Chunk, error)

	// GetFile returns a file by id.
	GetFile(ctx context.Context, fileID string) (*File, error)

	// ListFiles returns the live files of a folder ordered by name.
	ListFiles(ctx context.Context, folder string) ([]File, error)
}

// NormalizeFolder cleans a folder path to an absolute form without a
// trailing slash ("/" for the root).
func NormalizeFolder(folder string) string {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return "/"
	}
	return path.Clean("/" + folder)
}
