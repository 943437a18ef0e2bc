// Package channel keeps the set of remote channels chunks can be placed on,
// and picks one for every transfer.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoCapacity is returned when no channel accepts an object of the requested size.
	ErrNoCapacity = errors.New("no channel can accept the chunk")

	// ErrUnknownChannel is returned when a chunk references a channel that is not loaded.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidChannel is returned by Registry.Add for a channel that cannot be opened.
	ErrInvalidChannel = errors.New("invalid channel")
)

// Kinds of remote channels.
const (
	KindLocal    = "local"
	KindS3       = "s3"
	KindMinio    = "minio"
	KindTelegram = "telegram"
)

// Channel is a configured remote channel.
type Channel struct {
	ID     int             `json:"id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`

	// MaxObjectSize is the largest payload the channel accepts. Zero means no limit.
	MaxObjectSize int64 `json:"max_object_size"`

	// RequestsPerMinute throttles calls to the channel. Zero means unthrottled.
	RequestsPerMinute int `json:"requests_per_minute"`

	CreatedAt time.Time `json:"created_at"`
}

// Accepts reports whether an object of size bytes fits on the channel.
func (c Channel) Accepts(size int64) bool {
	return c.MaxObjectSize <= 0 || size <= c.MaxObjectSize
}

// Store persists channels.
type Store interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	CreateChannel(ctx context.Context, ch Channel) (Channel, error)
}

// EnsureDefault creates def when the store has no channels yet and returns
// the number of channels present afterwards.
func EnsureDefault(ctx context.Context, store Store, def Channel) (int, error) {
	existing, err := store.ListChannels(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return len(existing), nil
	}
	if _, err := store.CreateChannel(ctx, def); err != nil {
		return 0, err
	}
	return 1, nil
}
