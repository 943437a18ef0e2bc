package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pentaract/pentaract/internal/transport"
	"github.com/pentaract/pentaract/internal/transport/local"
	"github.com/pentaract/pentaract/internal/transport/minio"
	s3transport "github.com/pentaract/pentaract/internal/transport/s3"
	"github.com/pentaract/pentaract/internal/transport/telegram"
)

// Opener instantiates the transport of a channel.
type Opener func(ctx context.Context, kind string, config json.RawMessage) (transport.Transport, error)

// NewTransport creates a Transport from a channel kind and its JSON config.
func NewTransport(ctx context.Context, kind string, config json.RawMessage) (transport.Transport, error) {
	switch kind {
	case KindLocal:
		return local.NewFromJSON(config)
	case KindS3:
		return s3transport.NewFromJSON(ctx, config)
	case KindMinio:
		return minio.NewFromJSON(ctx, config)
	case KindTelegram:
		return telegram.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown channel kind: %s", kind)
	}
}
