package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pentaract/pentaract/internal/chunk"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metadata"
)

// objectKey names a chunk on its channel.
func objectKey(fileID string, index int) string {
	return fmt.Sprintf("%s/%06d", fileID, index)
}

func (m *Manager) upload(ctx context.Context, c Upload) Result {
	res := Result{FileID: c.FileID}
	logState("upload", c.FileID, stateChunking)

	split := chunk.NewSplitter(c.Source, m.cfg.ChunkSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ChunkParallelism)

	var (
		contentType string
		stored      atomic.Int32
		readErr     error
	)
	for gctx.Err() == nil {
		ck, err := split.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if ck.Index == 0 {
			contentType = detectContentType(ck.Data)
		}

		// Go blocks while ChunkParallelism chunks are in flight, which also
		// bounds how far ahead of the transfers the source is read.
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := m.storeChunk(gctx, c.FileID, ck); err != nil {
				return fmt.Errorf("chunk %d: %w", ck.Index, err)
			}
			stored.Add(1)
			return nil
		})
	}

	err := g.Wait()
	if err == nil && readErr != nil {
		err = fmt.Errorf("read source: %w", readErr)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	res.Bytes = split.Total()
	res.Chunks = int(stored.Load())
	if err != nil {
		m.failUpload(c.FileID, err)
		res.Err = err
		return res
	}

	logState("upload", c.FileID, statePersisting, zap.Int("chunks", split.Chunks()))
	sum := metadata.Summary{
		Size:        split.Total(),
		Hash:        split.Sum(),
		ContentType: contentType,
		Chunks:      split.Chunks(),
	}
	if err := m.meta.MarkFileComplete(ctx, c.FileID, sum); err != nil {
		m.failUpload(c.FileID, err)
		res.Err = err
		return res
	}

	f, err := m.meta.GetFile(ctx, c.FileID)
	if err != nil {
		res.Err = err
		return res
	}
	res.File = f
	return res
}

func detectContentType(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(head).String()
}

// storeChunk places one chunk on a channel and records it. An empty chunk
// (zero-byte file) is recorded without any transfer.
func (m *Manager) storeChunk(ctx context.Context, fileID string, ck chunk.Chunk) error {
	rec := metadata.ChunkRecord{Index: ck.Index, Size: ck.Size(), Hash: ck.Hash}

	if ck.Size() > 0 {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer m.slots.Release(1)

		lease, err := m.channels.Select(ck.Size())
		if err != nil {
			return err
		}
		defer lease.Release()

		logState("upload", fileID, stateTransferring,
			zap.Int("chunk", ck.Index), zap.Int("channel_id", lease.Channel().ID))
		ref, err := m.exec.Upload(ctx, lease, objectKey(fileID, ck.Index), ck.Data)
		if err != nil {
			return err
		}
		rec.ChannelID = lease.Channel().ID
		rec.RemoteRef = ref

		if err := m.meta.RecordChunkStored(ctx, fileID, rec); err != nil {
			if errors.Is(err, metadata.ErrFileNotPending) {
				// The file was deleted underneath us; the payload would be orphaned.
				if derr := m.exec.Delete(context.WithoutCancel(ctx), lease, ref); derr != nil {
					logging.Warn("failed to remove orphaned chunk",
						zap.String("file_id", fileID), zap.Int("chunk", ck.Index), zap.Error(derr))
				}
			}
			return err
		}
		return nil
	}

	return m.meta.RecordChunkStored(ctx, fileID, rec)
}

func (m *Manager) failUpload(fileID string, cause error) {
	// The manager context may be what failed; recording the outcome must not.
	// It is nil when Stop runs without Start.
	ctx := context.Background()
	if m.ctx != nil {
		ctx = context.WithoutCancel(m.ctx)
	}
	if err := m.meta.MarkFileFailed(ctx, fileID, cause.Error()); err != nil {
		logging.Error("failed to mark file failed", zap.String("file_id", fileID), zap.Error(err))
	}
}

func (m *Manager) download(ctx context.Context, c Download) Result {
	res := Result{FileID: c.FileID}
	if c.FromIndex < 0 || c.Offset < 0 {
		res.Err = fmt.Errorf("%w: negative start (chunk %d, offset %d)", ErrInvalidCommand, c.FromIndex, c.Offset)
		return res
	}

	f, err := m.meta.GetFile(ctx, c.FileID)
	if err != nil {
		res.Err = err
		return res
	}
	if f.Status != metadata.StatusComplete {
		res.Err = fmt.Errorf("%w: %s is %s", metadata.ErrNotFound, c.FileID, f.Status)
		return res
	}

	stored, err := m.meta.LoadChunksOrdered(ctx, c.FileID)
	if err != nil {
		res.Err = err
		return res
	}
	chunks, err := chunk.Order(stored)
	if err != nil {
		res.Err = err
		return res
	}

	from, skip := c.FromIndex, int64(0)
	if c.Offset > 0 {
		sizes := make([]int64, len(chunks))
		for i, ck := range chunks {
			sizes[i] = ck.Size
		}
		from, skip = chunk.Locate(sizes, c.Offset)
	}

	logState("download", c.FileID, stateTransferring, zap.Int("from_chunk", from), zap.Int64("skip", skip))
	for i := from; i < len(chunks); i++ {
		ck := chunks[i]
		data, err := m.fetchChunk(ctx, ck)
		if err != nil {
			res.Err = fmt.Errorf("chunk %d: %w", ck.Index, err)
			return res
		}
		if i == from && skip > 0 {
			data = data[skip:]
		}
		n, err := c.Sink.Write(data)
		res.Bytes += int64(n)
		if errors.Is(err, ErrSinkDone) {
			res.Chunks++
			return res
		}
		if err != nil {
			res.Err = fmt.Errorf("write chunk %d: %w", ck.Index, err)
			return res
		}
		res.Chunks++
	}
	return res
}

func (m *Manager) fetchChunk(ctx context.Context, ck metadata.Chunk) ([]byte, error) {
	if ck.Size == 0 {
		return nil, nil
	}

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.slots.Release(1)

	lease, err := m.channels.Acquire(ck.ChannelID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	data, err := m.exec.Download(ctx, lease, ck.RemoteRef)
	if err != nil {
		return nil, err
	}
	if err := chunk.Verify(ck.Index, ck.Size, ck.Hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) delete(ctx context.Context, c Delete) Result {
	res := Result{FileID: c.FileID}

	logState("delete", c.FileID, statePersisting)
	removed, err := m.meta.DeleteFileAndChunks(ctx, c.FileID)
	if err != nil {
		res.Err = err
		return res
	}

	logState("delete", c.FileID, stateTransferring, zap.Int("chunks", len(removed)))
	for _, ck := range removed {
		if ck.ChannelID == 0 {
			continue
		}
		if err := m.removeChunk(ctx, ck); err != nil {
			logging.Warn("failed to remove remote chunk",
				zap.String("file_id", c.FileID),
				zap.Int("chunk", ck.Index),
				zap.Int("channel_id", ck.ChannelID),
				zap.Error(err))
			continue
		}
		res.Chunks++
	}
	return res
}

func (m *Manager) removeChunk(ctx context.Context, ck metadata.Chunk) error {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slots.Release(1)

	lease, err := m.channels.Acquire(ck.ChannelID)
	if err != nil {
		return err
	}
	defer lease.Release()

	return m.exec.Delete(ctx, lease, ck.RemoteRef)
}
