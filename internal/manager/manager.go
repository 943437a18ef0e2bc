// Package manager runs storage commands on a fixed pool of workers fed by a
// bounded queue. Uploads are split into chunks placed on remote channels,
// downloads reassemble them in index order and deletes clean both up.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/events"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/metrics"
	"github.com/pentaract/pentaract/internal/transfer"
)

var (
	// ErrQueueFull is returned by TrySubmit when the command queue has no free slot.
	ErrQueueFull = errors.New("command queue is full")

	// ErrStopped is returned once the manager no longer accepts commands.
	ErrStopped = errors.New("storage manager stopped")

	// ErrInvalidCommand is returned for a command whose arguments are out of range.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSinkDone may be returned by a download sink that wants no more data.
	// The download then ends successfully.
	ErrSinkDone = errors.New("sink done")
)

// Config sizes the manager.
type Config struct {
	// Workers is the number of workers and of global transfer slots.
	Workers int
	// QueueCapacity bounds the number of accepted but not yet running commands.
	QueueCapacity int
	// ChunkSize is the fixed chunk size in bytes.
	ChunkSize int64
	// ChunkParallelism bounds in-flight chunks of a single upload.
	ChunkParallelism int
}

// DefaultConfig returns 4 workers, a queue of 32 and 20 MiB chunks
// transferred one at a time per file.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueCapacity:    32,
		ChunkSize:        20 << 20,
		ChunkParallelism: 1,
	}
}

// Publisher receives file events once an upload or delete has finished.
type Publisher interface {
	Publish(events.Event)
}

// Manager owns the command queue and the worker pool.
type Manager struct {
	cfg      Config
	meta     metadata.Coordinator
	channels *channel.Registry
	exec     *transfer.Executor
	events   Publisher

	queue chan envelope
	slots *semaphore.Weighted

	// mu orders Submit against Stop so nothing is queued after the drain.
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Manager. Call Start before submitting commands.
func New(cfg Config, meta metadata.Coordinator, channels *channel.Registry, exec *transfer.Executor) *Manager {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkParallelism <= 0 {
		cfg.ChunkParallelism = def.ChunkParallelism
	}
	if cfg.ChunkParallelism > cfg.Workers {
		cfg.ChunkParallelism = cfg.Workers
	}
	return &Manager{
		cfg:      cfg,
		meta:     meta,
		channels: channels,
		exec:     exec,
		queue:    make(chan envelope, cfg.QueueCapacity),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		done:     make(chan struct{}),
	}
}

// SetPublisher makes the manager report finished uploads and deletes to p.
// It must be called before the first command is submitted.
func (m *Manager) SetPublisher(p Publisher) { m.events = p }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Start launches the workers. Commands run on a context derived from ctx,
// independent of the contexts of their submitters.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)
		for i := 0; i < m.cfg.Workers; i++ {
			m.wg.Add(1)
			go m.worker(i)
		}
		logging.Info("storage manager started",
			zap.Int("workers", m.cfg.Workers),
			zap.Int("queue_capacity", m.cfg.QueueCapacity),
			zap.Int64("chunk_size", m.cfg.ChunkSize),
			zap.Int("chunk_parallelism", m.cfg.ChunkParallelism))
	})
}

// Stop stops accepting commands and waits for running ones to finish.
// Commands still queued are answered with ErrStopped and their uploads are
// marked failed. If ctx ends first,
// running commands are cancelled and Stop returns ctx's error once the
// workers have exited.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			err = ctx.Err()
			logging.Warn("storage manager stop timed out, cancelling running commands")
			if m.cancel != nil {
				m.cancel()
			}
			<-finished
		}
		if m.cancel != nil {
			m.cancel()
		}

		for drained := false; !drained; {
			select {
			case env := <-m.queue:
				res := Result{FileID: env.cmd.File(), Err: ErrStopped}
				if c, ok := env.cmd.(Upload); ok {
					m.failUpload(c.FileID, ErrStopped)
					m.publish(c.Type(), res)
				}
				env.pending.reply <- res
			default:
				drained = true
			}
		}
		metrics.SetQueueDepth(0)
		logging.Info("storage manager stopped")
	})
	return err
}

// Submit enqueues cmd, waiting while the queue is full until a slot frees,
// ctx ends or the manager stops.
func (m *Manager) Submit(ctx context.Context, cmd Command) (*Pending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return nil, ErrStopped
	}

	env := envelope{cmd: cmd, pending: newPending()}
	select {
	case m.queue <- env:
		metrics.SetQueueDepth(len(m.queue))
		return env.pending, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrStopped
	}
}

// TrySubmit enqueues cmd or fails immediately with ErrQueueFull.
func (m *Manager) TrySubmit(cmd Command) (*Pending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return nil, ErrStopped
	}

	env := envelope{cmd: cmd, pending: newPending()}
	select {
	case m.queue <- env:
		metrics.SetQueueDepth(len(m.queue))
		return env.pending, nil
	default:
		return nil, ErrQueueFull
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		// Prefer stopping over picking up more queued work.
		select {
		case <-m.done:
			return
		default:
		}

		select {
		case <-m.done:
			return
		case env := <-m.queue:
			metrics.SetQueueDepth(len(m.queue))
			m.execute(id, env)
		}
	}
}

func (m *Manager) execute(worker int, env envelope) {
	metrics.WorkerBusy(1)
	defer metrics.WorkerBusy(-1)

	start := time.Now()
	cmdType := env.cmd.Type()
	logState(cmdType, env.cmd.File(), stateReceived, zap.Int("worker", worker))

	var res Result
	switch c := env.cmd.(type) {
	case Upload:
		res = m.upload(m.ctx, c)
	case Download:
		res = m.download(m.ctx, c)
	case Delete:
		res = m.delete(m.ctx, c)
	default:
		res = Result{FileID: env.cmd.File(), Err: fmt.Errorf("unknown command type %T", env.cmd)}
	}

	metrics.RecordCommand(cmdType, time.Since(start), res.Err)
	if res.Err != nil {
		logState(cmdType, res.FileID, stateFailed,
			zap.Duration("took", time.Since(start)), zap.Error(res.Err))
	} else {
		logState(cmdType, res.FileID, stateCompleted,
			zap.Duration("took", time.Since(start)),
			zap.Int64("bytes", res.Bytes),
			zap.Int("chunks", res.Chunks))
	}
	m.publish(cmdType, res)
	env.pending.reply <- res
}

func (m *Manager) publish(cmdType string, res Result) {
	if m.events == nil || cmdType == "download" {
		return
	}
	ev := events.Event{FileID: res.FileID, Size: res.Bytes, Chunks: res.Chunks}
	switch {
	case res.Err != nil && cmdType == "upload":
		ev.Type = events.EventFailed
		ev.Error = res.Err.Error()
	case res.Err != nil:
		return
	case cmdType == "upload":
		ev.Type = events.EventCompleted
	default:
		ev.Type = events.EventDeleted
		ev.Size = 0
	}
	m.events.Publish(ev)
}

// Command states, logged at debug level as a command progresses.
const (
	stateReceived     = "received"
	stateChunking     = "chunking"
	stateTransferring = "transferring"
	statePersisting   = "persisting"
	stateCompleted    = "completed"
	stateFailed       = "failed"
)

func logState(cmdType, fileID, state string, fields ...zap.Field) {
	logging.Debug("command state",
		append([]zap.Field{
			zap.String("command", cmdType),
			zap.String("file_id", fileID),
			zap.String("state", state),
		}, fields...)...)
}

// Upload registers a pending file, queues its upload and waits for the
// result. When ctx ends first the upload keeps running but src is no longer
// read; the file then ends up failed.
func (m *Manager) Upload(ctx context.Context, meta metadata.FileMeta, src io.Reader) (Result, error) {
	fileID, err := m.meta.CreateFilePending(ctx, meta)
	if err != nil {
		return Result{}, err
	}

	g := &guard{}
	pending, err := m.Submit(ctx, Upload{FileID: fileID, Source: guardedReader{guard: g, r: src}})
	if err != nil {
		if ferr := m.meta.MarkFileFailed(context.WithoutCancel(ctx), fileID, "not accepted: "+err.Error()); ferr != nil {
			logging.Warn("failed to mark rejected upload", zap.String("file_id", fileID), zap.Error(ferr))
		}
		return Result{FileID: fileID}, err
	}

	res, err := pending.Wait(ctx)
	if err != nil && res.FileID == "" {
		g.detach()
		res.FileID = fileID
	}
	return res, err
}

// Download queues a download of fileID into w, starting at byte offset, and
// waits for it. w is not written to after Download returns.
func (m *Manager) Download(ctx context.Context, fileID string, offset int64, w io.Writer) (Result, error) {
	g := &guard{}
	pending, err := m.Submit(ctx, Download{FileID: fileID, Sink: guardedWriter{guard: g, w: w}, Offset: offset})
	if err != nil {
		return Result{FileID: fileID}, err
	}

	res, err := pending.Wait(ctx)
	if err != nil && res.FileID == "" {
		g.detach()
		res.FileID = fileID
	}
	return res, err
}

// Delete queues a delete of fileID and waits for it.
func (m *Manager) Delete(ctx context.Context, fileID string) (Result, error) {
	pending, err := m.Submit(ctx, Delete{FileID: fileID})
	if err != nil {
		return Result{FileID: fileID}, err
	}
	return pending.Wait(ctx)
}
