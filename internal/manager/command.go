package manager

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pentaract/pentaract/internal/metadata"
)

// Command is a unit of work for the worker pool.
type Command interface {
	// Type names the command for logs and metrics.
	Type() string
	// File returns the id of the file the command operates on.
	File() string
}

// Upload stores the content of Source as the chunks of an existing pending file.
type Upload struct {
	FileID string
	Source io.Reader
}

func (c Upload) Type() string { return "upload" }
func (c Upload) File() string { return c.FileID }

// Download streams the content of a complete file into Sink. Offset, when
// positive, selects the starting chunk and the bytes skipped inside it;
// otherwise streaming starts at chunk FromIndex.
type Download struct {
	FileID    string
	Sink      io.Writer
	FromIndex int
	Offset    int64
}

func (c Download) Type() string { return "download" }
func (c Download) File() string { return c.FileID }

// Delete removes a file and, best effort, its remote chunks.
type Delete struct {
	FileID string
}

func (c Delete) Type() string { return "delete" }
func (c Delete) File() string { return c.FileID }

// Result is the terminal outcome of a command.
type Result struct {
	FileID string
	// File is the completed file for uploads.
	File *metadata.File
	// Bytes is the number of payload bytes read (upload) or written (download).
	Bytes int64
	// Chunks is the number of chunks transferred.
	Chunks int
	Err    error
}

// Pending is the reply slot of a submitted command.
type Pending struct {
	reply chan Result
}

func newPending() *Pending {
	return &Pending{reply: make(chan Result, 1)}
}

// Wait blocks until the command finishes or ctx ends. Giving up does not
// stop the command.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done returns a channel that delivers the result once.
func (p *Pending) Done() <-chan Result {
	return p.reply
}

type envelope struct {
	cmd     Command
	pending *Pending
}

var errDetached = errors.New("caller stopped waiting")

// guard lets a caller detach a reader or writer it handed to a worker. After
// detach returns, no further calls reach the wrapped value.
type guard struct {
	mu       sync.Mutex
	detached atomic.Bool
}

// detach waits for a Write in progress; a Read in progress is left running.
func (g *guard) detach() {
	g.mu.Lock()
	g.detached.Store(true)
	g.mu.Unlock()
}

// guardedReader reads outside the lock so that a source stalled in Read
// cannot block detach. Data read after detaching is discarded.
type guardedReader struct {
	*guard
	r io.Reader
}

func (gr guardedReader) Read(p []byte) (int, error) {
	if gr.detached.Load() {
		return 0, errDetached
	}
	n, err := gr.r.Read(p)
	if gr.detached.Load() {
		return 0, errDetached
	}
	return n, err
}

// guardedWriter holds the lock across Write: once detach returns, the
// caller may reuse or finish the writer.
type guardedWriter struct {
	*guard
	w io.Writer
}

func (gw guardedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.detached.Load() {
		return 0, errDetached
	}
	return gw.w.Write(p)
}
