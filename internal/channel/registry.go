package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metrics"
	"github.com/pentaract/pentaract/internal/transport"
)

// entry pairs a Channel with its instantiated transport and live counters.
type entry struct {
	Channel
	transport   transport.Transport
	limiter     *rate.Limiter
	outstanding atomic.Int64
	label       string // metrics label, fixed when the transport is opened
}

func (e *entry) add(delta int64) {
	n := e.outstanding.Add(delta)
	metrics.SetChannelOutstanding(e.label, n)
}

// Registry holds the loaded channels and hands out leases on them.
type Registry struct {
	reloadMu sync.Mutex

	mu      sync.Mutex
	entries []*entry // sorted by ID
	byID    map[int]*entry
	store   Store
	open    Opener
}

// NewRegistry creates a Registry and loads all configured channels.
// open may be nil, in which case NewTransport is used.
func NewRegistry(ctx context.Context, store Store, open Opener) (*Registry, error) {
	if open == nil {
		open = NewTransport
	}
	r := &Registry{
		byID:  make(map[int]*entry),
		store: store,
		open:  open,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// Reload re-reads all channels from the store and re-instantiates transports
// whose kind or config changed. Counters of unchanged channels survive.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	rows, err := r.store.ListChannels(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.byID
	r.mu.Unlock()

	next := make(map[int]*entry, len(rows))
	reused := make(map[int]Channel)
	var replaced []transport.Transport
	for _, row := range rows {
		existing := previous[row.ID]
		if existing != nil && existing.Kind == row.Kind && string(existing.Config) == string(row.Config) {
			next[row.ID] = existing
			reused[row.ID] = row
			continue
		}

		tr, err := r.open(ctx, row.Kind, row.Config)
		if err != nil {
			logging.Error("failed to initialize channel transport",
				zap.Int("channel_id", row.ID),
				zap.String("name", row.Name),
				zap.String("kind", row.Kind),
				zap.Error(err))
			continue
		}
		if existing != nil && existing.transport != nil {
			replaced = append(replaced, existing.transport)
		}
		next[row.ID] = &entry{
			Channel:   row,
			transport: tr,
			limiter:   rate.NewLimiter(limitFor(row.RequestsPerMinute), 1),
			label:     row.Name,
		}
	}

	sorted := make([]*entry, 0, len(next))
	for _, e := range next {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	r.mu.Lock()
	for id, row := range reused {
		e := next[id]
		e.Channel = row
		e.limiter.SetLimit(limitFor(row.RequestsPerMinute))
	}
	r.byID = next
	r.entries = sorted
	r.mu.Unlock()

	for _, tr := range replaced {
		tr.Close()
	}

	logging.Info("channel registry reloaded", zap.Int("channels", len(sorted)))
	return nil
}

// Add persists a new channel after checking that its transport can be
// opened, then reloads so the channel takes part in selection.
func (r *Registry) Add(ctx context.Context, ch Channel) (Channel, error) {
	if ch.Name == "" || ch.Kind == "" {
		return Channel{}, fmt.Errorf("%w: name and kind are required", ErrInvalidChannel)
	}
	tr, err := r.open(ctx, ch.Kind, ch.Config)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: open %s channel: %v", ErrInvalidChannel, ch.Kind, err)
	}
	tr.Close()

	created, err := r.store.CreateChannel(ctx, ch)
	if err != nil {
		return Channel{}, err
	}
	if err := r.Reload(ctx); err != nil {
		return Channel{}, fmt.Errorf("reload after adding channel %d: %w", created.ID, err)
	}
	return created, nil
}

func limitFor(requestsPerMinute int) rate.Limit {
	if requestsPerMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(requestsPerMinute) / 60)
}

// Select leases the channel that accepts size bytes and has the fewest
// outstanding transfers, breaking ties by lowest ID.
func (r *Registry) Select(size int64) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *entry
	for _, e := range r.entries {
		if !e.Accepts(size) {
			continue
		}
		if best == nil || e.outstanding.Load() < best.outstanding.Load() {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoCapacity, size)
	}
	best.add(1)
	return &Lease{e: best, ch: best.Channel}, nil
}

// Acquire leases a specific channel, for chunks that were already placed on it.
func (r *Registry) Acquire(id int) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	e.add(1)
	return &Lease{e: e, ch: e.Channel}, nil
}

// Status is a point-in-time view of a channel without its credentials.
type Status struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	MaxObjectSize     int64  `json:"max_object_size"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	Outstanding       int64  `json:"outstanding"`
}

// Snapshot returns the status of every loaded channel, ordered by ID.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			ID:                e.ID,
			Name:              e.Name,
			Kind:              e.Kind,
			MaxObjectSize:     e.MaxObjectSize,
			RequestsPerMinute: e.RequestsPerMinute,
			Outstanding:       e.outstanding.Load(),
		})
	}
	return out
}

// Len returns the number of loaded channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes all channel transports.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.transport != nil {
			e.transport.Close()
		}
	}
	return nil
}

// Lease is a claim on one channel for the duration of a transfer.
// Release must be called on every path; extra calls are ignored.
type Lease struct {
	e    *entry
	ch   Channel
	once sync.Once
}

// Channel returns the leased channel as it was when the lease was taken.
func (l *Lease) Channel() Channel { return l.ch }

// Transport returns the leased channel's transport.
func (l *Lease) Transport() transport.Transport { return l.e.transport }

// Wait blocks until the channel's rate limit admits one more request.
func (l *Lease) Wait(ctx context.Context) error {
	return l.e.limiter.Wait(ctx)
}

// Release returns the lease.
func (l *Lease) Release() {
	l.once.Do(func() { l.e.add(-1) })
}
