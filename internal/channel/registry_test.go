package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentaract/pentaract/internal/transport"
)

type memStore struct {
	mu       sync.Mutex
	channels []Channel
	err      error
}

func (s *memStore) ListChannels(context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Channel(nil), s.channels...), nil
}

func (s *memStore) CreateChannel(_ context.Context, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch.ID = len(s.channels) + 1
	s.channels = append(s.channels, ch)
	return ch, nil
}

type nopTransport struct {
	kind   string
	closed bool
}

func (t *nopTransport) Upload(context.Context, string, []byte) (string, error) { return "ref", nil }
func (t *nopTransport) Download(context.Context, string) ([]byte, error)       { return nil, nil }
func (t *nopTransport) Delete(context.Context, string) error                   { return nil }
func (t *nopTransport) Kind() string                                           { return t.kind }
func (t *nopTransport) Close() error                                           { t.closed = true; return nil }

func nopOpener(_ context.Context, kind string, _ json.RawMessage) (transport.Transport, error) {
	if kind == "broken" {
		return nil, errors.New("cannot open")
	}
	return &nopTransport{kind: kind}, nil
}

func newTestRegistry(t *testing.T, channels ...Channel) (*Registry, *memStore) {
	t.Helper()
	store := &memStore{channels: channels}
	r, err := NewRegistry(context.Background(), store, nopOpener)
	require.NoError(t, err)
	return r, store
}

func TestSelectPrefersLeastOutstandingThenLowestID(t *testing.T) {
	r, _ := newTestRegistry(t,
		Channel{ID: 2, Name: "b", Kind: "fake", MaxObjectSize: 100},
		Channel{ID: 1, Name: "a", Kind: "fake", MaxObjectSize: 100},
		Channel{ID: 3, Name: "c", Kind: "fake", MaxObjectSize: 100},
	)

	first, err := r.Select(10)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Channel().ID, "tie goes to the lowest id")

	second, err := r.Select(10)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Channel().ID)

	third, err := r.Select(10)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Channel().ID)

	second.Release()
	again, err := r.Select(10)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Channel().ID)

	first.Release()
	third.Release()
	again.Release()
}

func TestSelectHonoursMaxObjectSize(t *testing.T) {
	r, _ := newTestRegistry(t,
		Channel{ID: 1, Name: "small", Kind: "fake", MaxObjectSize: 10},
		Channel{ID: 2, Name: "large", Kind: "fake", MaxObjectSize: 1000},
	)

	for i := 0; i < 5; i++ {
		l, err := r.Select(500)
		require.NoError(t, err)
		assert.Equal(t, 2, l.Channel().ID)
		defer l.Release()
	}

	_, err := r.Select(5000)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestZeroMaxObjectSizeIsUnlimited(t *testing.T) {
	r, _ := newTestRegistry(t, Channel{ID: 1, Name: "any", Kind: "fake"})
	l, err := r.Select(1 << 40)
	require.NoError(t, err)
	l.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Channel{ID: 1, Name: "a", Kind: "fake"})

	l, err := r.Select(1)
	require.NoError(t, err)
	l.Release()
	l.Release()

	assert.Equal(t, int64(0), r.Snapshot()[0].Outstanding)
}

func TestConcurrentSelectLeaksNothing(t *testing.T) {
	r, _ := newTestRegistry(t,
		Channel{ID: 1, Name: "a", Kind: "fake", MaxObjectSize: 100},
		Channel{ID: 2, Name: "b", Kind: "fake", MaxObjectSize: 50},
		Channel{ID: 3, Name: "c", Kind: "fake", MaxObjectSize: 100},
	)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			size := int64(i % 100)
			for j := 0; j < 50; j++ {
				l, err := r.Select(size)
				if !assert.NoError(t, err) {
					return
				}
				if !assert.True(t, l.Channel().Accepts(size)) {
					l.Release()
					return
				}
				l.Release()
			}
		}(i)
	}
	wg.Wait()

	for _, st := range r.Snapshot() {
		assert.Equal(t, int64(0), st.Outstanding, st.Name)
	}
}

func TestAcquire(t *testing.T) {
	r, _ := newTestRegistry(t, Channel{ID: 7, Name: "a", Kind: "fake"})

	l, err := r.Acquire(7)
	require.NoError(t, err)
	assert.Equal(t, "fake", l.Transport().Kind())
	assert.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, int64(1), r.Snapshot()[0].Outstanding)
	l.Release()

	_, err = r.Acquire(8)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestReloadKeepsUnchangedTransports(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t,
		Channel{ID: 1, Name: "a", Kind: "fake", Config: json.RawMessage(`{"x":1}`)},
		Channel{ID: 2, Name: "b", Kind: "broken"},
	)
	assert.Equal(t, 1, r.Len(), "channels whose transport cannot open are skipped")

	held, err := r.Acquire(1)
	require.NoError(t, err)
	before := held.Transport()

	store.mu.Lock()
	store.channels[0].RequestsPerMinute = 600
	store.channels = append(store.channels, Channel{ID: 3, Name: "c", Kind: "fake"})
	store.mu.Unlock()

	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, 2, r.Len())

	again, err := r.Acquire(1)
	require.NoError(t, err)
	assert.Same(t, before, again.Transport())
	assert.Equal(t, int64(2), r.Snapshot()[0].Outstanding, "counters survive a reload")
	assert.Equal(t, 600, r.Snapshot()[0].RequestsPerMinute)

	store.mu.Lock()
	store.channels[0].Config = json.RawMessage(`{"x":2}`)
	store.mu.Unlock()
	require.NoError(t, r.Reload(ctx))
	assert.True(t, before.(*nopTransport).closed)

	held.Release()
	again.Release()
}

func TestReloadPropagatesStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	_, err := NewRegistry(context.Background(), store, nopOpener)
	assert.Error(t, err)
}

func TestEnsureDefault(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}

	n, err := EnsureDefault(ctx, store, Channel{Name: "default", Kind: KindLocal})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = EnsureDefault(ctx, store, Channel{Name: "other", Kind: KindLocal})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.channels, 1)
}

func TestNewTransportUnknownKind(t *testing.T) {
	_, err := NewTransport(context.Background(), "ftp", nil)
	assert.Error(t, err)
}

func TestAddValidatesAndReloads(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t, Channel{ID: 1, Name: "a", Kind: "fake"})

	_, err := r.Add(ctx, Channel{Name: "bad", Kind: "broken"})
	assert.ErrorIs(t, err, ErrInvalidChannel)
	assert.Len(t, store.channels, 1, "a channel that cannot be opened is not stored")

	_, err = r.Add(ctx, Channel{Kind: "fake"})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	ch, err := r.Add(ctx, Channel{Name: "b", Kind: "fake", MaxObjectSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, ch.ID)
	assert.Equal(t, 2, r.Len())

	lease, err := r.Acquire(ch.ID)
	require.NoError(t, err)
	lease.Release()
}
