package chunk

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexed int

func (i indexed) ChunkIndex() int { return int(i) }

func splitAll(t *testing.T, data []byte, size int64) []Chunk {
	t.Helper()
	s := NewSplitter(bytes.NewReader(data), size)
	var out []Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		size  int64
		want  []Span
	}{
		{"empty file", 0, 4, []Span{{0, 0, 0}}},
		{"smaller than chunk", 3, 4, []Span{{0, 0, 3}}},
		{"exact multiple", 8, 4, []Span{{0, 0, 4}, {1, 4, 4}}},
		{"remainder", 10, 4, []Span{{0, 0, 4}, {1, 4, 4}, {2, 8, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.total, tt.size))
		})
	}
}

func TestCount(t *testing.T) {
	assert.Equal(t, 1, Count(0, 1024))
	assert.Equal(t, 1, Count(1, 1024))
	assert.Equal(t, 1, Count(1024, 1024))
	assert.Equal(t, 2, Count(1025, 1024))
	assert.Equal(t, 10, Count(10<<20, 1<<20))
}

func TestSplitterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, size := range []int64{1, 3, 7, 64, 1000} {
		for _, n := range []int{0, 1, 2, 63, 64, 65, 999, 1000, 1001, 4096} {
			data := make([]byte, n)
			rng.Read(data)

			chunks := splitAll(t, data, size)
			require.Len(t, chunks, Count(int64(n), size), "n=%d size=%d", n, size)

			plan := Plan(int64(n), size)
			var joined bytes.Buffer
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, plan[i].Length, c.Size())
				assert.Equal(t, HashBytes(c.Data), c.Hash)
				joined.Write(c.Data)
			}
			assert.True(t, bytes.Equal(data, joined.Bytes()), "n=%d size=%d", n, size)
		}
	}
}

func TestSplitterTotals(t *testing.T) {
	data := bytes.Repeat([]byte("pentaract"), 100)
	s := NewSplitter(bytes.NewReader(data), 128)
	for {
		if _, err := s.Next(); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, int64(len(data)), s.Total())
	assert.Equal(t, Count(int64(len(data)), 128), s.Chunks())
	assert.Equal(t, HashBytes(data), s.Sum())

	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF, "splitter stays exhausted")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestSplitterSourceError(t *testing.T) {
	_, err := NewSplitter(failingReader{}, 16).Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestOrderSortsAndChecksDensity(t *testing.T) {
	got, err := Order([]indexed{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []indexed{0, 1, 2}, got)

	_, err = Order([]indexed{0, 2})
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = Order([]indexed{0, 1, 1})
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = Order([]indexed{1, 2})
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = Order([]indexed{})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestLocate(t *testing.T) {
	sizes := []int64{4, 4, 2}

	tests := []struct {
		offset int64
		index  int
		skip   int64
	}{
		{0, 0, 0},
		{3, 0, 3},
		{4, 1, 0},
		{9, 2, 1},
		{10, 3, 0},
		{99, 3, 0},
	}
	for _, tt := range tests {
		idx, skip := Locate(sizes, tt.offset)
		assert.Equal(t, tt.index, idx, "offset %d", tt.offset)
		assert.Equal(t, tt.skip, skip, "offset %d", tt.offset)
	}
}

func TestVerify(t *testing.T) {
	data := []byte("chunk payload")
	require.NoError(t, Verify(0, int64(len(data)), HashBytes(data), data))
	require.NoError(t, Verify(0, int64(len(data)), "", data))

	assert.ErrorIs(t, Verify(1, 3, "", data), ErrIntegrity)
	assert.ErrorIs(t, Verify(1, int64(len(data)), HashBytes([]byte("other")), data), ErrIntegrity)
}
