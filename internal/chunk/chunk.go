// Package chunk splits byte streams into ordered fixed-size chunks and
// reassembles them. It performs no remote I/O.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
)

// ErrIntegrity reports a malformed chunk set (gap, duplicate, size or hash
// mismatch). It is fatal and never retried.
var ErrIntegrity = errors.New("chunk integrity violation")

// Span is the byte range of one chunk inside a file.
type Span struct {
	Index  int
	Offset int64
	Length int64
}

// Count returns the number of chunks a file of total bytes occupies:
// ceil(total/size), or 1 for an empty file.
func Count(total, size int64) int {
	if size <= 0 {
		panic("chunk: size must be positive")
	}
	if total <= 0 {
		return 1
	}
	return int((total + size - 1) / size)
}

// Plan computes the ordered chunk boundaries for a file. Every chunk is size
// bytes except the last; an empty file yields a single zero-length span.
func Plan(total, size int64) []Span {
	n := Count(total, size)
	spans := make([]Span, n)
	for i := 0; i < n; i++ {
		off := int64(i) * size
		length := size
		if rest := total - off; rest < size {
			length = rest
		}
		if length < 0 {
			length = 0
		}
		spans[i] = Span{Index: i, Offset: off, Length: length}
	}
	return spans
}

// Chunk is one payload produced by a Splitter.
type Chunk struct {
	Index int
	Data  []byte
	Hash  string // hex sha256 of Data
}

// Size returns the payload length.
func (c Chunk) Size() int64 { return int64(len(c.Data)) }

// Splitter reads a source lazily, one chunk at a time. Only the chunk being
// returned is held in memory.
type Splitter struct {
	src   io.Reader
	size  int64
	next  int
	total int64
	sum   hash.Hash
	done  bool
}

// NewSplitter creates a Splitter producing chunks of at most size bytes.
func NewSplitter(src io.Reader, size int64) *Splitter {
	if size <= 0 {
		panic("chunk: size must be positive")
	}
	return &Splitter{src: src, size: size, sum: sha256.New()}
}

// Next returns the next chunk, or io.EOF after the last one. An empty source
// produces exactly one empty chunk.
func (s *Splitter) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.src, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	case errors.Is(err, io.EOF):
		s.done = true
		if s.next > 0 {
			return Chunk{}, io.EOF
		}
	default:
		return Chunk{}, fmt.Errorf("read chunk %d: %w", s.next, err)
	}

	data := buf[:n]
	s.sum.Write(data)
	s.total += int64(n)

	c := Chunk{Index: s.next, Data: data, Hash: HashBytes(data)}
	s.next++
	return c, nil
}

// Total returns the number of bytes read so far.
func (s *Splitter) Total() int64 { return s.total }

// Chunks returns the number of chunks produced so far.
func (s *Splitter) Chunks() int { return s.next }

// Sum returns the hex sha256 of all bytes read so far.
func (s *Splitter) Sum() string { return hex.EncodeToString(s.sum.Sum(nil)) }

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Indexed is anything carrying a chunk sequence index.
type Indexed interface {
	ChunkIndex() int
}

// Order sorts chunks by index and verifies the indices are exactly 0..n-1.
// Arrival order is never trusted.
func Order[T Indexed](chunks []T) ([]T, error) {
	out := make([]T, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex() < out[j].ChunkIndex() })
	if err := CheckDense(indices(out)); err != nil {
		return nil, err
	}
	return out, nil
}

func indices[T Indexed](chunks []T) []int {
	idx := make([]int, len(chunks))
	for i, c := range chunks {
		idx[i] = c.ChunkIndex()
	}
	return idx
}

// CheckDense verifies that sorted indices are exactly 0..len-1.
// An empty set is not dense: every file has at least one chunk.
func CheckDense(sorted []int) error {
	if len(sorted) == 0 {
		return fmt.Errorf("%w: no chunks", ErrIntegrity)
	}
	for i, idx := range sorted {
		switch {
		case idx < i:
			return fmt.Errorf("%w: duplicate index %d", ErrIntegrity, idx)
		case idx > i:
			return fmt.Errorf("%w: missing index %d", ErrIntegrity, i)
		}
	}
	return nil
}

// Locate maps a byte offset onto ordered chunk sizes and returns the chunk to
// resume from and the number of bytes to skip inside it. An offset at or past
// the end returns len(sizes).
func Locate(sizes []int64, offset int64) (index int, skip int64) {
	if offset <= 0 {
		return 0, 0
	}
	var pos int64
	for i, sz := range sizes {
		if offset < pos+sz {
			return i, offset - pos
		}
		pos += sz
	}
	return len(sizes), 0
}

// Verify checks a downloaded payload against its recorded size and hash.
// An empty expected hash skips the hash comparison.
func Verify(index int, size int64, expectedHash string, data []byte) error {
	if int64(len(data)) != size {
		return fmt.Errorf("%w: chunk %d is %d bytes, expected %d", ErrIntegrity, index, len(data), size)
	}
	if expectedHash != "" && HashBytes(data) != expectedHash {
		return fmt.Errorf("%w: chunk %d hash mismatch", ErrIntegrity, index)
	}
	return nil
}
