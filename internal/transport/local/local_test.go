package local

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentaract/pentaract/internal/transport"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Config{RootPath: filepath.Join(t.TempDir(), "chunks"), CreateDirs: true})
	require.NoError(t, err)
	return tr
}

func TestUploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	ref, err := tr.Upload(ctx, "file-1/000000", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "file-1/000000", ref)

	data, err := tr.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, tr.Delete(ctx, ref))
	require.NoError(t, tr.Delete(ctx, ref), "deleting twice is fine")

	_, err = tr.Download(ctx, ref)
	require.Error(t, err)
	assert.Equal(t, transport.Permanent, transport.KindOf(err))
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestUploadOverwrites(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	_, err := tr.Upload(ctx, "k", []byte("first"))
	require.NoError(t, err)
	_, err = tr.Upload(ctx, "k", []byte("second"))
	require.NoError(t, err)

	data, err := tr.Download(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestRejectsEscapingReferences(t *testing.T) {
	tr := newTestTransport(t)

	_, err := tr.Download(context.Background(), "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, transport.Permanent, transport.KindOf(err))
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{RootPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err, "root must exist unless create_dirs is set")
}

func TestNewFromJSON(t *testing.T) {
	raw, err := json.Marshal(Config{RootPath: t.TempDir()})
	require.NoError(t, err)

	tr, err := NewFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "local", tr.Kind())
}
