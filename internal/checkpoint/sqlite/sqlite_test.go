package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/evolset/internal/record"
)

func recs(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{Instruction: "q", Response: "a", Category: "math", EvolutionStrategy: "deepen", Epoch: i}
	}
	return out
}

func TestWriterReplacesContent(t *testing.T) {
	w, err := New("sqlite://" + filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, record.NewDocument(recs(5))))
	require.NoError(t, w.Write(ctx, record.NewDocument(recs(3))))

	got, err := w.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.NewDocument(recs(3)), got)
}

func TestWriterAsStoreMirror(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	s := record.NewStore(filepath.Join(dir, "out.json"), record.WithSaveCountInterval(2), record.WithMirror(w))
	ctx := context.Background()
	for _, r := range recs(4) {
		require.NoError(t, s.Append(ctx, r))
	}
	got, err := w.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
	assert.Equal(t, []int{0, 1, 2, 3}, got.Epoch)
}

func TestWriterRejectsMisalignedDocument(t *testing.T) {
	w, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	bad := record.NewDocument(recs(2))
	bad.Response = bad.Response[:1]
	err = w.Write(context.Background(), bad)
	assert.True(t, errors.Is(err, record.ErrInvalidRecord))
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
