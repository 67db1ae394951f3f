package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/scrape"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "task/t1", []byte("v1")))
	got, err := s.Load(ctx, "task/t1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Save(ctx, "task/t1", []byte("v2")))
	got, err = s.Load(ctx, "task/t1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestStoreLoadMissingKey(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Load(context.Background(), "absent")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Load(ctx, "k")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestStoreListFiltersByPrefix(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "task/t1", []byte("a")))
	require.NoError(t, s.Save(ctx, "task/t2", []byte("b")))
	require.NoError(t, s.Save(ctx, "cache/c1", []byte("c")))

	entries, err := s.List(ctx, "task/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries["task/t1"])
	require.Equal(t, []byte("b"), entries["task/t2"])
}

func TestStoreCopiesValues(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, s.Save(ctx, "k", value))
	value[0] = 'X'

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}
