package memory

import (
	"context"
	"testing"

	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutUpserts(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, types.Record{ID: 1, SecondsLeft: 10, OriginalSeconds: 10}))
	require.NoError(t, s.Put(ctx, types.Record{ID: 1, SecondsLeft: 9, OriginalSeconds: 10}))

	rec, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(9), rec.SecondsLeft)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteMissingKey(t *testing.T) {
	s := New()
	assert.NoError(t, s.Delete(context.Background(), 99), "deleting a missing key should be silent")
}

func TestListAllSorted(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []types.TimerID{5, 2, 9} {
		require.NoError(t, s.Put(ctx, types.Record{ID: id, SecondsLeft: int64(id)}))
	}

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.TimerID(2), all[0].ID)
	assert.Equal(t, types.TimerID(5), all[1].ID)
	assert.Equal(t, types.TimerID(9), all[2].ID)
}

func TestClosedStore(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, types.Record{ID: 1, SecondsLeft: 3}))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, types.Record{ID: 2, SecondsLeft: 3}), store.ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, 1), store.ErrClosed)
	_, err := s.ListAll(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)

	s.Reopen()
	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
