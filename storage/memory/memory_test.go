package memory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
	"github.com/mroth/ssehub/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(_ *testing.T, size int) storage.Storage {
		return New(size)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := storage.Open(ctx, "memory://?size=2")
	require.NoError(t, err)
	defer s.Close()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.StoreMessage(ctx, "/a", model.Message{ID: id}))
	}
	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	d, err := storage.Open(ctx, "memory://")
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, d.(*Storage).size)

	_, err = storage.Open(ctx, "memory://?size=-1")
	assert.Error(t, err)

	_, err = storage.Open(ctx, "memory://?size=9000000000000000")
	assert.Error(t, err)

	_, err = storage.Open(ctx, "bogus://")
	assert.ErrorIs(t, err, storage.ErrUnsupportedDSN)
}

func TestStorage_RingWrap(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.StoreMessage(ctx, "/a", model.Message{ID: string(rune('a' + i))}))
	}

	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"/a"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "h", entries[0].Message.ID)
	assert.Equal(t, "i", entries[1].Message.ID)
	assert.Equal(t, "j", entries[2].Message.ID)
}

func TestNew_LargeSizeAllocatesLazily(t *testing.T) {
	s := New(math.MaxInt)
	assert.Zero(t, cap(s.ring))

	ctx := context.Background()
	require.NoError(t, s.StoreMessage(ctx, "/a", model.Message{ID: "1"}))
	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
