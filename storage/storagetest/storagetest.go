// Package storagetest is a conformance suite every storage backend runs.
package storagetest

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
)

// Factory creates a fresh, empty backend retaining size messages.
type Factory func(t *testing.T, size int) storage.Storage

// Run exercises the storage.Storage contract against backends made by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, newStorage) })
	t.Run("RetrieveAll", func(t *testing.T) { testRetrieveAll(t, newStorage) })
	t.Run("RetrieveAfterID", func(t *testing.T) { testRetrieveAfterID(t, newStorage) })
	t.Run("UnknownID", func(t *testing.T) { testUnknownID(t, newStorage) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, newStorage) })
	t.Run("Eviction", func(t *testing.T) { testEviction(t, newStorage) })
	t.Run("Disabled", func(t *testing.T) { testDisabled(t, newStorage) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStorage) })
	t.Run("FindSubscriptions", func(t *testing.T) { testFindSubscriptions(t, newStorage) })
}

func msg(i int) model.Message {
	return model.Message{ID: "m" + strconv.Itoa(i), Data: "data " + strconv.Itoa(i)}
}

func ids(entries []model.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.ID)
	}
	return out
}

func publish(t *testing.T, s storage.Storage, topic string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, s.StoreMessage(context.Background(), topic, msg(i)))
	}
}

func testEmpty(t *testing.T, newStorage Factory) {
	s := newStorage(t, 10)
	ctx := context.Background()

	id, err := s.LastEventID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testRetrieveAll(t *testing.T, newStorage Factory) {
	s := newStorage(t, 10)
	ctx := context.Background()

	publish(t, s, "/books/1", 1, 2)
	publish(t, s, "/authors/1", 3, 3)
	publish(t, s, "/books/2", 4, 4)

	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"/books/{id}"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m4"}, ids(entries))
	assert.Equal(t, "/books/2", entries[2].Topic)
	assert.Equal(t, "data 4", entries[2].Message.Data)

	entries, err = s.RetrieveMessagesAfterID(ctx, storage.EarliestID, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	id, err := s.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m4", id)
}

func testRetrieveAfterID(t *testing.T, newStorage Factory) {
	s := newStorage(t, 10)
	ctx := context.Background()

	publish(t, s, "/a", 1, 5)

	entries, err := s.RetrieveMessagesAfterID(ctx, "m2", []string{"/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(entries))

	entries, err = s.RetrieveMessagesAfterID(ctx, "m5", []string{"/a"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the cursor itself need not match the selectors
	publish(t, s, "/b", 6, 6)
	publish(t, s, "/a", 7, 7)
	entries, err = s.RetrieveMessagesAfterID(ctx, "m6", []string{"/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m7"}, ids(entries))
}

func testUnknownID(t *testing.T, newStorage Factory) {
	s := newStorage(t, 10)
	publish(t, s, "/a", 1, 3)

	entries, err := s.RetrieveMessagesAfterID(context.Background(), "nope", []string{"*"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testDuplicateID(t *testing.T, newStorage Factory) {
	s := newStorage(t, 10)
	ctx := context.Background()

	publish(t, s, "/a", 1, 2)
	require.NoError(t, s.StoreMessage(ctx, "/a", msg(1)))
	publish(t, s, "/a", 3, 3)

	entries, err := s.RetrieveMessagesAfterID(ctx, "m1", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(entries))

	entries, err = s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m1", "m3"}, ids(entries))
}

func testEviction(t *testing.T, newStorage Factory) {
	s := newStorage(t, 3)
	ctx := context.Background()

	publish(t, s, "/a", 1, 2)
	publish(t, s, "/b", 3, 3)
	publish(t, s, "/a", 4, 5)

	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(entries))

	// evicted cursor resumes with nothing
	entries, err = s.RetrieveMessagesAfterID(ctx, "m1", []string{"*"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.RetrieveMessagesAfterID(ctx, "m3", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m5"}, ids(entries))
}

func testDisabled(t *testing.T, newStorage Factory) {
	s := newStorage(t, 0)
	ctx := context.Background()

	publish(t, s, "/a", 1, 3)

	entries, err := s.RetrieveMessagesAfterID(ctx, storage.EarliestID, []string{"*"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	id, err := s.LastEventID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func testSubscriptions(t *testing.T, newStorage Factory) {
	s := newStorage(t, 0)
	ctx := context.Background()

	a := model.NewSubscription("/books/{id}", "alice", map[string]any{"name": "Alice"})
	b := model.NewSubscription("/authors/{id}", "bob", nil)
	require.NoError(t, s.StoreSubscriptions(ctx, []model.Subscription{a, b}))

	// upsert by id
	a.Active = false
	require.NoError(t, s.StoreSubscriptions(ctx, []model.Subscription{a}))

	all, err := s.FindSubscriptions(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	got := map[string]model.Subscription{}
	for _, sub := range all {
		got[sub.ID] = sub
	}
	assert.False(t, got[a.ID].Active)
	assert.True(t, got[b.ID].Active)
	assert.Equal(t, "alice", got[a.ID].Subscriber)
	assert.Equal(t, "/books/{id}", got[a.ID].Topic)
	assert.NotNil(t, got[a.ID].Payload)

	require.NoError(t, s.RemoveSubscriptions(ctx, []model.Subscription{a}))
	all, err = s.FindSubscriptions(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)
}

func testFindSubscriptions(t *testing.T, newStorage Factory) {
	s := newStorage(t, 0)
	ctx := context.Background()

	require.NoError(t, s.StoreSubscriptions(ctx, []model.Subscription{
		model.NewSubscription("/books/1", "alice", nil),
		model.NewSubscription("/books/2", "alice", nil),
		model.NewSubscription("/books/1", "bob", nil),
	}))

	find := func(topic, subscriber string) []string {
		t.Helper()
		subs, err := s.FindSubscriptions(ctx, topic, subscriber)
		require.NoError(t, err)
		out := make([]string, 0, len(subs))
		for _, sub := range subs {
			out = append(out, sub.Topic+"|"+sub.Subscriber)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"/books/1|alice", "/books/1|bob"}, find("/books/1", ""))
	assert.ElementsMatch(t, []string{"/books/1|alice", "/books/2|alice"}, find("", "alice"))
	assert.ElementsMatch(t, []string{"/books/2|alice"}, find("/books/2", "alice"))
	assert.ElementsMatch(t, []string{"/books/1|alice", "/books/2|alice", "/books/1|bob"}, find("/books/{id}", ""))
	assert.Empty(t, find("/authors/1", ""))
}
