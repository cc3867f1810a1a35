package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/mention"
)

func testKey() comments.ThreadKey {
	return comments.ThreadKey{ModelID: "article", RecordID: "rec1"}
}

func testData(ids ...string) comments.ThreadData {
	var data comments.ThreadData
	for _, id := range ids {
		data.Comments = append(data.Comments, comments.Comment{
			ID:       id,
			Key:      testKey(),
			AuthorID: "alice",
			Segments: []mention.Segment{mention.Text("body of " + id)},
		})
	}
	return data
}

func TestMemoryStore_ReadUnknownKeyIsEmpty(t *testing.T) {
	store := NewMemoryStore()

	payload, err := store.ReadVersioned(context.Background(), testKey())
	require.NoError(t, err)
	assert.Empty(t, payload.Data.Comments)
	assert.Empty(t, payload.Version)
}

func TestMemoryStore_WriteBumpsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.WriteVersioned(ctx, testKey(), "", testData("c1"))
	require.NoError(t, err)
	assert.Equal(t, "1", first.Version)

	second, err := store.WriteVersioned(ctx, testKey(), first.Version, testData("c1", "c2"))
	require.NoError(t, err)
	assert.Equal(t, "2", second.Version)

	read, err := store.ReadVersioned(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, "2", read.Version)
	assert.Len(t, read.Data.Comments, 2)
}

func TestMemoryStore_StaleWriteConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.WriteVersioned(ctx, testKey(), "", testData("c1"))
	require.NoError(t, err)

	_, err = store.WriteVersioned(ctx, testKey(), first.Version, testData("c1", "c2"))
	require.NoError(t, err)

	// A writer still holding the first token must be rejected with the
	// current one.
	_, err = store.WriteVersioned(ctx, testKey(), first.Version, testData("c1", "c3"))
	var conflict *comments.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "2", conflict.CurrentVersion)

	// The losing write must not have touched the data.
	read, err := store.ReadVersioned(ctx, testKey())
	require.NoError(t, err)
	require.Len(t, read.Data.Comments, 2)
	assert.Equal(t, "c2", read.Data.Comments[1].ID)
}

func TestMemoryStore_ReadReturnsACopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.WriteVersioned(ctx, testKey(), "", testData("c1"))
	require.NoError(t, err)

	payload, err := store.ReadVersioned(ctx, testKey())
	require.NoError(t, err)
	payload.Data.Comments[0].ID = "mutated"

	fresh, err := store.ReadVersioned(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, "c1", fresh.Data.Comments[0].ID)
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ids := make([]string, listPageSize+5)
	for i := range ids {
		ids[i] = "c" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	_, err := store.WriteVersioned(ctx, testKey(), "", testData(ids...))
	require.NoError(t, err)

	page1, err := store.List(ctx, testKey(), 1)
	require.NoError(t, err)
	assert.Len(t, page1, listPageSize)

	page2, err := store.List(ctx, testKey(), 2)
	require.NoError(t, err)
	assert.Len(t, page2, 5)

	page3, err := store.List(ctx, testKey(), 3)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func TestMemoryStore_SubscribeSignalsWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	changes, cancel := store.Subscribe(testKey())
	defer cancel()

	_, err := store.WriteVersioned(ctx, testKey(), "", testData("c1"))
	require.NoError(t, err)

	select {
	case <-changes:
	default:
		t.Fatal("expected a change signal after a write")
	}

	// Writes to other keys do not signal this subscriber.
	other := comments.ThreadKey{ModelID: "article", RecordID: "other"}
	_, err = store.WriteVersioned(ctx, other, "", testData("c2"))
	require.NoError(t, err)

	select {
	case <-changes:
		t.Fatal("unexpected signal for unrelated key")
	default:
	}
}
