package control_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/control"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/queue"
)

func openTestDB(t *testing.T) kv.RwDB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(dir, kv.Options{MapSizeBytes: 64 << 20, MaxReaders: 32, MaxNamedDBs: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})

	initialized, err := c.IsInitialized(ctx)
	require.NoError(t, err)
	assert.False(t, initialized)

	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, []string{"a"}))
	initialized, err = c.IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, initialized)

	// Second Init must be a no-op, not an error, and must not wipe
	// subscribers registered since the first call.
	require.NoError(t, c.AddSub(ctx, "b"))
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneLast, []string{"c"}))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	subs := q.Subscribers()
	assert.Contains(t, subs, "a")
	assert.Contains(t, subs, "b")
	assert.NotContains(t, subs, "c")
	assert.Equal(t, config.PruneFirst, q.Strategy())
}

func TestInitRejectsInvalidSubID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})

	err := c.Init(ctx, config.Defaults(), config.PruneFirst, []string{"has space"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PreconditionViolated))
}

func TestAddAndRemoveSub(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, nil))

	require.NoError(t, c.AddSub(ctx, "sub"))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, []byte("m")))

	_, _, found, err := q.Front(ctx, "sub")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, c.RemoveSub(ctx, "sub"))

	// Removing again is a no-op, not an error.
	require.NoError(t, c.RemoveSub(ctx, "sub"))

	q2, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	assert.NotContains(t, q2.Subscribers(), "sub")
}

func TestRemoveSubDecrementsPending(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, []string{"a", "b"}))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, []byte("m")))

	require.NoError(t, c.RemoveSub(ctx, "a"))

	pruned, err := c.PruneDanglingMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	// Message is still pending for b.
	q2, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	_, _, found, err := q2.Front(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestClearAllSubscribers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, []string{"a", "b"}))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, []byte("m")))

	require.NoError(t, c.ClearAllSubscribers(ctx))

	q2, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	assert.Empty(t, q2.Subscribers())

	count, err := q2.CountMsgs(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "clear_all_subscribers must wipe data_db/meta_db/pending_db, not just subscriber fan-out")
}

func TestPruneAllMessagesFor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, []string{"a", "b"}))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, []byte("m")))

	n, err := c.PruneAllMessagesFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, found, err := q.Front(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	// Still pending for b; the message survives since b hasn't consumed it.
	_, _, found, err = q.Front(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSetHWMAndStrategyTakeEffectOnReopen(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, nil))

	newHWM := config.Defaults()
	newHWM.MaxMessages = 7
	require.NoError(t, c.SetHWM(ctx, newHWM))
	require.NoError(t, c.SetStrategy(ctx, config.PruneLast))

	q, err := queue.Open(ctx, db, queue.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 7, q.HighWaterMark().MaxMessages)
	assert.Equal(t, config.PruneLast, q.Strategy())
}
