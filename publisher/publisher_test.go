package publisher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/control"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/publisher"
	"github.com/persipubsub/persipubsub/queue"
)

func openTestQueue(t *testing.T, subs []string) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(dir, kv.Options{MapSizeBytes: 64 << 20, MaxReaders: 32, MaxNamedDBs: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, config.Defaults(), config.PruneFirst, subs))

	q, err := queue.Open(ctx, db, queue.Options{Name: t.Name()})
	require.NoError(t, err)
	return q
}

func openTestQueueWithHWM(t *testing.T, subs []string, maxMessages uint64) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(dir, kv.Options{MapSizeBytes: 64 << 20, MaxReaders: 32, MaxNamedDBs: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	hwm := config.Defaults()
	hwm.MaxMessages = maxMessages
	c := control.New(db, control.Options{})
	require.NoError(t, c.Init(ctx, hwm, config.PruneFirst, subs))

	q, err := queue.Open(ctx, db, queue.Options{Name: t.Name()})
	require.NoError(t, err)
	return q
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, []string{"sub"})
	p := publisher.New(q, publisher.Options{})

	require.NoError(t, p.Send(ctx, []byte("hello")))

	_, msg, found, err := q.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), msg)
}

func TestSendMany(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, []string{"sub"})
	p := publisher.New(q, publisher.Options{})

	require.NoError(t, p.SendMany(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")}))

	count, err := q.CountMsgs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

// TestSendManyAutosync exercises the distinction §4.8 draws between
// the default batched SendMany (one cleanup, one transaction for the
// whole slice) and autosync (one Put — and so one cleanup pass — per
// message). With a high-water mark of 2 messages and three sent, the
// batched path's single upfront cleanup never observes the trip, so
// all three survive; autosync's third Put observes 2 already-committed
// messages and prunes before adding its own.
func TestSendManyAutosync(t *testing.T) {
	ctx := context.Background()

	batched := openTestQueueWithHWM(t, []string{"sub"}, 2)
	require.NoError(t, publisher.New(batched, publisher.Options{}).
		SendMany(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")}))
	count, err := batched.CountMsgs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	autosynced := openTestQueueWithHWM(t, []string{"sub"}, 2)
	require.NoError(t, publisher.New(autosynced, publisher.Options{Autosync: true}).
		SendMany(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")}))
	count, err = autosynced.CountMsgs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, msg, found, err := autosynced.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("c"), msg)
}
