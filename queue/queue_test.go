package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/persipubsub/persipubsub/codec"
	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/queue"
	"github.com/persipubsub/persipubsub/schema"
)

func bootstrap(t *testing.T, subs []string, hwm config.HighWaterMark, strategy config.Strategy) kv.RwDB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(dir, kv.Options{MapSizeBytes: 64 << 20, MaxReaders: 32, MaxNamedDBs: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		if err := tx.CreateDB(schema.QueueDB); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMessageTimeout), codec.IntToBytes(uint64(hwm.MessageTimeout.Seconds()))); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMaxMessages), codec.IntToBytes(hwm.MaxMessages)); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyHwmDBSize), codec.IntToBytes(uint64(hwm.HwmDBSize))); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyStrategy), codec.StrToBytes(string(strategy))); err != nil {
			return err
		}
		if err := tx.CreateDB(schema.SubscriberDB); err != nil {
			return err
		}
		for _, s := range subs {
			if err := tx.Put(schema.SubscriberDB, []byte(s), []byte{}); err != nil {
				return err
			}
		}
		return nil
	}))
	return db
}

func openQueue(t *testing.T, db kv.RwDB) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), db, queue.Options{Name: t.Name()})
	require.NoError(t, err)
	return q
}

// Scenario 1: single-subscriber round-trip.
func TestSingleSubscriberRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"sub"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	require.NoError(t, q.Put(ctx, []byte("hello")))

	id, msg, found, err := q.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("hello"), msg)

	require.NoError(t, q.Pop(ctx, "sub", id))

	_, _, found, err = q.Front(ctx, "sub")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, q.Put(ctx, []byte("next")))

	_, _, found, err = q.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
}

// Scenario 2: multi-subscriber fan-out.
func TestMultiSubscriberFanOut(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"a", "b"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	require.NoError(t, q.Put(ctx, []byte("x")))

	idA, msgA, foundA, err := q.Front(ctx, "a")
	require.NoError(t, err)
	require.True(t, foundA)
	assert.Equal(t, []byte("x"), msgA)

	idB, msgB, foundB, err := q.Front(ctx, "b")
	require.NoError(t, err)
	require.True(t, foundB)
	assert.Equal(t, []byte("x"), msgB)
	assert.Equal(t, idA, idB)

	require.NoError(t, q.Pop(ctx, "a", idA))

	_, _, foundB, err = q.Front(ctx, "b")
	require.NoError(t, err)
	assert.True(t, foundB)

	require.NoError(t, q.Pop(ctx, "b", idB))

	require.NoError(t, q.Put(ctx, []byte("y")))

	_, msgB2, _, err := q.Front(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), msgB2)
}

// Scenario 3: timeout eviction.
func TestTimeoutEviction(t *testing.T) {
	ctx := context.Background()
	hwm := config.Defaults()
	hwm.MessageTimeout = 1 * time.Second
	db := bootstrap(t, []string{"sub"}, hwm, config.PruneFirst)
	q := openQueue(t, db)

	require.NoError(t, q.Put(ctx, []byte("m")))
	time.Sleep(2 * time.Second)
	require.NoError(t, q.Put(ctx, []byte("n")))

	count, err := q.CountMsgs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, msg, found, err := q.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("n"), msg)
}

// Scenario 4: high-water count, both strategies.
func TestHighWaterCount(t *testing.T) {
	for _, tc := range []struct {
		strategy config.Strategy
		want     string
	}{
		{config.PruneFirst, "6"},
		{config.PruneLast, "0"},
	} {
		t.Run(string(tc.strategy), func(t *testing.T) {
			ctx := context.Background()
			hwm := config.Defaults()
			hwm.MaxMessages = 10
			db := bootstrap(t, []string{"sub"}, hwm, tc.strategy)
			q := openQueue(t, db)

			for i := 0; i < 10; i++ {
				require.NoError(t, q.Put(ctx, []byte(fmt.Sprintf("%d", i))))
			}
			count, err := q.CountMsgs(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 10, count)

			require.NoError(t, q.Put(ctx, []byte("10")))

			count, err = q.CountMsgs(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 5, count)

			_, msg, found, err := q.Front(ctx, "sub")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tc.want, string(msg))
		})
	}
}

// P3/Empty: popping an empty subscriber queue fails with errs.Empty.
func TestPopEmptyQueue(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"sub"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	_, err := q.PopHead(ctx, "sub")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Empty))
}

// Front/Pop against an unknown subscriber id is a precondition error.
func TestUnknownSubscriber(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"sub"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	_, _, _, err := q.Front(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PreconditionViolated))
}

// Scenario 6: re-open preserves state.
func TestReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"sub"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(ctx, []byte(fmt.Sprintf("%d", i))))
	}

	q2, err := queue.Open(ctx, db, queue.Options{Name: "reopened"})
	require.NoError(t, err)

	count, err := q2.CountMsgs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	_, msg, found, err := q2.Front(ctx, "sub")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("0"), msg)
}

// P9-flavored: concurrent publishers never lose or duplicate a put.
func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	db := bootstrap(t, []string{"sub"}, config.Defaults(), config.PruneFirst)
	q := openQueue(t, db)

	const n = 50
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return q.Put(gctx, []byte(fmt.Sprintf("msg-%d", i)))
		})
	}
	require.NoError(t, g.Wait())

	count, err := q.CountMsgs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, n, count)
}
