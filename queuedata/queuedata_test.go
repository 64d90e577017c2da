package queuedata_test

import (
	"context"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persipubsub/persipubsub/codec"
	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/queuedata"
	"github.com/persipubsub/persipubsub/schema"
)

func openTestEnv(t *testing.T) kv.RwDB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(dir, kv.Options{MapSizeBytes: 64 << 20, MaxReaders: 32, MaxNamedDBs: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeConfig(t *testing.T, db kv.RwDB, hwm config.HighWaterMark, strategy config.Strategy, subs []string) {
	t.Helper()
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
}

func TestRetrieveRoundTrip(t *testing.T) {
	db := openTestEnv(t)
	hwm := config.Defaults()
	writeConfig(t, db, hwm, config.PruneFirst, []string{"a", "b"})

	qd, err := queuedata.RetrieveFromEnv(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, hwm.MessageTimeout, qd.HighWaterMark.MessageTimeout)
	assert.Equal(t, hwm.MaxMessages, qd.HighWaterMark.MaxMessages)
	assert.Equal(t, config.PruneFirst, qd.Strategy)
	assert.Contains(t, qd.Subscribers, "a")
	assert.Contains(t, qd.Subscribers, "b")
	assert.Len(t, qd.Subscribers, 2)

	want := queuedata.QueueData{
		HighWaterMark: hwm,
		Strategy:      config.PruneFirst,
		Subscribers:   map[string]struct{}{"a": {}, "b": {}},
	}
	if diff := deep.Equal(want, qd); diff != nil {
		t.Errorf("retrieved queue data diverged from expected: %v", diff)
	}
}

func TestRetrieveNotInitialized(t *testing.T) {
	db := openTestEnv(t)
	_, err := queuedata.RetrieveFromEnv(context.Background(), db)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotInitialized))
}

func TestRetrieveMissingReservedKey(t *testing.T) {
	db := openTestEnv(t)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		if err := tx.CreateDB(schema.QueueDB); err != nil {
			return err
		}
		return tx.Put(schema.QueueDB, []byte(schema.KeyMessageTimeout), codec.IntToBytes(500))
	}))

	_, err := queuedata.RetrieveFromEnv(ctx, db)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotInitialized))
}
