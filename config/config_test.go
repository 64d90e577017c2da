package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
)

func TestDefaults(t *testing.T) {
	d := config.Defaults()
	assert.Equal(t, 500*time.Second, d.MessageTimeout)
	assert.Equal(t, uint64(65536), d.MaxMessages)
	require.NoError(t, d.Validate())
}

func TestValidateRejectsZeroTimeout(t *testing.T) {
	hwm := config.Defaults()
	hwm.MessageTimeout = 0
	err := hwm.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PreconditionViolated))
}

func TestStrategyValid(t *testing.T) {
	assert.True(t, config.PruneFirst.Valid())
	assert.True(t, config.PruneLast.Valid())
	assert.False(t, config.Strategy("BOGUS").Valid())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persipubsub.toml")
	contents := []byte(`
message_timeout = "10s"
max_messages = 100
hwm_db_size = "1GB"
strategy = "PRUNE_LAST"
`)
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	hwm, strategy, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, hwm.MessageTimeout)
	assert.Equal(t, uint64(100), hwm.MaxMessages)
	assert.Equal(t, config.PruneLast, strategy)
}
