package options

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureExistsSeedsDefaults(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, EnsureExists(ctx, s))

	opts, err := storage.GetRecord[types.Options](ctx, s, storage.KindOptions, GlobalKey)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), opts)

	// Existing record is left alone.
	opts.DefaultRetryPolicy = 7
	require.NoError(t, storage.PutRecord(ctx, s, storage.KindOptions, GlobalKey, opts))
	require.NoError(t, EnsureExists(ctx, s))

	opts, err = storage.GetRecord[types.Options](ctx, s, storage.KindOptions, GlobalKey)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.DefaultRetryPolicy)
}

func TestProviderCaches(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, EnsureExists(ctx, s))

	now := time.Now()
	p := NewProvider(s)
	p.now = func() time.Time { return now }

	opts, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DefaultRetryPolicy)

	// A write inside the cache window is not observed...
	opts.DefaultRetryPolicy = 9
	require.NoError(t, storage.PutRecord(ctx, s, storage.KindOptions, GlobalKey, opts))

	opts, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DefaultRetryPolicy)

	// ...but is once the window passes.
	now = now.Add(cacheTTL + time.Second)
	opts, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, opts.DefaultRetryPolicy)
}

func TestProviderInvalidate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, EnsureExists(ctx, s))

	p := NewProvider(s)
	opts, err := p.Load(ctx)
	require.NoError(t, err)

	opts.MaxComponentBatchSize = 42
	require.NoError(t, storage.PutRecord(ctx, s, storage.KindOptions, GlobalKey, opts))

	p.Invalidate()
	opts, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, opts.MaxComponentBatchSize)
}

func TestProviderMissingRecordFallsBack(t *testing.T) {
	s := newStore(t)
	p := NewProvider(s)

	opts, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults().PollingFrequency, opts.PollingFrequency)
}

func TestOptionDerivedValues(t *testing.T) {
	opts := Defaults()
	assert.Equal(t, 15*time.Second, opts.PollingInterval())
	assert.Equal(t, 5*time.Minute, opts.ForcefulWait())
	assert.Equal(t, 24*time.Hour, opts.SessionRetention())
	assert.Equal(t, 20*time.Second, opts.ReadTimeout("pcs"))
	assert.Equal(t, 1000, opts.BatchSize())

	var zero types.Options
	assert.Equal(t, 15*time.Second, zero.PollingInterval())
	assert.Equal(t, 20*time.Second, zero.ReadTimeout("unknown"))
	assert.Equal(t, int64(1<<20), zero.ManifestSizeLimit())
}
