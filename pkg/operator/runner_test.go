package operator

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bos/pkg/types"
)

type countingOperator struct {
	runs atomic.Int32
}

func (c *countingOperator) Name() string { return "counting" }

func (c *countingOperator) Interval(opts types.Options) time.Duration {
	return 5 * time.Millisecond
}

func (c *countingOperator) Run(ctx context.Context, opts types.Options) error {
	c.runs.Add(1)
	return nil
}

func TestRunnerIteratesAndStops(t *testing.T) {
	te := newTestEnv(t)
	op := &countingOperator{}
	liveness := filepath.Join(t.TempDir(), "liveness")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRunner(te.Env, liveness, op).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return op.runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond, "operator should iterate repeatedly")

	_, err := os.Stat(liveness)
	assert.NoError(t, err, "liveness file is touched each iteration")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancellation")
	}
}
