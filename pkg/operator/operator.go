package operator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/types"
)

// Operator is one independent reconciliation loop. Run performs a single
// iteration against a fresh options snapshot; the Runner owns the cadence.
type Operator interface {
	// Name identifies the operator in logs and metrics
	Name() string

	// Interval returns the sleep between iterations for the given options
	Interval(opts types.Options) time.Duration

	// Run performs one iteration
	Run(ctx context.Context, opts types.Options) error
}

// Runner hosts a bank of operators, one goroutine each. Operators share
// nothing but the store; the runner only provides the loop shell: options
// refresh, metrics, the liveness probe file, and cancellation.
type Runner struct {
	env          *Env
	operators    []Operator
	livenessFile string
	logger       zerolog.Logger
}

// NewRunner creates a runner for the given operators. livenessFile, when
// non-empty, is touched after every completed iteration so an external
// probe can detect a wedged loop.
func NewRunner(env *Env, livenessFile string, operators ...Operator) *Runner {
	return &Runner{
		env:          env,
		operators:    operators,
		livenessFile: livenessFile,
		logger:       log.WithComponent("runner"),
	}
}

// Run starts every operator and blocks until ctx is cancelled and all loops
// have drained. A loop finishes its current iteration before exiting.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, op := range r.operators {
		wg.Add(1)
		go func(op Operator) {
			defer wg.Done()
			r.runLoop(ctx, op)
		}(op)
	}
	wg.Wait()
	r.logger.Info().Msg("All operators stopped")
}

func (r *Runner) runLoop(ctx context.Context, op Operator) {
	logger := log.WithOperator(op.Name())
	logger.Info().Msg("Operator started")

	lastLevel := ""
	for {
		opts, err := r.env.Options.Load(ctx)
		if err != nil {
			// Store unavailable: sleep and retry on the next iteration.
			logger.Warn().Err(err).Msg("Options unavailable, skipping iteration")
		} else {
			if opts.LoggingLevel != "" && opts.LoggingLevel != lastLevel {
				log.SetLevel(log.Level(opts.LoggingLevel))
				lastLevel = opts.LoggingLevel
			}

			timer := metrics.NewTimer()
			if err := op.Run(ctx, opts); err != nil && ctx.Err() == nil {
				metrics.OperatorErrorsTotal.WithLabelValues(op.Name()).Inc()
				logger.Error().Err(err).Msg("Iteration failed")
			}
			timer.ObserveDurationVec(metrics.OperatorCycleDuration, op.Name())
			metrics.OperatorCyclesTotal.WithLabelValues(op.Name()).Inc()
		}

		r.touchLiveness()

		interval := types.Options{}.PollingInterval()
		if err == nil {
			interval = op.Interval(opts)
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("Operator stopped")
			return
		case <-time.After(interval):
		}
	}
}

// touchLiveness updates the probe file's mtime, creating the file
// if needed. Failures are ignored; a missing directory must not kill the loops.
func (r *Runner) touchLiveness() {
	if r.livenessFile == "" {
		return
	}
	now := time.Now()
	if err := os.Chtimes(r.livenessFile, now, now); err != nil {
		if f, err := os.Create(r.livenessFile); err == nil {
			f.Close()
		}
	}
}
