package operator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/types"
)

// PowerOffGraceful asks PCS for a soft power-off of components pending
// shutdown.
type PowerOffGraceful struct {
	env    *Env
	logger zerolog.Logger
}

// NewPowerOffGraceful creates the graceful power-off operator.
func NewPowerOffGraceful(env *Env) *PowerOffGraceful {
	return &PowerOffGraceful{env: env, logger: log.WithOperator("power_off_graceful")}
}

func (o *PowerOffGraceful) Name() string { return "power_off_graceful" }

func (o *PowerOffGraceful) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *PowerOffGraceful) Run(ctx context.Context, opts types.Options) error {
	candidates, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		return c.Status.Effective() == types.StatusPowerOffPending
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := o.env.now()
	for _, batch := range batchComponents(candidates, opts.BatchSize()) {
		failures, err := o.env.PCS.Transition(ctx, opts, clients.TransitionSoftOff, ids(batch))
		if err != nil {
			return err
		}
		metrics.ComponentsActedTotal.WithLabelValues(o.Name()).Add(float64(len(batch)))
		perNode := map[string]string{}
		for _, failure := range failures {
			perNode[failure.ID] = failure.Message
		}

		for _, comp := range batch {
			nodeErr, nodeFailed := perNode[comp.ID]
			err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
				c.LastAction = types.LastAction{
					Action:      types.ActionPowerOffGracefully,
					NumAttempts: c.LastAction.NumAttempts + 1,
					LastUpdated: now,
					Failed:      nodeFailed,
				}
				c.EventStats.PowerOffGracefulAttempts++
				if nodeFailed {
					c.Error = nodeErr
					return nil
				}
				c.Status.Status = types.StatusPowerOffGracefullyCalled
				c.Status.Phase = types.PhasePoweringOff
				return nil
			})
			if err != nil {
				o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to patch component")
			}
		}
	}
	return nil
}

// PowerOffForceful escalates a graceful power-off that has not taken effect
// within the forceful timeout. Escalation happens at most once per attempt:
// after the forceful call the component leaves this operator's filter.
type PowerOffForceful struct {
	env    *Env
	logger zerolog.Logger
}

// NewPowerOffForceful creates the forceful power-off operator.
func NewPowerOffForceful(env *Env) *PowerOffForceful {
	return &PowerOffForceful{env: env, logger: log.WithOperator("power_off_forceful")}
}

func (o *PowerOffForceful) Name() string { return "power_off_forceful" }

func (o *PowerOffForceful) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *PowerOffForceful) Run(ctx context.Context, opts types.Options) error {
	cutoff := o.env.now().Add(-opts.ForcefulWait())

	candidates, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		return c.Status.Effective() == types.StatusPowerOffGracefullyCalled &&
			c.LastAction.LastUpdated.Before(cutoff)
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := o.env.now()
	for _, batch := range batchComponents(candidates, opts.BatchSize()) {
		failures, err := o.env.PCS.Transition(ctx, opts, clients.TransitionForceOff, ids(batch))
		if err != nil {
			return err
		}
		metrics.ComponentsActedTotal.WithLabelValues(o.Name()).Add(float64(len(batch)))
		perNode := map[string]string{}
		for _, failure := range failures {
			perNode[failure.ID] = failure.Message
		}

		for _, comp := range batch {
			nodeErr, nodeFailed := perNode[comp.ID]
			err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
				c.LastAction = types.LastAction{
					Action:      types.ActionPowerOffForcefully,
					NumAttempts: c.LastAction.NumAttempts + 1,
					LastUpdated: now,
					Failed:      nodeFailed,
				}
				c.EventStats.PowerOffForcefulAttempts++
				if nodeFailed {
					c.Error = nodeErr
					return nil
				}
				c.Status.Status = types.StatusPowerOffForcefullyCalled
				c.Status.Phase = types.PhasePoweringOff
				return nil
			})
			if err != nil {
				o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to patch component")
			}
		}
	}
	return nil
}
