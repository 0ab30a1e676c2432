package operator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// PowerOn drives components with a boot goal that are observed off: it
// registers boot parameters (with a fresh referral token) with the boot
// script service, then requests power-on from PCS in bounded batches.
type PowerOn struct {
	env    *Env
	logger zerolog.Logger
}

// NewPowerOn creates the power-on operator.
func NewPowerOn(env *Env) *PowerOn {
	return &PowerOn{env: env, logger: log.WithOperator("power_on")}
}

func (o *PowerOn) Name() string { return "power_on" }

func (o *PowerOn) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *PowerOn) Run(ctx context.Context, opts types.Options) error {
	candidates, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		if !c.WantsPowerOn() {
			return false
		}
		if c.RetriesExhausted(opts.DefaultRetryPolicy) && c.LastAction.Failed {
			return false
		}
		status := c.Status.Effective()
		return status == types.StatusOff || status == types.StatusPowerOnPending
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, batch := range batchComponents(candidates, opts.BatchSize()) {
		if err := o.actOn(ctx, opts, batch); err != nil {
			return err
		}
		metrics.ComponentsActedTotal.WithLabelValues(o.Name()).Add(float64(len(batch)))
	}
	return nil
}

func (o *PowerOn) actOn(ctx context.Context, opts types.Options, batch []types.Component) error {
	// Components sharing a boot identity share one BSS registration and one
	// referral token per iteration.
	groups := map[types.BootArtifacts][]types.Component{}
	for _, comp := range batch {
		groups[comp.DesiredState.BootArtifacts] = append(groups[comp.DesiredState.BootArtifacts], comp)
	}

	tokens := map[string]string{}
	perNode := map[string]string{}

	for artifacts, members := range groups {
		token := uuid.New().String()
		params := clients.BootParameters{
			Hosts:    ids(members),
			Kernel:   artifacts.Kernel,
			Initrd:   artifacts.Initrd,
			Params:   artifacts.KernelParameters,
			Referral: token,
		}
		if err := o.env.BSS.PutBootParameters(ctx, opts, params); err != nil {
			// The whole group misses this iteration; record and move on.
			for _, comp := range members {
				perNode[comp.ID] = "registering boot parameters: " + err.Error()
			}
			continue
		}
		for _, comp := range members {
			tokens[comp.ID] = token
		}
	}

	// Power on everything whose boot parameters registered.
	var powerIDs []string
	for _, comp := range batch {
		if _, ok := tokens[comp.ID]; ok {
			powerIDs = append(powerIDs, comp.ID)
		}
	}
	if len(powerIDs) > 0 {
		failures, err := o.env.PCS.Transition(ctx, opts, clients.TransitionOn, powerIDs)
		if err != nil {
			return err
		}
		for _, failure := range failures {
			perNode[failure.ID] = failure.Message
		}
	}

	now := o.env.now()
	for _, comp := range batch {
		token := tokens[comp.ID]
		nodeErr, nodeFailed := perNode[comp.ID]

		err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
			c.LastAction = types.LastAction{
				Action:      types.ActionPowerOn,
				NumAttempts: c.LastAction.NumAttempts + 1,
				LastUpdated: now,
				Failed:      nodeFailed,
			}
			c.EventStats.PowerOnAttempts++
			if nodeFailed {
				c.Error = nodeErr
				return nil
			}
			c.Status.Status = types.StatusPowerOnCalled
			c.Status.Phase = types.PhasePoweringOn
			c.DesiredState.BssToken = token
			c.Error = ""
			return nil
		})
		if err != nil {
			o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to patch component")
			continue
		}

		if token != "" {
			key := storage.Key(comp.Tenant, comp.ID)
			if err := o.env.Store.Put(ctx, storage.KindBSSTokens, key, []byte(token)); err != nil {
				o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to store referral token")
			}
		}
	}
	return nil
}
