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

// Configuration pushes desired configuration ids to the configuration
// framework for components that are booted on the right artifacts but not
// yet configured, and moves them into the configuring phase.
type Configuration struct {
	env    *Env
	logger zerolog.Logger
}

// NewConfiguration creates the configuration operator.
func NewConfiguration(env *Env) *Configuration {
	return &Configuration{env: env, logger: log.WithOperator("configuration")}
}

func (o *Configuration) Name() string { return "configuration" }

func (o *Configuration) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *Configuration) Run(ctx context.Context, opts types.Options) error {
	candidates, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		return c.DesiredState.Configuration != "" &&
			c.Status.Effective() == types.StatusStable &&
			c.DesiredArtifactsMatch()
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, batch := range batchComponents(candidates, opts.BatchSize()) {
		// Only push components whose CFS desired config is out of date;
		// re-posting a configured component would loop it forever.
		current, err := o.env.CFS.GetConfigurations(ctx, opts, ids(batch))
		if err != nil {
			return err
		}

		var patches []clients.CFSComponent
		var acted []types.Component
		for _, comp := range batch {
			state, known := current[comp.ID]
			if known && state.DesiredConfig == comp.DesiredState.Configuration &&
				state.ConfigurationStatus == clients.CFSConfigured {
				continue
			}
			enabled := true
			patches = append(patches, clients.CFSComponent{
				ID:            comp.ID,
				DesiredConfig: comp.DesiredState.Configuration,
				Enabled:       &enabled,
			})
			acted = append(acted, comp)
		}
		if len(patches) == 0 {
			continue
		}

		if err := o.env.CFS.SetConfigurations(ctx, opts, patches); err != nil {
			return err
		}
		metrics.ComponentsActedTotal.WithLabelValues(o.Name()).Add(float64(len(acted)))

		for _, comp := range acted {
			err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
				c.Status.Phase = types.PhaseConfiguring
				c.Status.Status = types.StatusConfiguring
				return nil
			})
			if err != nil {
				o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to patch component")
			}
		}
	}
	return nil
}

// batchComponents splits components into slices of at most size.
func batchComponents(comps []types.Component, size int) [][]types.Component {
	if size <= 0 {
		size = len(comps)
	}
	var out [][]types.Component
	for start := 0; start < len(comps); start += size {
		out = append(out, comps[start:min(start+size, len(comps))])
	}
	return out
}
