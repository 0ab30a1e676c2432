package operator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// Discovery creates component records for nodes the hardware state manager
// reports that BOS does not know yet, and disables components HSM no longer
// reports. Components are never deleted here; a node that comes back keeps
// its history.
type Discovery struct {
	env    *Env
	logger zerolog.Logger
}

// NewDiscovery creates the discovery operator.
func NewDiscovery(env *Env) *Discovery {
	return &Discovery{env: env, logger: log.WithOperator("discovery")}
}

func (d *Discovery) Name() string { return "discovery" }

func (d *Discovery) Interval(opts types.Options) time.Duration {
	return opts.DiscoveryInterval()
}

func (d *Discovery) Run(ctx context.Context, opts types.Options) error {
	nodes, err := d.env.HSM.ListNodes(ctx, opts)
	if err != nil {
		return err
	}

	reported := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		reported[node.ID] = true
	}

	// Upsert components HSM reports that the store lacks. Discovered nodes
	// land in the untenanted bucket; tenancy attaches through sessions.
	created := 0
	for _, node := range nodes {
		key := storage.Key("", node.ID)
		_, err := d.env.Store.Get(ctx, storage.KindComponents, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		comp := types.Component{
			ID:      node.ID,
			Enabled: true,
		}
		if err := storage.PutRecord(ctx, d.env.Store, storage.KindComponents, key, comp); err != nil {
			return err
		}
		created++
		d.env.Events.Publish(events.EventComponentDiscovered, "component discovered",
			map[string]string{"id": node.ID})
	}
	if created > 0 {
		metrics.ComponentsActedTotal.WithLabelValues(d.Name()).Add(float64(created))
		d.logger.Info().Int("count", created).Msg("Discovered new components")
	}

	// Disable components HSM stopped reporting.
	return storage.ScanRecords(ctx, d.env.Store, storage.KindComponents, "", opts.BatchSize(),
		func(key string, comp types.Component) error {
			if !comp.Enabled || reported[comp.ID] {
				return nil
			}
			d.logger.Warn().Str("id", comp.ID).Msg("Component missing from hardware state manager, disabling")
			tenant, id := storage.SplitKey(key)
			err := patchComponent(ctx, d.env, tenant, id, func(c *types.Component) error {
				c.Enabled = false
				c.Error = "not reported by hardware state manager"
				return nil
			})
			if err != nil {
				return err
			}
			d.env.Events.Publish(events.EventComponentDisabled, "component disabled",
				map[string]string{"id": comp.ID})
			return nil
		})
}
