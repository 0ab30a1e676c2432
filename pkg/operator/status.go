package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/types"
)

// Status observes power and configuration state for every enabled component
// and advances the per-component state machine. It is the only operator
// that concludes success or failure; the acting operators just record what
// they did.
type Status struct {
	env    *Env
	logger zerolog.Logger
}

// NewStatus creates the status operator.
func NewStatus(env *Env) *Status {
	return &Status{env: env, logger: log.WithOperator("status")}
}

func (o *Status) Name() string { return "status" }

func (o *Status) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *Status) Run(ctx context.Context, opts types.Options) error {
	candidates, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		return true
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, batch := range batchComponents(candidates, opts.BatchSize()) {
		power, err := o.env.PCS.PowerStates(ctx, opts, ids(batch))
		if err != nil {
			return err
		}
		cfg, err := o.env.CFS.GetConfigurations(ctx, opts, configuredIDs(batch))
		if err != nil {
			return err
		}

		for _, comp := range batch {
			observed, seen := power[comp.ID]
			if !seen || observed == clients.PowerUndefined {
				// Missing observation: keep prior status rather than
				// clobbering to unknown.
				continue
			}
			o.transition(ctx, opts, comp, observed, cfg[comp.ID])
		}
	}
	return nil
}

// configuredIDs lists the batch members that carry a desired configuration;
// the others never need a CFS lookup.
func configuredIDs(batch []types.Component) []string {
	var out []string
	for _, comp := range batch {
		if comp.DesiredState.Configuration != "" {
			out = append(out, comp.ID)
		}
	}
	return out
}

func (o *Status) transition(ctx context.Context, opts types.Options, comp types.Component, observed string, cfg clients.CFSComponent) {
	// An in-flight action gets a window to take effect before the observed
	// state is allowed to contradict it.
	if o.actionInFlight(&comp, observed, opts) {
		return
	}

	err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
		before := c.Status

		// Out of retries: the component is failed no matter what the
		// observation says, until something resets its last action.
		if c.LastAction.Failed && c.RetriesExhausted(opts.DefaultRetryPolicy) {
			c.Status.Status = types.StatusFailed
			c.Status.Phase = types.PhaseNone
			if c.Error == "" {
				c.Error = fmt.Sprintf("%s failed after %d attempts", c.LastAction.Action, c.LastAction.NumAttempts)
			}
			if c.Status != before {
				o.publishChange(c, before)
			}
			return nil
		}

		switch {
		case observed == clients.PowerOff && !c.WantsPowerOn():
			// Reached the off goal (or has no goal at all).
			c.Status.Status = types.StatusOff
			c.Status.Phase = types.PhaseNone
			if c.LastAction.Action == types.ActionPowerOffGracefully ||
				c.LastAction.Action == types.ActionPowerOffForcefully ||
				c.LastAction.Action == types.ActionShutdownPending {
				c.LastAction = types.LastAction{Action: types.ActionNone}
				c.Error = ""
			}

		case observed == clients.PowerOff && c.WantsPowerOn():
			c.Status.Status = types.StatusOff
			c.Status.Phase = types.PhasePoweringOn

		case observed == clients.PowerOn && !c.WantsPowerOn():
			o.poweredOnWithoutGoal(c)

		case c.DesiredArtifactsMatch():
			o.bootedOnDesired(c, cfg)

		default:
			o.bootedOnWrongArtifacts(c, opts)
		}

		if c.Status != before {
			o.publishChange(c, before)
		}
		return nil
	})
	if err != nil {
		o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to patch component")
	}
}

// actionInFlight reports whether the component's last action is recent
// enough that a contradicting observation should be ignored for now.
func (o *Status) actionInFlight(comp *types.Component, observed string, opts types.Options) bool {
	if comp.LastAction.Failed {
		return false
	}
	window := opts.ForcefulWait()
	age := o.env.now().Sub(comp.LastAction.LastUpdated)

	switch comp.LastAction.Action {
	case types.ActionPowerOn:
		return observed == clients.PowerOff && age < window
	case types.ActionPowerOffGracefully, types.ActionPowerOffForcefully:
		// A still-on node after a graceful call belongs to the forceful
		// operator, not to a status reset.
		return observed == clients.PowerOn
	}
	return false
}

// poweredOnWithoutGoal handles a node observed on whose desired artifacts
// are empty: a shutdown in progress, or a node BOS is not driving.
func (o *Status) poweredOnWithoutGoal(c *types.Component) {
	if c.Session == "" && c.LastAction.Action != types.ActionShutdownPending {
		// Not session-managed; just record the observation.
		c.Status.Status = types.StatusOn
		c.Status.Phase = types.PhaseNone
		return
	}
	c.Status.Status = types.StatusPowerOffPending
	c.Status.Phase = types.PhasePoweringOff
}

// bootedOnDesired handles a node on and running the desired artifacts.
func (o *Status) bootedOnDesired(c *types.Component, cfg clients.CFSComponent) {
	configured := c.DesiredState.Configuration == "" ||
		(cfg.DesiredConfig == c.DesiredState.Configuration && cfg.ConfigurationStatus == clients.CFSConfigured)

	if configured {
		c.Status.Status = types.StatusStable
		c.Status.Phase = types.PhaseNone
		c.LastAction = types.LastAction{Action: types.ActionNone}
		c.Error = ""
		return
	}

	if cfg.DesiredConfig == c.DesiredState.Configuration && cfg.ConfigurationStatus == clients.CFSFailed {
		c.Error = fmt.Sprintf("configuration %s failed", c.DesiredState.Configuration)
		c.Status.Status = types.StatusFailed
		c.Status.Phase = types.PhaseNone
		return
	}

	if c.Status.Status != types.StatusConfiguring {
		// Booted but unconfigured; the configuration operator picks stable
		// components up from here.
		c.Status.Status = types.StatusStable
		c.Status.Phase = types.PhaseNone
	}
}

// bootedOnWrongArtifacts handles a node on with artifacts that do not match
// its goal: a failed boot attempt, or a node that needs a power cycle.
func (o *Status) bootedOnWrongArtifacts(c *types.Component, opts types.Options) {
	if c.LastAction.Action != types.ActionPowerOn {
		// No boot attempted yet (e.g. a reboot session): cycle power.
		c.Status.Status = types.StatusPowerOffPending
		c.Status.Phase = types.PhasePoweringOff
		return
	}

	reason := fmt.Sprintf("component booted with unexpected artifacts after power_on attempt %d", c.LastAction.NumAttempts)
	if c.RetriesExhausted(opts.DefaultRetryPolicy) {
		c.Status.Status = types.StatusFailed
		c.Status.Phase = types.PhaseNone
		c.LastAction.Failed = true
		c.Error = reason
		return
	}
	// Budget remains: hand back to the power-on operator.
	c.Status.Status = types.StatusPowerOnPending
	c.Status.Phase = types.PhasePoweringOn
	c.Error = reason
}

func (o *Status) publishChange(c *types.Component, before types.StatusBlock) {
	eventType := events.EventComponentStateChanged
	if c.Status.Status == types.StatusFailed {
		eventType = events.EventComponentFailed
	}
	o.env.Events.Publish(eventType, "component status changed", map[string]string{
		"id":     c.ID,
		"tenant": c.Tenant,
		"from":   string(before.Status),
		"to":     string(c.Status.Status),
	})
}
