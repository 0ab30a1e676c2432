package operator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/session"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// SessionCompletion watches running sessions and marks them complete once
// every owned component has reached an end state for the operation.
type SessionCompletion struct {
	env    *Env
	logger zerolog.Logger
}

// NewSessionCompletion creates the session-completion operator.
func NewSessionCompletion(env *Env) *SessionCompletion {
	return &SessionCompletion{env: env, logger: log.WithOperator("session_completion")}
}

func (o *SessionCompletion) Name() string { return "session_completion" }

func (o *SessionCompletion) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *SessionCompletion) Run(ctx context.Context, opts types.Options) error {
	var running []types.Session
	err := storage.ScanRecords(ctx, o.env.Store, storage.KindSessions, "", opts.BatchSize(),
		func(key string, sess types.Session) error {
			if sess.Status.Status == types.SessionRunning {
				running = append(running, sess)
			}
			return nil
		})
	if err != nil {
		return err
	}

	for i := range running {
		sess := &running[i]
		terminal, err := session.Terminal(ctx, o.env.Store, sess)
		if err != nil {
			o.logger.Error().Err(err).Str("session", sess.Name).Msg("Terminal check failed")
			continue
		}
		if !terminal {
			continue
		}

		now := o.env.now()
		err = storage.PatchRecord(ctx, o.env.Store, storage.KindSessions,
			storage.Key(sess.Tenant, sess.Name), func(s *types.Session) error {
				if s.Status.Status != types.SessionRunning {
					return nil
				}
				s.Status.Status = types.SessionComplete
				s.Status.EndTime = now
				return nil
			})
		if err != nil {
			o.logger.Error().Err(err).Str("session", sess.Name).Msg("Failed to complete session")
			continue
		}

		o.env.Events.Publish(events.EventSessionCompleted, "session complete", map[string]string{
			"tenant": sess.Tenant, "session": sess.Name,
		})
		log.WithSession(sess.Tenant, sess.Name).Info().Msg("Session complete")
	}
	return nil
}

// SessionCleanup deletes completed sessions after the retention period and
// detaches their components.
type SessionCleanup struct {
	env    *Env
	logger zerolog.Logger
}

// NewSessionCleanup creates the session-cleanup operator.
func NewSessionCleanup(env *Env) *SessionCleanup {
	return &SessionCleanup{env: env, logger: log.WithOperator("session_cleanup")}
}

func (o *SessionCleanup) Name() string { return "session_cleanup" }

func (o *SessionCleanup) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *SessionCleanup) Run(ctx context.Context, opts types.Options) error {
	cutoff := o.env.now().Add(-opts.SessionRetention())

	var expired []types.Session
	err := storage.ScanRecords(ctx, o.env.Store, storage.KindSessions, "", opts.BatchSize(),
		func(key string, sess types.Session) error {
			if sess.Status.Status == types.SessionComplete &&
				!sess.Status.EndTime.IsZero() && sess.Status.EndTime.Before(cutoff) {
				expired = append(expired, sess)
			}
			return nil
		})
	if err != nil {
		return err
	}

	for i := range expired {
		sess := &expired[i]

		// Detach components before the session record goes away, so a crash
		// in between leaves only a harmless dangling session.
		err := storage.ScanRecords(ctx, o.env.Store, storage.KindComponents,
			storage.TenantPrefix(sess.Tenant), opts.BatchSize(),
			func(key string, comp types.Component) error {
				if comp.Session != sess.Name {
					return nil
				}
				return patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
					if c.Session == sess.Name {
						c.Session = ""
					}
					return nil
				})
			})
		if err != nil {
			o.logger.Error().Err(err).Str("session", sess.Name).Msg("Failed to detach components")
			continue
		}

		if err := o.env.Store.Delete(ctx, storage.KindSessions, storage.Key(sess.Tenant, sess.Name)); err != nil {
			o.logger.Error().Err(err).Str("session", sess.Name).Msg("Failed to delete session")
			continue
		}
		o.env.Events.Publish(events.EventSessionDeleted, "session deleted", map[string]string{
			"tenant": sess.Tenant, "session": sess.Name,
		})
		o.logger.Info().Str("session", sess.Name).Msg("Deleted expired session")
	}
	return nil
}

// ActualStateCleanup clears observed state that has gone stale, so a node
// that silently changed under BOS is not trusted forever.
type ActualStateCleanup struct {
	env    *Env
	logger zerolog.Logger
}

// NewActualStateCleanup creates the actual-state-cleanup operator.
func NewActualStateCleanup(env *Env) *ActualStateCleanup {
	return &ActualStateCleanup{env: env, logger: log.WithOperator("actual_state_cleanup")}
}

func (o *ActualStateCleanup) Name() string { return "actual_state_cleanup" }

func (o *ActualStateCleanup) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *ActualStateCleanup) Run(ctx context.Context, opts types.Options) error {
	cutoff := o.env.now().Add(-opts.ActualStateTTL())

	stale, err := scanComponents(ctx, o.env, func(c *types.Component) bool {
		return !c.ActualState.IsZero() &&
			!c.ActualState.LastUpdated.IsZero() &&
			c.ActualState.LastUpdated.Before(cutoff)
	})
	if err != nil {
		return err
	}

	for _, comp := range stale {
		err := patchComponent(ctx, o.env, comp.Tenant, comp.ID, func(c *types.Component) error {
			c.ActualState = types.ActualState{}
			c.Status.Status = types.StatusStable
			c.Status.Phase = types.PhaseNone
			return nil
		})
		if err != nil {
			o.logger.Error().Err(err).Str("id", comp.ID).Msg("Failed to clear actual state")
		}
	}
	if len(stale) > 0 {
		metrics.ComponentsActedTotal.WithLabelValues(o.Name()).Add(float64(len(stale)))
		o.logger.Info().Int("count", len(stale)).Msg("Cleared stale actual state")
	}
	return nil
}

// All returns the full operator bank in dependency-free start order.
func All(env *Env) []Operator {
	return []Operator{
		NewDiscovery(env),
		NewSessionSetup(env),
		NewConfiguration(env),
		NewPowerOn(env),
		NewPowerOffGraceful(env),
		NewPowerOffForceful(env),
		NewStatus(env),
		NewSessionCompletion(env),
		NewSessionCleanup(env),
		NewActualStateCleanup(env),
	}
}
