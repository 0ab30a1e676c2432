package session

import (
	"context"
	"sort"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// Aggregate derives session-level status from the component records owning
// the session. The computation is pure over a paged scan: repeated calls
// over a quiescent component set return identical values.
func Aggregate(ctx context.Context, store storage.Store, sess *types.Session) (*types.SessionAggregate, error) {
	agg := &types.SessionAggregate{
		Status:       sess.Status.Status,
		ErrorSummary: map[string][]string{},
		StartTime:    sess.Status.StartTime,
		EndTime:      sess.Status.EndTime,
	}

	var total, failed, stable int
	phaseCounts := map[types.ComponentPhase]int{}

	err := storage.ScanRecords(ctx, store, storage.KindComponents, storage.TenantPrefix(sess.Tenant), 500,
		func(key string, comp types.Component) error {
			if comp.Session != sess.Name {
				return nil
			}
			total++

			if comp.Error != "" {
				agg.ErrorSummary[comp.Error] = append(agg.ErrorSummary[comp.Error], comp.ID)
			}

			switch {
			case comp.Status.Effective() == types.StatusFailed:
				failed++
			default:
				phaseCounts[comp.Status.Phase]++
				if isSettled(sess.Operation, &comp) {
					stable++
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	// Session-level errors (e.g. ids skipped at setup) surface alongside
	// per-component errors.
	if sess.Status.Error != "" {
		agg.ErrorSummary[sess.Status.Error] = append(agg.ErrorSummary[sess.Status.Error], sess.Name)
	}
	for _, ids := range agg.ErrorSummary {
		sort.Strings(ids)
	}
	if len(agg.ErrorSummary) == 0 {
		agg.ErrorSummary = nil
	}

	agg.ManagedCount = total
	if total > 0 {
		agg.PercentComplete = percent(stable, total)
		agg.PercentFailed = percent(failed, total)
	}

	// Phase percentages exclude failed components from the denominator.
	if nonFailed := total - failed; nonFailed > 0 {
		agg.Phases = types.PhasePercents{
			PercentNone:        percent(phaseCounts[types.PhaseNone], nonFailed),
			PercentPoweringOn:  percent(phaseCounts[types.PhasePoweringOn], nonFailed),
			PercentPoweringOff: percent(phaseCounts[types.PhasePoweringOff], nonFailed),
			PercentConfiguring: percent(phaseCounts[types.PhaseConfiguring], nonFailed),
		}
	}

	return agg, nil
}

// Terminal reports whether every component owned by the session has reached
// an end state for the session's operation: settled, or failed for good.
// A session with no owned components is terminal.
func Terminal(ctx context.Context, store storage.Store, sess *types.Session) (bool, error) {
	terminal := true
	err := storage.ScanRecords(ctx, store, storage.KindComponents, storage.TenantPrefix(sess.Tenant), 500,
		func(key string, comp types.Component) error {
			if comp.Session != sess.Name || !terminal {
				return nil
			}
			if comp.Status.Effective() == types.StatusFailed {
				return nil
			}
			if !comp.Enabled {
				// Disabled mid-session; nothing will ever advance it.
				return nil
			}
			if !isSettled(sess.Operation, &comp) {
				terminal = false
			}
			return nil
		})
	if err != nil {
		return false, err
	}
	return terminal, nil
}

// isSettled reports whether the component has reached the session's goal
// state: stable on the desired artifacts for boot/reboot, off for shutdown.
func isSettled(op types.Operation, comp *types.Component) bool {
	switch op {
	case types.OperationShutdown:
		return comp.Status.Effective() == types.StatusOff ||
			(comp.Status.Effective() == types.StatusStable && !comp.WantsPowerOn())
	default:
		return comp.Status.Effective() == types.StatusStable && comp.DesiredArtifactsMatch()
	}
}

func percent(count, total int) float64 {
	return float64(count) / float64(total) * 100
}
