// Package recovery implements service G: the complexity-debt bookkeeper.
// Debt accrues +1 per hard day and decays 0.5 per normal day; once it crosses
// the hard threshold the next run plans the driver toward a lightened target.
package recovery

import (
	"context"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/types"
)

// historyDays is the DailyStats window read per driver.
const historyDays = 7

// Bookkeeper is service G.
type Bookkeeper struct {
	Store types.Store
	Cfg   config.Fairness
}

// New creates a Bookkeeper over the given store and config.
func New(store types.Store, cfg config.Fairness) *Bookkeeper {
	return &Bookkeeper{Store: store, Cfg: cfg}
}

// Targets computes recovery targets for the given drivers on date.
//
// A driver gets a target iff recovery mode is on, it has DailyStats in the
// last 7 days, and its latest complexity debt is at or above the hard
// threshold. The target is recent_avg_effort · recovery_lightening_factor.
// Drivers without a target map to nil.
//
// Expectations:
//   - All-nil map when recovery_mode_enabled is false
//   - nil for a driver with no recent stats
//   - nil for a driver whose latest debt is below the hard threshold
//   - Target rounds to 2 decimals
func (b *Bookkeeper) Targets(ctx context.Context, driverIDs []string, date string) (map[string]*float64, error) {
	out := make(map[string]*float64, len(driverIDs))
	for _, id := range driverIDs {
		out[id] = nil
	}
	if !b.Cfg.RecoveryModeEnabled {
		return out, nil
	}

	set := 0
	for _, id := range driverIDs {
		rows, err := b.Store.RecentDailyStats(ctx, id, date, historyDays)
		if err != nil {
			return nil, &types.CollaboratorError{Op: "recovery targets: load daily stats", Err: err}
		}
		if len(rows) == 0 {
			continue
		}
		// rows are newest-first; the latest debt decides.
		if rows[0].ComplexityDebt < b.Cfg.ComplexityDebtHard {
			continue
		}
		t := round2(avgWorkload(rows) * b.Cfg.RecoveryLightening)
		out[id] = &t
		set++
	}
	log.Printf("[RECOVERY] targets for %d of %d drivers", set, len(driverIDs))
	return out, nil
}

// UpdateDailyStats writes today's DailyStats row per assigned driver after a
// run commits.
//
// Hard-day threshold is avg + 0.5·std over the run's efforts. Debt moves
// +1 on a hard day, −0.5 otherwise, floored at 0. A driver whose previous
// debt was at or above the hard threshold and whose effort today stayed at or
// under recent_avg · lightening is marked a recovery day and pays down a full
// point instead. A hard day is never a recovery day: the +1 wins.
//
// Expectations:
//   - Debt never goes negative
//   - A hard day raises debt by exactly 1 over yesterday's, unconditionally
//   - A recovery day lowers debt by 1 (floored) and sets is_recovery_day
//   - One row upserted per assignment, keyed (driver, date)
func (b *Bookkeeper) UpdateDailyStats(ctx context.Context, runID, date string, assignments []types.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	efforts := make([]float64, len(assignments))
	for i, a := range assignments {
		efforts[i] = a.WorkloadScore
	}
	avg := stat.Mean(efforts, nil)
	var std float64
	if len(efforts) > 1 {
		std = stat.StdDev(efforts, nil)
	}
	hardThreshold := avg + 0.5*std

	for _, a := range assignments {
		rows, err := b.Store.RecentDailyStats(ctx, a.DriverID, date, historyDays)
		if err != nil {
			return &types.CollaboratorError{Op: fmt.Sprintf("daily stats: load history for %s", a.DriverID), Err: err}
		}
		var prevDebt float64
		if len(rows) > 0 {
			prevDebt = rows[0].ComplexityDebt
		}

		effort := a.WorkloadScore
		isHard := effort > hardThreshold

		newDebt := math.Max(0, prevDebt-0.5)
		if isHard {
			newDebt = prevDebt + 1
		}

		isRecovery := false
		if !isHard && len(rows) > 0 && prevDebt >= b.Cfg.ComplexityDebtHard {
			lightened := avgWorkload(rows) * b.Cfg.RecoveryLightening
			if effort <= lightened {
				isRecovery = true
				newDebt = math.Max(0, prevDebt-1)
			}
		}

		e := effort
		row := types.DailyStats{
			DriverID:       a.DriverID,
			Date:           date,
			AvgWorkload:    round2(effort),
			IsHardDay:      isHard,
			ComplexityDebt: round2(newDebt),
			IsRecoveryDay:  isRecovery,
			ActualEffort:   &e,
			RunID:          runID,
		}
		if err := b.Store.UpsertDailyStats(ctx, row); err != nil {
			return &types.CollaboratorError{Op: fmt.Sprintf("daily stats: upsert for %s", a.DriverID), Err: err}
		}
	}
	log.Printf("[RECOVERY] updated daily stats for %d drivers (hard threshold %.2f)", len(assignments), hardThreshold)
	return nil
}

// Contexts builds the liaison's per-driver history view from the last 7 days
// of DailyStats. Drivers with no history get a zero-value context.
func (b *Bookkeeper) Contexts(ctx context.Context, driverIDs []string, date string) (map[string]types.DriverContext, error) {
	out := make(map[string]types.DriverContext, len(driverIDs))
	for _, id := range driverIDs {
		rows, err := b.Store.RecentDailyStats(ctx, id, date, historyDays)
		if err != nil {
			return nil, &types.CollaboratorError{Op: "driver contexts: load daily stats", Err: err}
		}
		if len(rows) == 0 {
			out[id] = types.DriverContext{}
			continue
		}
		loads := make([]float64, len(rows))
		hard := 0
		for i, r := range rows {
			loads[i] = r.AvgWorkload
			if r.IsHardDay {
				hard++
			}
		}
		var std float64
		if len(loads) > 1 {
			std = stat.StdDev(loads, nil)
		}
		out[id] = types.DriverContext{
			RecentAvgEffort: round2(stat.Mean(loads, nil)),
			RecentStd:       round2(std),
			HardDays7:       hard,
			Fatigue:         fatigueFrom(hard),
			ComplexityDebt:  rows[0].ComplexityDebt,
		}
	}
	return out, nil
}

// fatigueFrom maps the recent hard-day count onto the [1, 5] fatigue scale.
func fatigueFrom(hardDays int) float64 {
	f := 1 + float64(hardDays)*0.6
	return math.Min(5, round2(f))
}

func avgWorkload(rows []types.DailyStats) float64 {
	loads := make([]float64, len(rows))
	for i, r := range rows {
		loads[i] = r.AvgWorkload
	}
	return stat.Mean(loads, nil)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
