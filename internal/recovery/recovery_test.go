package recovery

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/store"
	"github.com/haricheung/fairdispatch/internal/types"
)

func openStore(t *testing.T) *store.LevelDB {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedHistory writes n DailyStats rows for driver ending the day before date,
// all with the given workload and debt.
func seedHistory(t *testing.T, s *store.LevelDB, driver string, n int, workload, debt float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		row := types.DailyStats{
			DriverID:       driver,
			Date:           fmt.Sprintf("2026-08-%02d", 10+i),
			AvgWorkload:    workload,
			ComplexityDebt: debt,
			RunID:          "seed",
		}
		if err := s.UpsertDailyStats(ctx, row); err != nil {
			t.Fatalf("seed stats: %v", err)
		}
	}
}

// --- Targets ---

func TestTargets_LightensIndebtedDriver(t *testing.T) {
	// Debt at or above the hard threshold yields recent_avg · lightening;
	// 80 · 0.7 = 56.0
	s := openStore(t)
	seedHistory(t, s, "d1", 7, 80, 3.5)
	b := New(s, config.Default())

	targets, err := b.Targets(context.Background(), []string{"d1"}, "2026-08-20")
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if targets["d1"] == nil {
		t.Fatal("expected a target for d1")
	}
	if *targets["d1"] != 56.0 {
		t.Errorf("target = %v, want 56.0", *targets["d1"])
	}
}

func TestTargets_NilBelowDebtThreshold(t *testing.T) {
	// Latest debt below the hard threshold yields no target
	s := openStore(t)
	seedHistory(t, s, "d1", 7, 80, 1.5)
	b := New(s, config.Default())

	targets, err := b.Targets(context.Background(), []string{"d1"}, "2026-08-20")
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if targets["d1"] != nil {
		t.Errorf("target = %v, want nil", *targets["d1"])
	}
}

func TestTargets_NilWithoutHistory(t *testing.T) {
	// A driver with no recent stats gets nil
	s := openStore(t)
	b := New(s, config.Default())
	targets, err := b.Targets(context.Background(), []string{"new"}, "2026-08-20")
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if targets["new"] != nil {
		t.Error("expected nil target for a driver without history")
	}
}

func TestTargets_AllNilWhenRecoveryDisabled(t *testing.T) {
	// recovery_mode_enabled=false yields an all-nil map regardless of debt
	s := openStore(t)
	seedHistory(t, s, "d1", 7, 80, 3.5)
	cfg := config.Default()
	cfg.RecoveryModeEnabled = false
	b := New(s, cfg)

	targets, err := b.Targets(context.Background(), []string{"d1"}, "2026-08-20")
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if targets["d1"] != nil {
		t.Error("expected nil target with recovery mode disabled")
	}
}

// --- UpdateDailyStats ---

func TestUpdateDailyStats_HardDayRaisesDebt(t *testing.T) {
	// effort > avg + 0.5·std marks a hard day and debt goes up by exactly 1
	s := openStore(t)
	seedHistory(t, s, "hard", 3, 50, 1.0)
	b := New(s, config.Default())

	assignments := []types.Assignment{
		{DriverID: "hard", RouteID: "r1", WorkloadScore: 90},
		{DriverID: "x", RouteID: "r2", WorkloadScore: 50},
		{DriverID: "y", RouteID: "r3", WorkloadScore: 50},
	}
	if err := b.UpdateDailyStats(context.Background(), "run1", "2026-08-20", assignments); err != nil {
		t.Fatalf("UpdateDailyStats: %v", err)
	}

	rows, err := s.RecentDailyStats(context.Background(), "hard", "2026-08-21", 1)
	if err != nil {
		t.Fatalf("RecentDailyStats: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if !rows[0].IsHardDay {
		t.Error("expected a hard day")
	}
	if rows[0].ComplexityDebt != 2.0 {
		t.Errorf("debt = %v, want 2.0 (1.0 + 1)", rows[0].ComplexityDebt)
	}
}

func TestUpdateDailyStats_NormalDayDecaysDebt(t *testing.T) {
	// A non-hard day lowers debt by 0.5, floored at 0
	s := openStore(t)
	seedHistory(t, s, "ok", 3, 50, 0.3)
	b := New(s, config.Default())

	assignments := []types.Assignment{
		{DriverID: "ok", RouteID: "r1", WorkloadScore: 50},
		{DriverID: "x", RouteID: "r2", WorkloadScore: 50},
	}
	if err := b.UpdateDailyStats(context.Background(), "run1", "2026-08-20", assignments); err != nil {
		t.Fatalf("UpdateDailyStats: %v", err)
	}

	rows, _ := s.RecentDailyStats(context.Background(), "ok", "2026-08-21", 1)
	if rows[0].IsHardDay {
		t.Error("expected a normal day")
	}
	if rows[0].ComplexityDebt != 0 {
		t.Errorf("debt = %v, want 0 (floored)", rows[0].ComplexityDebt)
	}
}

func TestUpdateDailyStats_RecoveryDayPaysDownFullPoint(t *testing.T) {
	// Prior debt >= 2.0 plus a light day marks is_recovery_day and pays down 1
	s := openStore(t)
	seedHistory(t, s, "rec", 7, 80, 3.0)
	b := New(s, config.Default())

	// 50 <= 80·0.7 = 56, and 50 is not above the run's hard threshold.
	assignments := []types.Assignment{
		{DriverID: "rec", RouteID: "r1", WorkloadScore: 50},
		{DriverID: "x", RouteID: "r2", WorkloadScore: 60},
	}
	if err := b.UpdateDailyStats(context.Background(), "run1", "2026-08-20", assignments); err != nil {
		t.Fatalf("UpdateDailyStats: %v", err)
	}

	rows, _ := s.RecentDailyStats(context.Background(), "rec", "2026-08-21", 1)
	if !rows[0].IsRecoveryDay {
		t.Error("expected a recovery day")
	}
	if rows[0].ComplexityDebt != 2.0 {
		t.Errorf("debt = %v, want 2.0 (3.0 − 1)", rows[0].ComplexityDebt)
	}
}

func TestUpdateDailyStats_HardDayIsNeverARecoveryDay(t *testing.T) {
	// A driver far above the team can land under its lightened target while
	// still exceeding the run's hard threshold; the hard day's +1 wins
	s := openStore(t)
	seedHistory(t, s, "both", 7, 100, 3.0)
	b := New(s, config.Default())

	// 60 > run threshold 56.22 (avg 53.33 + 0.5·std 5.77), yet 60 <= 100·0.7.
	assignments := []types.Assignment{
		{DriverID: "both", RouteID: "r1", WorkloadScore: 60},
		{DriverID: "x", RouteID: "r2", WorkloadScore: 50},
		{DriverID: "y", RouteID: "r3", WorkloadScore: 50},
	}
	if err := b.UpdateDailyStats(context.Background(), "run1", "2026-08-20", assignments); err != nil {
		t.Fatalf("UpdateDailyStats: %v", err)
	}

	rows, _ := s.RecentDailyStats(context.Background(), "both", "2026-08-21", 1)
	if !rows[0].IsHardDay {
		t.Error("expected a hard day")
	}
	if rows[0].IsRecoveryDay {
		t.Error("a hard day must not be marked a recovery day")
	}
	if rows[0].ComplexityDebt != 4.0 {
		t.Errorf("debt = %v, want 4.0 (3.0 + 1)", rows[0].ComplexityDebt)
	}
}

// --- Contexts ---

func TestContexts_SummarizesRecentHistory(t *testing.T) {
	// RecentAvgEffort and HardDays7 come from the last 7 DailyStats rows
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		row := types.DailyStats{
			DriverID:    "d1",
			Date:        fmt.Sprintf("2026-08-%02d", 10+i),
			AvgWorkload: 60,
			IsHardDay:   i < 2,
			RunID:       "seed",
		}
		if err := s.UpsertDailyStats(ctx, row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	b := New(s, config.Default())

	contexts, err := b.Contexts(ctx, []string{"d1", "new"}, "2026-08-20")
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if contexts["d1"].RecentAvgEffort != 60 {
		t.Errorf("recent avg = %v, want 60", contexts["d1"].RecentAvgEffort)
	}
	if contexts["d1"].HardDays7 != 2 {
		t.Errorf("hard days = %d, want 2", contexts["d1"].HardDays7)
	}
	if !reflect.DeepEqual(contexts["new"], types.DriverContext{}) {
		t.Errorf("new driver context = %+v, want zero value", contexts["new"])
	}
}
