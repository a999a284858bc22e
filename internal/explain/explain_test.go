package explain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haricheung/fairdispatch/internal/types"
)

func baseFacts() Facts {
	return Facts{
		Driver:   types.Driver{ID: "d1", Name: "Ana", Language: "en"},
		Route:    types.Route{ID: "r1", PackageCount: 10, TotalWeightKg: 40, StopCount: 8, EstMinutes: 60},
		Effort:   60,
		Rank:     2,
		TeamSize: 3,
		Report:   types.FairnessReport{AvgEffort: 60, StdDev: 5, MaxGap: 10, Gini: 0.05},
		Verdict:  types.LiaisonAccept,
	}
}

// --- category ---

func TestExplain_CategoryPriority(t *testing.T) {
	// First matching rule wins, in the documented order
	e := New(nil, 2.0)
	cases := []struct {
		name   string
		mutate func(*Facts)
		want   types.Category
	}{
		{"learning model beats everything", func(f *Facts) {
			f.ModelVersion = 3
			f.ModelMSE = 10
			f.IsRecoveryDay = true
			f.Effort = 90
		}, types.CatLearningOptimized},
		{"usable model requires low mse", func(f *Facts) {
			f.ModelVersion = 3
			f.ModelMSE = 20
			f.IsRecoveryDay = true
		}, types.CatRecovery},
		{"recovery day", func(f *Facts) {
			f.IsRecoveryDay = true
			f.Effort = 90
		}, types.CatRecovery},
		{"heavy with swap", func(f *Facts) {
			f.Effort = 90
			f.SwapApplied = true
		}, types.CatHeavyWithSwap},
		{"heavy after unfulfilled counter", func(f *Facts) {
			f.Effort = 90
			f.Verdict = types.LiaisonCounter
		}, types.CatHeavyNoSwap},
		{"heavy after forced accept", func(f *Facts) {
			f.Effort = 90
			f.Verdict = types.LiaisonForceAccept
		}, types.CatHeavyNoSwap},
		{"plain heavy", func(f *Facts) {
			f.Effort = 90
		}, types.CatHeavy},
		{"light after hard days", func(f *Facts) {
			f.Effort = 30
			f.Context.HardDays7 = 2
		}, types.CatLightRecovery},
		{"plain light", func(f *Facts) {
			f.Effort = 30
		}, types.CatLight},
		{"within the ten percent band", func(f *Facts) {
			f.Effort = 65
		}, types.CatNearAvg},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := baseFacts()
			c.mutate(&f)
			got := e.Explain(context.Background(), f)
			if got.Category != c.want {
				t.Errorf("category = %s, want %s", got.Category, c.want)
			}
		})
	}
}

// --- texts ---

func TestExplain_DriverTextHasNoMetrics(t *testing.T) {
	// Driver text carries route facts only, never scores or team statistics
	e := New(nil, 2.0)
	f := baseFacts()
	f.Effort = 90
	pair := e.Explain(context.Background(), f)

	for _, banned := range []string{"gini", "std", "rank", "90", "fairness", "%"} {
		if strings.Contains(strings.ToLower(pair.DriverText), banned) {
			t.Errorf("driver text contains %q: %s", banned, pair.DriverText)
		}
	}
	if !strings.Contains(pair.DriverText, "10 packages") {
		t.Errorf("driver text lacks route facts: %s", pair.DriverText)
	}
}

func TestExplain_AdminTextCarriesCoreMetrics(t *testing.T) {
	// Admin text always has effort, delta %, rank k/N, and the fairness triple
	e := New(nil, 2.0)
	f := baseFacts()
	f.Effort = 72 // +20% vs avg 60
	pair := e.Explain(context.Background(), f)

	for _, want := range []string{"effort 72.00", "+20.0%", "rank 2/3", "gini 0.0500", "std 5.00", "max gap 10.00"} {
		if !strings.Contains(pair.AdminText, want) {
			t.Errorf("admin text lacks %q: %s", want, pair.AdminText)
		}
	}
}

func TestExplain_AdminTextConditionalFragments(t *testing.T) {
	// Recovery, swap, override, EV overhead, debt, and model fragments appear
	// only when their facts hold
	e := New(nil, 2.0)
	f := baseFacts()
	f.IsRecoveryDay = true
	f.Context.HardDays7 = 3
	f.SwapApplied = true
	f.AdminOverride = true
	f.EVOverheadPts = 2.5
	f.Context.ComplexityDebt = 3.0
	f.ModelVersion = 2
	f.ModelMSE = 20

	text := e.Explain(context.Background(), f).AdminText
	for _, want := range []string{
		"Recovery day with 3 hard days.",
		"Swap applied.",
		"Manual admin override.",
		"EV overhead 2.50 points.",
		"Complexity debt 3.0 (threshold 2.0).",
		"Personalized model v2 (MSE 20.00).",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("admin text lacks %q: %s", want, text)
		}
	}

	plain := e.Explain(context.Background(), baseFacts()).AdminText
	for _, banned := range []string{"Recovery day", "Swap applied", "override", "EV overhead", "debt", "model"} {
		if strings.Contains(plain, banned) {
			t.Errorf("plain admin text contains %q: %s", banned, plain)
		}
	}
}

func TestExplain_CounterWithoutSwapIsFlagged(t *testing.T) {
	// An unfulfilled counter leaves an audit trace in the admin text
	e := New(nil, 2.0)
	f := baseFacts()
	f.Verdict = types.LiaisonCounter
	text := e.Explain(context.Background(), f).AdminText
	if !strings.Contains(text, "Counter without swap, flagged.") {
		t.Errorf("admin text lacks the counter flag: %s", text)
	}
}

func TestExplain_CompositionOnlyWhenKnown(t *testing.T) {
	// The composition sentence appears iff the breakdown is available
	e := New(nil, 2.0)
	f := baseFacts()
	f.HasComposition = true
	f.PhysicalPct, f.ComplexityPct, f.TimePct = 60, 25, 15
	text := e.Explain(context.Background(), f).AdminText
	if !strings.Contains(text, "physical 60%, complexity 25%, time 15%") {
		t.Errorf("admin text lacks the composition: %s", text)
	}
}

// --- rewriter ---

type stubRewriter struct {
	out string
	err error

	got types.ExplanationContext
}

func (s *stubRewriter) Rewrite(ctx context.Context, ec types.ExplanationContext) (string, error) {
	s.got = ec
	return s.out, s.err
}

func TestExplain_RewriterReplacesDriverText(t *testing.T) {
	// A successful rewrite replaces the driver text; the admin text is never
	// rewritten
	rw := &stubRewriter{out: "Nice and easy today."}
	e := New(rw, 2.0)
	pair := e.Explain(context.Background(), baseFacts())

	if pair.DriverText != "Nice and easy today." {
		t.Errorf("driver text = %q, want the rewrite", pair.DriverText)
	}
	if !strings.Contains(pair.AdminText, "effort") {
		t.Errorf("admin text was touched: %s", pair.AdminText)
	}
	if rw.got.DriverName != "Ana" || rw.got.Language != "en" {
		t.Errorf("rewriter context = %+v, want driver name and language", rw.got)
	}
}

func TestExplain_RewriterFailureFallsBack(t *testing.T) {
	// Rewriter errors and blank rewrites keep the templated text
	for _, rw := range []*stubRewriter{
		{err: errors.New("timeout")},
		{out: "   "},
	} {
		e := New(rw, 2.0)
		pair := e.Explain(context.Background(), baseFacts())
		if !strings.Contains(pair.DriverText, "typical day") {
			t.Errorf("driver text = %q, want the template", pair.DriverText)
		}
	}
}

// --- deltaPct ---

func TestDeltaPct_RoundsToOneDecimal(t *testing.T) {
	// Percent deviation rounds to 1 decimal; zero average yields 0
	if d := deltaPct(61, 60); d != 1.7 {
		t.Errorf("deltaPct = %v, want 1.7", d)
	}
	if d := deltaPct(50, 0); d != 0 {
		t.Errorf("deltaPct with zero avg = %v, want 0", d)
	}
}
