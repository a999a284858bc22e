package decisionlog

import (
	"context"
	"errors"
	"strings"
	"testing"

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

// failingStore wraps the real store and fails every decision-log append.
type failingStore struct {
	types.Store
}

func (f failingStore) AppendDecisionLog(ctx context.Context, e types.DecisionLogEntry) error {
	return errors.New("disk full")
}

// --- Append ---

func TestSink_AppendAssignsIncreasingSeq(t *testing.T) {
	// Sequence numbers start at 1 and increase by 1 per append
	s := openStore(t)
	sink := NewSink(s, "run1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := sink.Append(ctx, types.AgentControl, types.StepProposal1, nil, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.DecisionLog(ctx, "run1")
	if err != nil {
		t.Fatalf("DecisionLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestSink_FailedAppendDoesNotConsumeSeq(t *testing.T) {
	// An append that errors leaves the counter where it was
	s := openStore(t)
	sink := NewSink(failingStore{s}, "run1")
	ctx := context.Background()

	if err := sink.Append(ctx, types.AgentControl, types.StepProposal1, nil, nil); err == nil {
		t.Fatal("expected an error from the failing store")
	}

	// Swap in the working store via a fresh sink at the same counter state.
	sink.store = s
	if err := sink.Append(ctx, types.AgentControl, types.StepProposal1, nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, _ := s.DecisionLog(ctx, "run1")
	if len(entries) != 1 || entries[0].Seq != 1 {
		t.Errorf("entries = %+v, want a single seq-1 entry", entries)
	}
}

// --- ShortMessage ---

func TestShortMessage_RendersTypedSummaries(t *testing.T) {
	// Each summary type renders its one-line text; unknown outputs fall back
	// to the step name
	cases := []struct {
		output any
		step   types.Step
		want   string
	}{
		{MatrixSummary{Drivers: 3, Routes: 3}, types.StepMatrixGeneration,
			"Computed effort matrix for 3 drivers x 3 routes"},
		{ProposalSummary{Number: 1, Assignments: 3, Backend: "lp", TotalEffort: 150.5}, types.StepProposal1,
			"Proposal 1: 3 assignments via lp (total effort 150.50)"},
		{FairnessSummary{Number: 1, Status: types.FairnessAccept, Gini: 0.1234, StdDev: 5.5, MaxGap: 12.25}, types.StepFairnessCheck1,
			"Fairness check 1: ACCEPT (gini 0.1234, std 5.50, gap 12.25)"},
		{NegotiationSummary{Accepted: 2, Counters: 1, Forced: 0}, types.StepNegotiation,
			"Liaison round: 2 accept, 1 counter, 0 forced"},
		{SwapSummary{Applied: 1, Unfulfilled: 0}, types.StepSwapResolution,
			"Applied 1 swaps, 0 counters unfulfilled"},
		{ExplanationSummary{Count: 3}, types.StepExplanations,
			"Generated 3 explanations"},
		{TargetsSummary{WithTarget: 1, Drivers: 3}, types.StepRecoveryTargets,
			"Recovery targets for 1 of 3 drivers"},
		{DailyStatsSummary{Drivers: 3}, types.StepDailyStats,
			"Updated daily stats for 3 drivers"},
		{EpisodeSummary{EpisodeID: "ep1", ArmIndex: 40, Experimental: true}, types.StepEpisodeCreated,
			"Episode ep1 on arm 40 (experimental=true)"},
		{FailureSummary{Error: "boom"}, types.StepRunFailed,
			"Run failed: boom"},
		{"not a summary", types.StepProposal1, "PROPOSAL_1"},
	}
	for _, c := range cases {
		e := types.DecisionLogEntry{Step: c.step, Output: c.output}
		if got := ShortMessage(e); got != c.want {
			t.Errorf("ShortMessage(%T) = %q, want %q", c.output, got, c.want)
		}
	}
}

// --- BuildTimeline ---

func TestBuildTimeline_RendersStoredEntriesInOrder(t *testing.T) {
	// Entries written through the sink come back as timeline rows in sequence
	// order with the same short messages the typed summaries render
	s := openStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, types.Run{ID: "run1", Date: "2026-08-20", Status: types.RunSuccess}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	sink := NewSink(s, "run1")
	sink.Append(ctx, types.AgentEffort, types.StepMatrixGeneration, nil, MatrixSummary{Drivers: 2, Routes: 2})
	sink.Append(ctx, types.AgentPlanner, types.StepProposal1, nil,
		ProposalSummary{Number: 1, Assignments: 2, Backend: "lp", TotalEffort: 100})
	sink.Append(ctx, types.AgentFairness, types.StepFairnessCheck1, nil,
		FairnessSummary{Number: 1, Status: types.FairnessAccept})

	tl, err := BuildTimeline(ctx, s, "run1")
	if err != nil {
		t.Fatalf("BuildTimeline: %v", err)
	}
	if tl.Run.ID != "run1" || tl.Run.Status != types.RunSuccess {
		t.Errorf("run = %+v, want run1 SUCCESS", tl.Run)
	}
	if len(tl.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(tl.Entries))
	}
	if tl.Entries[0].Agent != types.AgentEffort || tl.Entries[2].Agent != types.AgentFairness {
		t.Errorf("agent order = [%s %s %s]", tl.Entries[0].Agent, tl.Entries[1].Agent, tl.Entries[2].Agent)
	}
	// Stored entries decode as maps; the rendering must match the typed path.
	if tl.Entries[0].ShortMessage != "Computed effort matrix for 2 drivers x 2 routes" {
		t.Errorf("short message = %q", tl.Entries[0].ShortMessage)
	}
	if !strings.Contains(tl.Entries[1].ShortMessage, "via lp") {
		t.Errorf("short message = %q, want the backend name", tl.Entries[1].ShortMessage)
	}
	if !strings.Contains(tl.Entries[2].ShortMessage, "ACCEPT") {
		t.Errorf("short message = %q, want the verdict", tl.Entries[2].ShortMessage)
	}
}

func TestBuildTimeline_UnknownRunErrors(t *testing.T) {
	// A timeline request for a run that was never created errors
	s := openStore(t)
	if _, err := BuildTimeline(context.Background(), s, "ghost"); err == nil {
		t.Error("expected an error for an unknown run")
	}
}
