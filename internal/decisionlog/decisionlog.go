// Package decisionlog implements the append-only per-step record of a run
// and the timeline read model built from it. Every agent writes through one
// Sink per run; the sink owns the sequence counter, so entries replay in the
// order the pipeline produced them.
package decisionlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haricheung/fairdispatch/internal/types"
)

// Sink appends entries for one run. Safe for use from one run goroutine; the
// mutex exists because the bus-driven SSE reader may snapshot Seq concurrently.
type Sink struct {
	store types.Store
	runID string

	mu  sync.Mutex
	seq int
}

// NewSink creates a Sink for one run.
func NewSink(store types.Store, runID string) *Sink {
	return &Sink{store: store, runID: runID}
}

// Append persists one step record with the next sequence number.
//
// Expectations:
//   - Sequence numbers are strictly increasing per run, starting at 1
//   - A failed append does not consume a sequence number
func (s *Sink) Append(ctx context.Context, agent types.Agent, step types.Step, input, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := types.DecisionLogEntry{
		RunID:     s.runID,
		Seq:       s.seq + 1,
		Agent:     agent,
		Step:      step,
		Input:     input,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendDecisionLog(ctx, entry); err != nil {
		return &types.CollaboratorError{Op: "decision log append", Err: err}
	}
	s.seq++
	return nil
}

// Summary payloads. These are what the agents put in the Output field; the
// timeline's short messages are rendered from them.

// MatrixSummary is the MATRIX_GENERATION output.
type MatrixSummary struct {
	Drivers    int     `json:"drivers"`
	Routes     int     `json:"routes"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Avg        float64 `json:"avg"`
	Infeasible int     `json:"infeasible"`
}

// ProposalSummary is the PROPOSAL_k output.
type ProposalSummary struct {
	Number      int     `json:"number"`
	Assignments int     `json:"assignments"`
	Backend     string  `json:"backend"`
	TotalEffort float64 `json:"total_effort"`
}

// FairnessSummary is the FAIRNESS_CHECK_PROPOSAL_k output.
type FairnessSummary struct {
	Number int                  `json:"number"`
	Status types.FairnessStatus `json:"status"`
	Gini   float64              `json:"gini"`
	StdDev float64              `json:"std_dev"`
	MaxGap float64              `json:"max_gap"`
}

// NegotiationSummary is the NEGOTIATION output.
type NegotiationSummary struct {
	Accepted int `json:"accepted"`
	Counters int `json:"counters"`
	Forced   int `json:"forced"`
}

// SwapSummary is the SWAP_RESOLUTION output.
type SwapSummary struct {
	Applied     int `json:"applied"`
	Unfulfilled int `json:"unfulfilled"`
}

// ExplanationSummary is the EXPLANATIONS_GENERATED output.
type ExplanationSummary struct {
	Count int `json:"count"`
}

// TargetsSummary is the recovery TARGETS output.
type TargetsSummary struct {
	WithTarget int `json:"with_target"`
	Drivers    int `json:"drivers"`
}

// DailyStatsSummary is the DAILY_STATS output.
type DailyStatsSummary struct {
	Drivers int `json:"drivers"`
}

// EpisodeSummary is the EPISODE_CREATED output.
type EpisodeSummary struct {
	EpisodeID    string `json:"episode_id"`
	ArmIndex     int    `json:"arm_index"`
	Experimental bool   `json:"experimental"`
}

// FailureSummary is the RUN_FAILED output.
type FailureSummary struct {
	Error string `json:"error"`
}

// ShortMessage renders the one-line timeline text for an entry. Unknown
// output shapes fall back to the step name.
func ShortMessage(e types.DecisionLogEntry) string {
	switch out := e.Output.(type) {
	case MatrixSummary:
		return fmt.Sprintf("Computed effort matrix for %d drivers x %d routes", out.Drivers, out.Routes)
	case ProposalSummary:
		return fmt.Sprintf("Proposal %d: %d assignments via %s (total effort %.2f)",
			out.Number, out.Assignments, out.Backend, out.TotalEffort)
	case FairnessSummary:
		return fmt.Sprintf("Fairness check %d: %s (gini %.4f, std %.2f, gap %.2f)",
			out.Number, out.Status, out.Gini, out.StdDev, out.MaxGap)
	case NegotiationSummary:
		return fmt.Sprintf("Liaison round: %d accept, %d counter, %d forced",
			out.Accepted, out.Counters, out.Forced)
	case SwapSummary:
		return fmt.Sprintf("Applied %d swaps, %d counters unfulfilled", out.Applied, out.Unfulfilled)
	case ExplanationSummary:
		return fmt.Sprintf("Generated %d explanations", out.Count)
	case TargetsSummary:
		return fmt.Sprintf("Recovery targets for %d of %d drivers", out.WithTarget, out.Drivers)
	case DailyStatsSummary:
		return fmt.Sprintf("Updated daily stats for %d drivers", out.Drivers)
	case EpisodeSummary:
		return fmt.Sprintf("Episode %s on arm %d (experimental=%v)", out.EpisodeID, out.ArmIndex, out.Experimental)
	case FailureSummary:
		return "Run failed: " + out.Error
	default:
		return string(e.Step)
	}
}

// BuildTimeline reads a run's entries and renders the timeline read model.
func BuildTimeline(ctx context.Context, store types.Store, runID string) (types.Timeline, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return types.Timeline{}, &types.CollaboratorError{Op: "timeline: load run", Err: err}
	}
	entries, err := store.DecisionLog(ctx, runID)
	if err != nil {
		return types.Timeline{}, &types.CollaboratorError{Op: "timeline: load decision log", Err: err}
	}

	tl := types.Timeline{Run: run, Entries: make([]types.TimelineEntry, len(entries))}
	for i, e := range entries {
		tl.Entries[i] = types.TimelineEntry{
			Timestamp:    e.Timestamp,
			Agent:        e.Agent,
			Step:         e.Step,
			ShortMessage: shortFromStored(e),
			Details:      e.Output,
		}
	}
	return tl, nil
}

// shortFromStored renders a short message from a JSON-decoded entry, whose
// Output round-trips as map[string]any rather than the typed summaries.
func shortFromStored(e types.DecisionLogEntry) string {
	out, ok := e.Output.(map[string]any)
	if !ok {
		return ShortMessage(e)
	}
	num := func(k string) float64 {
		v, _ := out[k].(float64)
		return v
	}
	str := func(k string) string {
		v, _ := out[k].(string)
		return v
	}
	switch e.Step {
	case types.StepMatrixGeneration:
		return fmt.Sprintf("Computed effort matrix for %.0f drivers x %.0f routes", num("drivers"), num("routes"))
	case types.StepProposal1, types.StepProposal2:
		return fmt.Sprintf("Proposal %.0f: %.0f assignments via %s (total effort %.2f)",
			num("number"), num("assignments"), str("backend"), num("total_effort"))
	case types.StepFairnessCheck1, types.StepFairnessCheck2:
		return fmt.Sprintf("Fairness check %.0f: %s (gini %.4f, std %.2f, gap %.2f)",
			num("number"), str("status"), num("gini"), num("std_dev"), num("max_gap"))
	case types.StepNegotiation:
		return fmt.Sprintf("Liaison round: %.0f accept, %.0f counter, %.0f forced",
			num("accepted"), num("counters"), num("forced"))
	case types.StepSwapResolution:
		return fmt.Sprintf("Applied %.0f swaps, %.0f counters unfulfilled", num("applied"), num("unfulfilled"))
	case types.StepExplanations:
		return fmt.Sprintf("Generated %.0f explanations", num("count"))
	case types.StepRecoveryTargets:
		return fmt.Sprintf("Recovery targets for %.0f of %.0f drivers", num("with_target"), num("drivers"))
	case types.StepDailyStats:
		return fmt.Sprintf("Updated daily stats for %.0f drivers", num("drivers"))
	case types.StepEpisodeCreated:
		return fmt.Sprintf("Episode %s on arm %.0f (experimental=%v)", str("episode_id"), num("arm_index"), out["experimental"] == true)
	case types.StepRunFailed:
		return "Run failed: " + str("error")
	default:
		return string(e.Step)
	}
}
