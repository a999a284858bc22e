// Package controller orchestrates one allocation run end to end: request
// validation, route materialization, the agent pipeline A through F, daily
// stats bookkeeping, and learning-episode creation. It is the only place
// that knows how to abort a run; agents never recover from each other's
// failures.
package controller

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/decisionlog"
	"github.com/haricheung/fairdispatch/internal/effort"
	"github.com/haricheung/fairdispatch/internal/explain"
	"github.com/haricheung/fairdispatch/internal/fairness"
	"github.com/haricheung/fairdispatch/internal/geo"
	"github.com/haricheung/fairdispatch/internal/learning"
	"github.com/haricheung/fairdispatch/internal/liaison"
	"github.com/haricheung/fairdispatch/internal/planner"
	"github.com/haricheung/fairdispatch/internal/recovery"
	"github.com/haricheung/fairdispatch/internal/resolver"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Controller wires the agents to their collaborators. Every field is
// constructed explicitly; there are no package-level singletons, so parallel
// runs and parallel tests never share hidden state.
type Controller struct {
	Store    types.Store
	Events   types.EventSink
	Cluster  types.Clusterer
	Orderer  types.StopOrderer
	Rewriter types.Rewriter // nil disables LLM rewriting
	Bandit   *learning.Bandit
}

// New creates a Controller with the default clusterer and stop orderer.
func New(store types.Store, events types.EventSink, rewriter types.Rewriter, bandit *learning.Bandit) *Controller {
	return &Controller{
		Store:    store,
		Events:   events,
		Cluster:  &geo.KMeansClusterer{},
		Orderer:  geo.NearestNeighbourOrderer{},
		Rewriter: rewriter,
		Bandit:   bandit,
	}
}

// Run executes one allocation run.
//
// Expectations:
//   - A validation failure creates no run row
//   - Any pipeline failure marks the run FAILED with a truncated message
//   - Learning-episode failure is logged and swallowed; the run succeeds
//   - The decision log receives entries in agent order
//   - The response's fairness triple matches a fresh recomputation over the
//     final assignments
func (c *Controller) Run(ctx context.Context, req types.AllocationRequest) (types.AllocationResponse, error) {
	if err := validate(req); err != nil {
		return types.AllocationResponse{}, err
	}

	runID := uuid.NewString()
	run := types.Run{ID: runID, Date: req.Date, Status: types.RunPending, CreatedAt: time.Now().UTC()}
	if err := c.Store.CreateRun(ctx, run); err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "create run", Err: err}
	}
	sink := decisionlog.NewSink(c.Store, runID)
	log.Printf("[CTRL] run %s started: %d drivers, %d packages", runID, len(req.Drivers), len(req.Packages))

	resp, err := c.pipeline(ctx, runID, sink, req)
	if err != nil {
		c.failRun(ctx, runID, sink, err)
		return types.AllocationResponse{}, err
	}
	return resp, nil
}

// Timeline returns the decision timeline read model for a run.
func (c *Controller) Timeline(ctx context.Context, runID string) (types.Timeline, error) {
	return decisionlog.BuildTimeline(ctx, c.Store, runID)
}

func (c *Controller) pipeline(ctx context.Context, runID string, sink *decisionlog.Sink, req types.AllocationRequest) (types.AllocationResponse, error) {
	// 1. Materialize drivers and routes.
	if err := c.Store.UpsertDrivers(ctx, req.Drivers); err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "upsert drivers", Err: err}
	}
	if err := c.Store.UpsertPackages(ctx, runID, req.Packages); err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "upsert packages", Err: err}
	}
	routes, err := c.materializeRoutes(ctx, runID, req)
	if err != nil {
		return types.AllocationResponse{}, err
	}

	// 2. Active fairness config, documented defaults when absent.
	cfg, ok, err := c.Store.ActiveFairnessConfig(ctx)
	if err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "load config", Err: err}
	}
	if !ok {
		cfg = config.Default()
	}

	drivers := req.Drivers
	driverIDs := make([]string, len(drivers))
	for i, d := range drivers {
		driverIDs[i] = d.ID
	}

	// 3. Recovery targets and per-driver history.
	book := recovery.New(c.Store, cfg)
	c.publish(runID, types.AgentRecovery, types.StepRecoveryTargets, types.EventStarted, nil)
	targets, err := book.Targets(ctx, driverIDs, req.Date)
	if err != nil {
		return types.AllocationResponse{}, c.stepError(ctx, runID, types.AgentRecovery, types.StepRecoveryTargets, err)
	}
	withTarget := 0
	for _, t := range targets {
		if t != nil {
			withTarget++
		}
	}
	targetsOut := decisionlog.TargetsSummary{WithTarget: withTarget, Drivers: len(driverIDs)}
	if err := sink.Append(ctx, types.AgentRecovery, types.StepRecoveryTargets, nil, targetsOut); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentRecovery, types.StepRecoveryTargets, types.EventCompleted, targetsOut)

	contexts, err := book.Contexts(ctx, driverIDs, req.Date)
	if err != nil {
		return types.AllocationResponse{}, c.stepError(ctx, runID, types.AgentRecovery, types.StepRecoveryTargets, err)
	}

	// 4a. Agent A: effort matrix.
	c.publish(runID, types.AgentEffort, types.StepMatrixGeneration, types.EventStarted, nil)
	matrix := effort.New().Build(drivers, routes, contexts, cfg)
	matrixOut := decisionlog.MatrixSummary{
		Drivers: len(drivers), Routes: len(routes),
		Min: matrix.Stats.Min, Max: matrix.Stats.Max, Avg: matrix.Stats.Avg,
		Infeasible: matrix.Stats.NumInfeasible,
	}
	if err := sink.Append(ctx, types.AgentEffort, types.StepMatrixGeneration, nil, matrixOut); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentEffort, types.StepMatrixGeneration, types.EventCompleted, matrixOut)

	// 4b. Agent B: proposal 1.
	plan := planner.New()
	plan.RecoveryPenaltyWeight = cfg.RecoveryPenaltyWeight
	prop1, err := c.propose(ctx, runID, sink, plan, matrix, nil, targets, 1)
	if err != nil {
		return types.AllocationResponse{}, err
	}

	// 4c. Agent C: fairness check, at most one re-optimization round.
	eval := fairness.New(cfg)
	report1, err := c.check(ctx, runID, sink, eval, prop1, types.StepFairnessCheck1)
	if err != nil {
		return types.AllocationResponse{}, err
	}

	final, report := prop1, report1
	if report1.Status == types.FairnessReoptimize && report1.Recommendations != nil && len(report1.Recommendations.IDsToPenalize) > 0 {
		penalties := planner.PenaltiesFromRecommendations(report1.Recommendations)
		prop2, err := c.propose(ctx, runID, sink, plan, matrix, penalties, targets, 2)
		if err != nil {
			return types.AllocationResponse{}, err
		}
		report2, err := c.check(ctx, runID, sink, eval, prop2, types.StepFairnessCheck2)
		if err != nil {
			return types.AllocationResponse{}, err
		}
		if fairness.KeepSecond(report1, report2) {
			final, report = prop2, report2
		}
	}

	// 4d. Agent D: negotiation.
	c.publish(runID, types.AgentLiaison, types.StepNegotiation, types.EventStarted, nil)
	decisions := liaison.New().Negotiate(matrix, final, contexts, report)
	nego := decisionlog.NegotiationSummary{}
	verdicts := make(map[string]types.LiaisonVerdict, len(decisions))
	for _, d := range decisions {
		verdicts[d.DriverID] = d.Verdict
		switch d.Verdict {
		case types.LiaisonAccept:
			nego.Accepted++
		case types.LiaisonCounter:
			nego.Counters++
		default:
			nego.Forced++
		}
	}
	if err := sink.Append(ctx, types.AgentLiaison, types.StepNegotiation, nil, nego); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentLiaison, types.StepNegotiation, types.EventCompleted, nego)

	// 4e. Agent E: swap resolution.
	c.publish(runID, types.AgentResolver, types.StepSwapResolution, types.EventStarted, nil)
	res := resolver.New().Resolve(matrix, final, decisions, report)
	swapOut := decisionlog.SwapSummary{Applied: len(res.Swaps), Unfulfilled: len(res.Unfulfilled)}
	if err := sink.Append(ctx, types.AgentResolver, types.StepSwapResolution, res.Swaps, swapOut); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentResolver, types.StepSwapResolution, types.EventCompleted, swapOut)

	// 4f. Agent F: explanations.
	c.publish(runID, types.AgentExplainer, types.StepExplanations, types.EventStarted, nil)
	pairs, expl, err := c.explainAll(ctx, drivers, routes, matrix, res, verdicts, targets, contexts, cfg)
	if err != nil {
		return types.AllocationResponse{}, c.stepError(ctx, runID, types.AgentExplainer, types.StepExplanations, err)
	}
	explOut := decisionlog.ExplanationSummary{Count: len(expl)}
	if err := sink.Append(ctx, types.AgentExplainer, types.StepExplanations, nil, explOut); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentExplainer, types.StepExplanations, types.EventCompleted, explOut)

	// 5. Persist assignments.
	metrics := types.RunMetrics{
		AvgWorkload: round2(res.Report.AvgEffort),
		StdDev:      round2(res.Report.StdDev),
		GiniIndex:   res.Report.Gini,
	}
	assignments := make([]types.Assignment, len(pairs))
	for i, p := range pairs {
		assignments[i] = types.Assignment{
			DriverID:      p.DriverID,
			RouteID:       p.RouteID,
			WorkloadScore: p.Effort,
			FairnessScore: fairnessScore(p.Effort, res.Report.AvgEffort),
			DriverText:    expl[i].DriverText,
			AdminText:     expl[i].AdminText,
			Category:      expl[i].Category,
		}
	}
	if err := c.Store.PersistAssignments(ctx, runID, assignments); err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "persist assignments", Err: err}
	}

	// 6. Daily stats.
	c.publish(runID, types.AgentRecovery, types.StepDailyStats, types.EventStarted, nil)
	if err := book.UpdateDailyStats(ctx, runID, req.Date, assignments); err != nil {
		return types.AllocationResponse{}, c.stepError(ctx, runID, types.AgentRecovery, types.StepDailyStats, err)
	}
	dsOut := decisionlog.DailyStatsSummary{Drivers: len(assignments)}
	if err := sink.Append(ctx, types.AgentRecovery, types.StepDailyStats, nil, dsOut); err != nil {
		return types.AllocationResponse{}, err
	}
	c.publish(runID, types.AgentRecovery, types.StepDailyStats, types.EventCompleted, dsOut)

	if err := c.Store.FinalizeRun(ctx, runID, types.RunSuccess, metrics, ""); err != nil {
		return types.AllocationResponse{}, &types.CollaboratorError{Op: "finalize run", Err: err}
	}

	// 7. Learning episode, never fatal.
	c.createEpisode(ctx, runID, sink, req.Date, cfg, len(drivers), len(routes))

	log.Printf("[CTRL] run %s succeeded: avg %.2f std %.2f gini %.4f",
		runID, metrics.AvgWorkload, metrics.StdDev, metrics.GiniIndex)
	return c.buildResponse(runID, req, drivers, routes, assignments, metrics), nil
}

// materializeRoutes clusters the packages and builds one route per cluster.
func (c *Controller) materializeRoutes(ctx context.Context, runID string, req types.AllocationRequest) ([]types.Route, error) {
	numRoutes := req.NumRoutes
	if numRoutes <= 0 || numRoutes > len(req.Drivers) {
		numRoutes = len(req.Drivers)
	}
	clusters, err := c.Cluster.Cluster(req.Packages, numRoutes)
	if err != nil {
		return nil, &types.CollaboratorError{Op: "cluster packages", Err: err}
	}
	routes := make([]types.Route, len(clusters))
	for i, cl := range clusters {
		routes[i] = geo.BuildRoute(uuid.NewString(), cl, req.Warehouse, c.Orderer)
	}
	if err := c.Store.CreateRoutes(ctx, runID, routes); err != nil {
		return nil, &types.CollaboratorError{Op: "create routes", Err: err}
	}
	return routes, nil
}

func (c *Controller) propose(ctx context.Context, runID string, sink *decisionlog.Sink, plan *planner.Planner, m *effort.Matrix, penalties map[string]float64, targets map[string]*float64, number int) (types.AssignmentProposal, error) {
	step := types.StepProposal1
	if number == 2 {
		step = types.StepProposal2
	}
	c.publish(runID, types.AgentPlanner, step, types.EventStarted, nil)
	prop, err := plan.Plan(m, penalties, targets, number)
	if err != nil {
		return prop, c.stepError(ctx, runID, types.AgentPlanner, step, err)
	}
	out := decisionlog.ProposalSummary{
		Number: number, Assignments: len(prop.Pairs),
		Backend: prop.Backend, TotalEffort: prop.TotalEffort,
	}
	if err := sink.Append(ctx, types.AgentPlanner, step, penalties, out); err != nil {
		return prop, err
	}
	c.publish(runID, types.AgentPlanner, step, types.EventCompleted, out)
	return prop, nil
}

func (c *Controller) check(ctx context.Context, runID string, sink *decisionlog.Sink, eval *fairness.Evaluator, prop types.AssignmentProposal, step types.Step) (types.FairnessReport, error) {
	c.publish(runID, types.AgentFairness, step, types.EventStarted, nil)
	report := eval.Evaluate(prop)
	out := decisionlog.FairnessSummary{
		Number: prop.Number, Status: report.Status,
		Gini: report.Gini, StdDev: report.StdDev, MaxGap: report.MaxGap,
	}
	if err := sink.Append(ctx, types.AgentFairness, step, nil, out); err != nil {
		return report, err
	}
	c.publish(runID, types.AgentFairness, step, types.EventCompleted, out)
	return report, nil
}

// explainAll assembles the per-assignment facts and renders all explanations.
func (c *Controller) explainAll(ctx context.Context, drivers []types.Driver, routes []types.Route, m *effort.Matrix, res resolver.Result, verdicts map[string]types.LiaisonVerdict, targets map[string]*float64, contexts map[string]types.DriverContext, cfg config.Fairness) ([]types.ProposalPair, []types.ExplanationPair, error) {
	driverByID := make(map[string]types.Driver, len(drivers))
	for _, d := range drivers {
		driverByID[d.ID] = d
	}
	routeByID := make(map[string]types.Route, len(routes))
	for _, r := range routes {
		routeByID[r.ID] = r
	}
	swapped := make(map[string]bool, len(res.Swaps)*2)
	for _, s := range res.Swaps {
		swapped[s.DriverA] = true
		swapped[s.DriverB] = true
	}
	ranks := rankByEffort(res.Pairs)

	ex := explain.New(c.Rewriter, cfg.ComplexityDebtHard)
	facts := make([]explain.Facts, len(res.Pairs))
	for i, p := range res.Pairs {
		d := driverByID[p.DriverID]
		r := routeByID[p.RouteID]

		f := explain.Facts{
			Driver:        d,
			Route:         r,
			Effort:        p.Effort,
			Rank:          ranks[p.DriverID],
			TeamSize:      len(res.Pairs),
			Report:        res.Report,
			Context:       contexts[p.DriverID],
			Verdict:       verdicts[p.DriverID],
			SwapApplied:   swapped[p.DriverID],
			IsRecoveryDay: targets[p.DriverID] != nil,
			EVOverheadPts: evOverhead(d, r, cfg),
		}
		if di, ri := m.DriverIndex(p.DriverID), m.RouteIndex(p.RouteID); di >= 0 && ri >= 0 && p.Effort > 0 {
			f.PhysicalPct = round2(m.Physical.At(di, ri) / p.Effort * 100)
			f.ComplexityPct = round2(m.Complexity.At(di, ri) / p.Effort * 100)
			f.TimePct = round2(m.Time.At(di, ri) / p.Effort * 100)
			f.HasComposition = true
		}
		if blob, err := c.Store.LoadDriverModel(ctx, p.DriverID); err != nil {
			return nil, nil, &types.CollaboratorError{Op: "load driver model", Err: err}
		} else if blob != nil {
			f.ModelVersion = blob.Version
			f.ModelMSE = blob.MSE
		}
		facts[i] = f
	}
	return res.Pairs, ex.ExplainAll(ctx, facts), nil
}

func (c *Controller) buildResponse(runID string, req types.AllocationRequest, drivers []types.Driver, routes []types.Route, assignments []types.Assignment, metrics types.RunMetrics) types.AllocationResponse {
	driverByID := make(map[string]types.Driver, len(drivers))
	for _, d := range drivers {
		driverByID[d.ID] = d
	}
	routeByID := make(map[string]types.Route, len(routes))
	for _, r := range routes {
		routeByID[r.ID] = r
	}

	out := types.AllocationResponse{RunID: runID, Date: req.Date, GlobalFairness: metrics}
	for _, a := range assignments {
		d := driverByID[a.DriverID]
		out.Assignments = append(out.Assignments, types.AssignmentResult{
			DriverID:         a.DriverID,
			DriverExternalID: d.ExternalID,
			DriverName:       d.Name,
			RouteID:          a.RouteID,
			WorkloadScore:    a.WorkloadScore,
			FairnessScore:    a.FairnessScore,
			RouteSummary:     geo.Summary(routeByID[a.RouteID]),
			Explanation:      a.DriverText,
		})
	}
	return out
}

// createEpisode records the run as a bandit pull. Failures are swallowed.
func (c *Controller) createEpisode(ctx context.Context, runID string, sink *decisionlog.Sink, date string, cfg config.Fairness, nDrivers, nRoutes int) {
	if c.Bandit == nil {
		return
	}
	ep, err := c.Bandit.CreateEpisode(ctx, runID, date, cfg, nDrivers, nRoutes)
	if err != nil {
		log.Printf("[CTRL] %v", &types.NonFatalLearningError{Err: err})
		return
	}
	out := decisionlog.EpisodeSummary{EpisodeID: ep.ID, ArmIndex: ep.ArmIndex, Experimental: ep.Experimental}
	if err := sink.Append(ctx, types.AgentLearning, types.StepEpisodeCreated, nil, out); err != nil {
		log.Printf("[CTRL] %v", &types.NonFatalLearningError{Err: err})
		return
	}
	c.publish(runID, types.AgentLearning, types.StepEpisodeCreated, types.EventCompleted, out)
}

// stepError publishes the ERROR event for the failing step before the error
// propagates to the caller.
func (c *Controller) stepError(ctx context.Context, runID string, agent types.Agent, step types.Step, err error) error {
	c.publish(runID, agent, step, types.EventError, map[string]string{"error": err.Error()})
	return err
}

// failRun marks the run FAILED with the truncated message and logs the
// terminal decision-log entry. Partial log entries stay committed.
func (c *Controller) failRun(ctx context.Context, runID string, sink *decisionlog.Sink, cause error) {
	msg := types.Truncate(cause.Error())
	if err := sink.Append(ctx, types.AgentControl, types.StepRunFailed, nil, decisionlog.FailureSummary{Error: msg}); err != nil {
		log.Printf("[CTRL] run %s: failed to log failure: %v", runID, err)
	}
	if err := c.Store.FinalizeRun(ctx, runID, types.RunFailed, types.RunMetrics{}, msg); err != nil {
		log.Printf("[CTRL] run %s: failed to mark FAILED: %v", runID, err)
	}
	c.publish(runID, types.AgentControl, types.StepRunFailed, types.EventError, map[string]string{"error": msg})
	log.Printf("[CTRL] run %s failed: %s", runID, msg)
}

func (c *Controller) publish(runID string, agent types.Agent, step types.Step, state types.EventState, payload any) {
	if c.Events == nil {
		return
	}
	c.Events.Publish(types.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Agent:     agent,
		Step:      step,
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// validate rejects malformed requests before any run row exists.
//
// Expectations:
//   - Empty drivers or packages is a validation error
//   - Unknown package priority is a validation error
//   - Date must be YYYY-MM-DD
func validate(req types.AllocationRequest) error {
	if len(req.Drivers) == 0 {
		return &types.ValidationError{Msg: "no drivers"}
	}
	if len(req.Packages) == 0 {
		return &types.ValidationError{Msg: "no packages"}
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return &types.ValidationError{Msg: fmt.Sprintf("bad date %q", req.Date)}
	}
	for _, p := range req.Packages {
		if p.Priority != "" && p.Priority != "normal" && p.Priority != "urgent" {
			return &types.ValidationError{Msg: fmt.Sprintf("package %s: bad priority %q", p.ID, p.Priority)}
		}
	}
	return nil
}

// fairnessScore is the per-assignment score surfaced to callers:
// 1 − |effort − avg| / max(avg, 1), clamped to [0, 1].
func fairnessScore(effort, avg float64) float64 {
	s := 1 - math.Abs(effort-avg)/math.Max(avg, 1)
	return round2(math.Max(0, math.Min(1, s)))
}

// evOverhead recomputes the EV charging overhead for an assignment, for the
// admin explanation only.
func evOverhead(d types.Driver, r types.Route, cfg config.Fairness) float64 {
	if d.Vehicle != types.VehicleElectric || d.BatteryRangeKm <= 0 || !r.HasDistance {
		return 0
	}
	ratio := r.DistanceKm / d.BatteryRangeKm
	if ratio <= 0.7 {
		return 0
	}
	return round2((ratio - 0.7) * d.ChargeTimeMin * cfg.EVChargingPenaltyWeight)
}

func rankByEffort(pairs []types.ProposalPair) map[string]int {
	sorted := make([]types.ProposalPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Effort != sorted[b].Effort {
			return sorted[a].Effort > sorted[b].Effort
		}
		return sorted[a].DriverID < sorted[b].DriverID
	})
	ranks := make(map[string]int, len(sorted))
	for i, p := range sorted {
		ranks[p.DriverID] = i + 1
	}
	return ranks
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
