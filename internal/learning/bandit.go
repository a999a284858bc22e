// Package learning implements service H: the Thompson-sampling bandit that
// tunes the fairness configuration across runs, and the per-driver effort
// regressors trained from observed daily workloads.
package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Knob grids: 3 values per knob, 81 arms total. The Cartesian product order
// is fixed (gini outermost, ev weight innermost) so arm indices are stable.
var (
	giniGrid       = []float64{0.28, 0.33, 0.38}
	stdGrid        = []float64{20, 25, 30}
	lighteningGrid = []float64{0.6, 0.7, 0.8}
	evWeightGrid   = []float64{0.2, 0.3, 0.4}
)

// episodeWindowDays is the lookback for prior aggregation.
const episodeWindowDays = 30

// experimentalRate is the share of runs created as experimental episodes.
const experimentalRate = 0.10

// Arm is one point in the 4-knob configuration space.
type Arm struct {
	Index int
	Hash  string
	Cfg   config.Fairness
}

// ArmState is an arm's aggregated posterior over the episode window.
type ArmState struct {
	Alpha   float64
	Beta    float64
	Samples int
}

// Bandit is sub-component H1. The RNG source is injected so arm selection is
// reproducible under a fixed seed.
type Bandit struct {
	Store        types.Store
	Base         config.Fairness // non-knob fields carried onto every arm
	Experimental bool
	Src          rand.Source

	arms []Arm
}

// NewBandit creates a Bandit over the 81-arm grid. src may be nil for a
// time-seeded source.
func NewBandit(store types.Store, base config.Fairness, src rand.Source) *Bandit {
	if src == nil {
		src = rand.NewPCG(uint64(time.Now().UnixNano()), 0)
	}
	return &Bandit{Store: store, Base: base, Src: src, arms: buildArms(base)}
}

// Arms returns the full arm space in index order.
func (b *Bandit) Arms() []Arm { return b.arms }

// ArmIndex returns the arm index whose knobs match cfg, or -1 when cfg is
// outside the grid.
func (b *Bandit) ArmIndex(cfg config.Fairness) int {
	h := ConfigHash(cfg)
	for _, a := range b.arms {
		if a.Hash == h {
			return a.Index
		}
	}
	return -1
}

// SelectArm draws one Beta sample per arm from priors aggregated over the
// last 30 days of rewarded episodes and returns the argmax arm. Priors are
// recomputed from the store on every call, so concurrent updates only shift
// which arm wins, never corrupt state.
//
// Expectations:
//   - Prior per arm is alpha = 1 + Σ rewards, beta = 1 + Σ (1 − reward)
//   - Episodes without a reward contribute nothing
//   - Fixed seed and fixed priors give a deterministic pick
//   - Experimental mode adds the exploration bonus to the sampled value
func (b *Bandit) SelectArm(ctx context.Context) (Arm, error) {
	states, err := b.ArmStates(ctx)
	if err != nil {
		return Arm{}, err
	}

	totalSamples := 0
	for _, s := range states {
		totalSamples += s.Samples
	}

	rng := rand.New(b.Src)
	best, bestScore := b.arms[0], math.Inf(-1)
	for _, a := range b.arms {
		s := states[a.Index]
		theta := distuv.Beta{Alpha: s.Alpha, Beta: s.Beta, Src: rng}.Rand()
		if b.Experimental {
			theta += 0.1 * math.Log(1+float64(totalSamples)) / float64(s.Samples+1)
		}
		if theta > bestScore {
			best, bestScore = a, theta
		}
	}
	log.Printf("[LEARNING] selected arm %d (%s) score %.4f", best.Index, best.Hash, bestScore)
	return best, nil
}

// ArmStates aggregates the posterior per arm from the episode window.
func (b *Bandit) ArmStates(ctx context.Context) (map[int]ArmState, error) {
	episodes, err := b.Store.LoadRecentEpisodes(ctx, episodeWindowDays)
	if err != nil {
		return nil, &types.CollaboratorError{Op: "bandit: load episodes", Err: err}
	}

	states := make(map[int]ArmState, len(b.arms))
	for _, a := range b.arms {
		states[a.Index] = ArmState{Alpha: 1, Beta: 1}
	}
	for _, ep := range episodes {
		if ep.ArmIndex < 0 || ep.EpisodeReward == nil {
			continue
		}
		s, ok := states[ep.ArmIndex]
		if !ok {
			continue
		}
		r := clamp01(*ep.EpisodeReward)
		s.Alpha += r
		s.Beta += 1 - r
		s.Samples++
		states[ep.ArmIndex] = s
	}
	return states, nil
}

// CreateEpisode records one successful run as a bandit pull. The reward stays
// nil until the deferred reward job fills it in.
//
// Expectations:
//   - ArmIndex is -1 when the run's config is outside the grid
//   - Priors and samples snapshot the arm's state at creation
//   - Roughly 10% of episodes are experimental under the injected source
func (b *Bandit) CreateEpisode(ctx context.Context, runID, date string, cfg config.Fairness, driverCount, routeCount int) (types.LearningEpisode, error) {
	idx := b.ArmIndex(cfg)
	states, err := b.ArmStates(ctx)
	if err != nil {
		return types.LearningEpisode{}, err
	}
	var st ArmState
	if idx >= 0 {
		st = states[idx]
	} else {
		st = ArmState{Alpha: 1, Beta: 1}
	}

	rng := rand.New(b.Src)
	ep := types.LearningEpisode{
		ID:           uuid.NewString(),
		RunID:        runID,
		Date:         date,
		ConfigHash:   ConfigHash(cfg),
		Config:       cfg,
		ArmIndex:     idx,
		AlphaPrior:   st.Alpha,
		BetaPrior:    st.Beta,
		SamplesCount: st.Samples,
		DriverCount:  driverCount,
		RouteCount:   routeCount,
		Experimental: rng.Float64() < experimentalRate,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.Store.CreateLearningEpisode(ctx, ep); err != nil {
		return types.LearningEpisode{}, &types.CollaboratorError{Op: "bandit: create episode", Err: err}
	}
	log.Printf("[LEARNING] episode %s on arm %d (experimental=%v)", ep.ID, ep.ArmIndex, ep.Experimental)
	return ep, nil
}

// ComputeReward aggregates an episode's driver feedback into the [0,1] reward
// and persists it. Missing feedback yields the neutral 0.5.
//
// reward = 0.4·fairness_norm + 0.3·(1 − stress/10) + 0.2·completion +
// 0.1·(1 − tiredness/5), where fairness_norm maps the 1..5 rating to [0,1].
//
// Expectations:
//   - No feedback rows gives reward 0.5
//   - The reward is clamped to [0,1] and rounded to 4 decimals
func (b *Bandit) ComputeReward(ctx context.Context, episodeID string) (float64, error) {
	rows, err := b.Store.FeedbackForEpisode(ctx, episodeID)
	if err != nil {
		return 0, &types.CollaboratorError{Op: "bandit: load feedback", Err: err}
	}

	reward := 0.5
	if len(rows) > 0 {
		var rating, stress, tired, completed float64
		for _, fb := range rows {
			rating += (fb.FairnessRating - 1) / 4
			stress += fb.Stress
			tired += fb.Tiredness
			if fb.Completed {
				completed++
			}
		}
		n := float64(len(rows))
		reward = 0.4*(rating/n) + 0.3*(1-stress/n/10) + 0.2*(completed/n) + 0.1*(1-tired/n/5)
	}
	reward = math.Round(clamp01(reward)*10000) / 10000

	if err := b.Store.SaveEpisodeReward(ctx, episodeID, reward); err != nil {
		return 0, &types.CollaboratorError{Op: "bandit: save reward", Err: err}
	}
	log.Printf("[LEARNING] episode %s reward %.4f from %d feedback rows", episodeID, reward, len(rows))
	return reward, nil
}

// ProcessPendingRewards computes rewards for every episode at least 24 hours
// old that has none yet. Returns how many episodes were rewarded.
func (b *Bandit) ProcessPendingRewards(ctx context.Context) (int, error) {
	episodes, err := b.Store.LoadRecentEpisodes(ctx, episodeWindowDays)
	if err != nil {
		return 0, &types.CollaboratorError{Op: "bandit: load episodes", Err: err}
	}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	done := 0
	for _, ep := range episodes {
		if ep.EpisodeReward != nil || ep.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := b.ComputeReward(ctx, ep.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Retune closes the learning loop after a reward pass: it redraws the
// experimental coin, selects an arm from the current posteriors, and persists
// that arm's config as the active row for subsequent runs. Non-knob fields
// carry over from the bandit's base config.
//
// Expectations:
//   - Roughly 10% of calls select with the exploration bonus enabled
//   - The persisted config round-trips through ActiveFairnessConfig
//   - The returned arm's hash matches the persisted config's hash
func (b *Bandit) Retune(ctx context.Context) (Arm, error) {
	rng := rand.New(b.Src)
	b.Experimental = rng.Float64() < experimentalRate

	arm, err := b.SelectArm(ctx)
	if err != nil {
		return Arm{}, err
	}
	if err := b.Store.SaveFairnessConfig(ctx, arm.Cfg); err != nil {
		return Arm{}, &types.CollaboratorError{Op: "bandit: save selected config", Err: err}
	}
	log.Printf("[LEARNING] retuned: arm %d (%s) is now the active config (experimental=%v)",
		arm.Index, arm.Hash, b.Experimental)
	return arm, nil
}

// ConfigHash is the stable identity of an arm: SHA-256 over the four knobs
// serialized as sorted k=v pairs, truncated to 16 hex chars.
//
// Expectations:
//   - Identical knob values hash identically regardless of field order
//   - Non-knob fields never change the hash
func ConfigHash(cfg config.Fairness) string {
	kv := map[string]float64{
		"ev_charging_penalty_weight": cfg.EVChargingPenaltyWeight,
		"gini_threshold":             cfg.GiniThreshold,
		"recovery_lightening_factor": cfg.RecoveryLightening,
		"stddev_threshold":           cfg.StdDevThreshold,
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, kv[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func buildArms(base config.Fairness) []Arm {
	arms := make([]Arm, 0, len(giniGrid)*len(stdGrid)*len(lighteningGrid)*len(evWeightGrid))
	for _, g := range giniGrid {
		for _, s := range stdGrid {
			for _, l := range lighteningGrid {
				for _, e := range evWeightGrid {
					cfg := base
					cfg.GiniThreshold = g
					cfg.StdDevThreshold = s
					cfg.RecoveryLightening = l
					cfg.EVChargingPenaltyWeight = e
					arms = append(arms, Arm{Index: len(arms), Hash: ConfigHash(cfg), Cfg: cfg})
				}
			}
		}
	}
	return arms
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }
