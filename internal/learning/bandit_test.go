package learning

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

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

func seededBandit(t *testing.T, s *store.LevelDB) *Bandit {
	t.Helper()
	return NewBandit(s, config.Default(), rand.NewPCG(7, 13))
}

// --- ConfigHash ---

func TestConfigHash_StableAndKnobOnly(t *testing.T) {
	// The hash covers exactly the four bandit knobs: changing a non-knob field
	// never changes it, changing a knob always does
	base := config.Default()
	h := ConfigHash(base)
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}

	other := base
	other.MaxGapThreshold = 99
	other.RecoveryModeEnabled = false
	if ConfigHash(other) != h {
		t.Error("non-knob fields changed the hash")
	}

	knob := base
	knob.GiniThreshold = 0.28
	if ConfigHash(knob) == h {
		t.Error("changing a knob did not change the hash")
	}
}

// --- arm space ---

func TestBandit_ArmSpaceIs81UniqueArms(t *testing.T) {
	// 3⁴ arms with stable indices and pairwise distinct hashes
	b := seededBandit(t, openStore(t))
	arms := b.Arms()
	if len(arms) != 81 {
		t.Fatalf("got %d arms, want 81", len(arms))
	}
	seen := make(map[string]bool, len(arms))
	for i, a := range arms {
		if a.Index != i {
			t.Errorf("arms[%d].Index = %d", i, a.Index)
		}
		if seen[a.Hash] {
			t.Errorf("duplicate hash %s", a.Hash)
		}
		seen[a.Hash] = true
	}
}

func TestBandit_ArmIndexLocatesDefaultConfig(t *testing.T) {
	// The default knobs (0.33, 25, 0.7, 0.3) sit mid-grid at index 40;
	// off-grid knobs map to -1
	b := seededBandit(t, openStore(t))
	if idx := b.ArmIndex(config.Default()); idx != 40 {
		t.Errorf("default arm index = %d, want 40", idx)
	}
	off := config.Default()
	off.GiniThreshold = 0.5
	if idx := b.ArmIndex(off); idx != -1 {
		t.Errorf("off-grid arm index = %d, want -1", idx)
	}
}

// --- priors ---

func TestArmStates_AggregatesRewardedEpisodes(t *testing.T) {
	// alpha = 1 + Σ rewards, beta = 1 + Σ (1 − reward); unrewarded episodes
	// contribute nothing
	s := openStore(t)
	b := seededBandit(t, s)
	ctx := context.Background()

	today := time.Now().UTC().Format("2006-01-02")
	rewards := []*float64{ptr(1.0), ptr(0.0), nil}
	for i, r := range rewards {
		ep := types.LearningEpisode{
			ID:            string(rune('a' + i)),
			Date:          today,
			ArmIndex:      40,
			EpisodeReward: r,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.CreateLearningEpisode(ctx, ep); err != nil {
			t.Fatalf("create episode: %v", err)
		}
	}

	states, err := b.ArmStates(ctx)
	if err != nil {
		t.Fatalf("ArmStates: %v", err)
	}
	st := states[40]
	if st.Alpha != 2 || st.Beta != 2 || st.Samples != 2 {
		t.Errorf("state = %+v, want alpha 2, beta 2, samples 2", st)
	}
	if other := states[0]; other.Alpha != 1 || other.Beta != 1 || other.Samples != 0 {
		t.Errorf("untouched arm state = %+v, want the uniform prior", other)
	}
}

// --- SelectArm ---

func TestSelectArm_DeterministicUnderFixedSeed(t *testing.T) {
	// Same seed plus same priors picks the same arm
	s := openStore(t)
	ctx := context.Background()

	a1, err := seededBandit(t, s).SelectArm(ctx)
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}
	a2, err := seededBandit(t, s).SelectArm(ctx)
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}
	if a1.Index != a2.Index {
		t.Errorf("picks differ: %d vs %d", a1.Index, a2.Index)
	}
}

// seedDominantArm writes 20 rewarded episodes per arm: reward 1.0 on winner,
// 0.0 everywhere else, so the winner's posterior dominates all 80 others.
func seedDominantArm(t *testing.T, s *store.LevelDB, winner int) {
	t.Helper()
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")
	for arm := 0; arm < 81; arm++ {
		reward := 0.0
		if arm == winner {
			reward = 1.0
		}
		for i := 0; i < 20; i++ {
			ep := types.LearningEpisode{
				ID:            fmt.Sprintf("ep-%02d-%02d", arm, i),
				Date:          today,
				ArmIndex:      arm,
				EpisodeReward: ptr(reward),
				CreatedAt:     time.Now().UTC(),
			}
			if err := s.CreateLearningEpisode(ctx, ep); err != nil {
				t.Fatalf("create episode: %v", err)
			}
		}
	}
}

func TestSelectArm_FavorsConsistentlyRewardedArm(t *testing.T) {
	// With 20 rewarded episodes per arm, the single arm rewarded 1.0 wins over
	// 80 arms rewarded 0.0
	s := openStore(t)
	seedDominantArm(t, s, 40)

	arm, err := seededBandit(t, s).SelectArm(context.Background())
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}
	if arm.Index != 40 {
		t.Errorf("selected arm %d, want the rewarded arm 40", arm.Index)
	}
}

// --- Retune ---

func TestRetune_PersistsWinningArmAsActiveConfig(t *testing.T) {
	// Retune selects the dominant arm and its config becomes the active row
	// that subsequent runs load
	s := openStore(t)
	ctx := context.Background()
	seedDominantArm(t, s, 40)

	arm, err := seededBandit(t, s).Retune(ctx)
	if err != nil {
		t.Fatalf("Retune: %v", err)
	}
	if arm.Index != 40 {
		t.Errorf("retuned to arm %d, want the rewarded arm 40", arm.Index)
	}

	cfg, ok, err := s.ActiveFairnessConfig(ctx)
	if err != nil {
		t.Fatalf("ActiveFairnessConfig: %v", err)
	}
	if !ok {
		t.Fatal("no active config persisted")
	}
	if ConfigHash(cfg) != arm.Hash {
		t.Errorf("active config hash = %s, want %s", ConfigHash(cfg), arm.Hash)
	}
	if idx := seededBandit(t, s).ArmIndex(cfg); idx != 40 {
		t.Errorf("active config maps to arm %d, want 40", idx)
	}
	// Non-knob fields carry over from the base config.
	if cfg.MaxGapThreshold != config.Default().MaxGapThreshold {
		t.Errorf("max gap threshold = %v, want the base value", cfg.MaxGapThreshold)
	}
}

// --- episodes and rewards ---

func TestCreateEpisode_SnapshotsArmPriors(t *testing.T) {
	// The persisted episode carries the arm index, its priors at creation, and
	// a nil reward
	s := openStore(t)
	b := seededBandit(t, s)
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")

	ep, err := b.CreateEpisode(ctx, "run1", today, config.Default(), 5, 5)
	if err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}
	if ep.ArmIndex != 40 {
		t.Errorf("arm index = %d, want 40", ep.ArmIndex)
	}
	if ep.AlphaPrior != 1 || ep.BetaPrior != 1 || ep.SamplesCount != 0 {
		t.Errorf("priors = (%v, %v, %d), want the uniform prior", ep.AlphaPrior, ep.BetaPrior, ep.SamplesCount)
	}
	if ep.EpisodeReward != nil {
		t.Error("reward should stay nil at creation")
	}

	stored, err := s.LoadRecentEpisodes(ctx, episodeWindowDays)
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored episodes = %d err=%v, want 1", len(stored), err)
	}
}

func TestComputeReward_NeutralWithoutFeedback(t *testing.T) {
	// No feedback rows yields exactly 0.5, persisted on the episode
	s := openStore(t)
	b := seededBandit(t, s)
	ctx := context.Background()
	mustEpisode(t, s, "ep1", time.Now().UTC())

	r, err := b.ComputeReward(ctx, "ep1")
	if err != nil {
		t.Fatalf("ComputeReward: %v", err)
	}
	if r != 0.5 {
		t.Errorf("reward = %v, want 0.5", r)
	}
}

func TestComputeReward_WeighsFeedbackComponents(t *testing.T) {
	// rating 4, stress 4, completed, tiredness 1:
	// 0.4·0.75 + 0.3·0.6 + 0.2·1 + 0.1·0.8 = 0.76
	s := openStore(t)
	b := seededBandit(t, s)
	ctx := context.Background()
	mustEpisode(t, s, "ep1", time.Now().UTC())
	fb := types.DriverFeedback{EpisodeID: "ep1", DriverID: "d1", FairnessRating: 4, Stress: 4, Tiredness: 1, Completed: true}
	if err := s.SaveDriverFeedback(ctx, fb); err != nil {
		t.Fatalf("save feedback: %v", err)
	}

	r, err := b.ComputeReward(ctx, "ep1")
	if err != nil {
		t.Fatalf("ComputeReward: %v", err)
	}
	if r != 0.76 {
		t.Errorf("reward = %v, want 0.76", r)
	}
}

func TestProcessPendingRewards_SkipsFreshAndRewarded(t *testing.T) {
	// Only episodes at least 24h old with a nil reward get one
	s := openStore(t)
	b := seededBandit(t, s)
	ctx := context.Background()

	mustEpisode(t, s, "old", time.Now().UTC().Add(-48*time.Hour))
	mustEpisode(t, s, "fresh", time.Now().UTC())

	done, err := b.ProcessPendingRewards(ctx)
	if err != nil {
		t.Fatalf("ProcessPendingRewards: %v", err)
	}
	if done != 1 {
		t.Errorf("rewarded %d episodes, want 1 (only the old one)", done)
	}

	// A second pass finds nothing left.
	done, err = b.ProcessPendingRewards(ctx)
	if err != nil {
		t.Fatalf("ProcessPendingRewards: %v", err)
	}
	if done != 0 {
		t.Errorf("second pass rewarded %d, want 0", done)
	}
}

func mustEpisode(t *testing.T, s *store.LevelDB, id string, createdAt time.Time) {
	t.Helper()
	ep := types.LearningEpisode{
		ID:        id,
		Date:      time.Now().UTC().Format("2006-01-02"),
		ArmIndex:  40,
		CreatedAt: createdAt,
	}
	if err := s.CreateLearningEpisode(context.Background(), ep); err != nil {
		t.Fatalf("create episode %s: %v", id, err)
	}
}

func ptr(v float64) *float64 { return &v }
