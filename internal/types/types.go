package types

import (
	"time"

	"github.com/haricheung/fairdispatch/internal/config"
)

// Agent identifiers. These are the names persisted in decision log entries
// and carried on every event, so they are bit-exact and never renamed.
type Agent string

const (
	AgentEffort    Agent = "ML_EFFORT"
	AgentPlanner   Agent = "ROUTE_PLANNER"
	AgentFairness  Agent = "FAIRNESS_MANAGER"
	AgentLiaison   Agent = "DRIVER_LIAISON"
	AgentResolver  Agent = "FINAL_RESOLVER"
	AgentExplainer Agent = "EXPLAINABILITY"
	AgentRecovery  Agent = "RECOVERY"
	AgentLearning  Agent = "LEARNING"
	AgentControl   Agent = "CONTROLLER"
)

// Step identifies one decision-log step within an agent.
type Step string

const (
	StepMatrixGeneration Step = "MATRIX_GENERATION"
	StepProposal1        Step = "PROPOSAL_1"
	StepProposal2        Step = "PROPOSAL_2"
	StepFairnessCheck1   Step = "FAIRNESS_CHECK_PROPOSAL_1"
	StepFairnessCheck2   Step = "FAIRNESS_CHECK_PROPOSAL_2"
	StepNegotiation      Step = "NEGOTIATION"
	StepSwapResolution   Step = "SWAP_RESOLUTION"
	StepExplanations     Step = "EXPLANATIONS_GENERATED"
	StepRecoveryTargets  Step = "TARGETS"
	StepDailyStats       Step = "DAILY_STATS"
	StepEpisodeCreated   Step = "EPISODE_CREATED"
	StepRunFailed        Step = "RUN_FAILED"
)

// EventState is the lifecycle state carried on a bus event.
type EventState string

const (
	EventStarted   EventState = "STARTED"
	EventCompleted EventState = "COMPLETED"
	EventError     EventState = "ERROR"
)

// RunStatus is the persisted allocation-run status.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// FairnessStatus is the fairness evaluator's verdict on a proposal.
type FairnessStatus string

const (
	FairnessAccept     FairnessStatus = "ACCEPT"
	FairnessReoptimize FairnessStatus = "REOPTIMIZE"
)

// LiaisonVerdict is the per-driver negotiation outcome.
type LiaisonVerdict string

const (
	LiaisonAccept      LiaisonVerdict = "ACCEPT"
	LiaisonCounter     LiaisonVerdict = "COUNTER"
	LiaisonForceAccept LiaisonVerdict = "FORCE_ACCEPT"
)

// Category classifies an assignment for explanation rendering.
type Category string

const (
	CatNearAvg           Category = "NEAR_AVG"
	CatHeavy             Category = "HEAVY"
	CatHeavyWithSwap     Category = "HEAVY_WITH_SWAP"
	CatHeavyNoSwap       Category = "HEAVY_NO_SWAP"
	CatRecovery          Category = "RECOVERY"
	CatLightRecovery     Category = "LIGHT_RECOVERY"
	CatLight             Category = "LIGHT"
	CatLearningOptimized Category = "LEARNING_OPTIMIZED"
)

// VehicleKind is the driver's vehicle class.
type VehicleKind string

const (
	VehicleCombustion VehicleKind = "combustion"
	VehicleElectric   VehicleKind = "electric"
	VehicleBicycle    VehicleKind = "bicycle"
)

// Driver is read by the core; created externally. An electric driver without
// a positive battery range is treated as having no distance information, so
// every EV feasibility check passes for it.
type Driver struct {
	ID             string      `json:"id"`
	ExternalID     string      `json:"external_id"`
	Name           string      `json:"name"`
	CapacityKg     float64     `json:"capacity_kg"`
	Vehicle        VehicleKind `json:"vehicle"`
	BatteryRangeKm float64     `json:"battery_range_km,omitempty"`
	ChargeTimeMin  float64     `json:"charge_time_min,omitempty"`
	Language       string      `json:"language"`
}

// Package is one deliverable item in the allocation request.
type Package struct {
	ID       string  `json:"id"`
	WeightKg float64 `json:"weight_kg"`
	Fragile  bool    `json:"fragile"`
	Priority string  `json:"priority"` // "normal" | "urgent"
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Address  string  `json:"address,omitempty"`
}

// Route is an immutable per-run aggregate computed before agent A runs.
type Route struct {
	ID            string   `json:"id"`
	ClusterID     int      `json:"cluster_id"`
	PackageCount  int      `json:"package_count"`
	TotalWeightKg float64  `json:"total_weight_kg"`
	StopCount     int      `json:"stop_count"`
	Difficulty    float64  `json:"difficulty"` // >= 1.0
	EstMinutes    float64  `json:"est_minutes"`
	DistanceKm    float64  `json:"distance_km,omitempty"`
	HasDistance   bool     `json:"has_distance"`
	PackageIDs    []string `json:"package_ids,omitempty"`
}

// Cluster is the package clusterer's output: member packages plus a centroid.
type Cluster struct {
	ID        int       `json:"id"`
	Packages  []Package `json:"packages"`
	CenterLat float64   `json:"center_lat"`
	CenterLng float64   `json:"center_lng"`
}

// Assignment binds one driver to one route with its final effort.
type Assignment struct {
	DriverID      string   `json:"driver_id"`
	RouteID       string   `json:"route_id"`
	WorkloadScore float64  `json:"workload_score"`
	FairnessScore float64  `json:"fairness_score"`
	DriverText    string   `json:"driver_text,omitempty"`
	AdminText     string   `json:"admin_text,omitempty"`
	Category      Category `json:"category,omitempty"`
}

// AssignmentProposal is one planner output. Each driver appears at most once,
// each route exactly once, and no pair is in the effort matrix's infeasible set.
type AssignmentProposal struct {
	Number      int            `json:"number"` // 1 or 2
	Pairs       []ProposalPair `json:"pairs"`
	TotalEffort float64        `json:"total_effort"`
	Backend     string         `json:"backend"` // "lp" | "hungarian" | "greedy"
}

// ProposalPair is one (driver, route, effort) triple in a proposal.
// Effort is the unpenalized effort-matrix value, not the solver cost.
type ProposalPair struct {
	DriverID string  `json:"driver_id"`
	RouteID  string  `json:"route_id"`
	Effort   float64 `json:"effort"`
}

// Recommendations bias proposal 2 after a REOPTIMIZE verdict.
type Recommendations struct {
	IDsToPenalize []string `json:"ids_to_penalize"`
	PenaltyFactor float64  `json:"penalty_factor"` // >= 1.0
	TargetMaxGap  float64  `json:"target_max_gap"`
}

// FairnessReport is the evaluator's metrics and verdict for one proposal.
type FairnessReport struct {
	AvgEffort       float64          `json:"avg_effort"`
	StdDev          float64          `json:"std_dev"`
	MaxGap          float64          `json:"max_gap"`
	Gini            float64          `json:"gini"`
	Min             float64          `json:"min"`
	Max             float64          `json:"max"`
	OutlierCount    int              `json:"outlier_count"`
	PctAboveAvg     float64          `json:"pct_above_avg"`
	Status          FairnessStatus   `json:"status"`
	Recommendations *Recommendations `json:"recommendations,omitempty"`
}

// LiaisonDecision is one driver's verdict on its proposed assignment.
type LiaisonDecision struct {
	DriverID       string         `json:"driver_id"`
	Verdict        LiaisonVerdict `json:"verdict"`
	PreferredRoute string         `json:"preferred_route,omitempty"`
	Reason         string         `json:"reason"`
}

// SwapRecord is one applied 1-for-1 swap from the final resolver.
type SwapRecord struct {
	DriverA       string  `json:"driver_a"`
	DriverB       string  `json:"driver_b"`
	RouteA        string  `json:"route_a"`
	RouteB        string  `json:"route_b"`
	EffortABefore float64 `json:"effort_a_before"`
	EffortAAfter  float64 `json:"effort_a_after"`
	EffortBBefore float64 `json:"effort_b_before"`
	EffortBAfter  float64 `json:"effort_b_after"`
}

// ExplanationPair is the explainer's output for one assignment.
type ExplanationPair struct {
	DriverID   string   `json:"driver_id"`
	Category   Category `json:"category"`
	DriverText string   `json:"driver_text"`
	AdminText  string   `json:"admin_text"`
}

// DriverContext summarizes a driver's recent history for the liaison.
type DriverContext struct {
	RecentAvgEffort float64         `json:"recent_avg_effort"` // last 7 days
	RecentStd       float64         `json:"recent_std"`
	HardDays7       int             `json:"hard_days_7"`
	Fatigue         float64         `json:"fatigue"` // [1.0, 5.0]
	ComplexityDebt  float64         `json:"complexity_debt"`
	Preferences     map[string]bool `json:"preferences,omitempty"`
}

// DailyStats is one persisted record per (driver, date).
type DailyStats struct {
	DriverID        string   `json:"driver_id"`
	Date            string   `json:"date"` // YYYY-MM-DD
	AvgWorkload     float64  `json:"avg_workload"`
	IsHardDay       bool     `json:"is_hard_day"`
	ComplexityDebt  float64  `json:"complexity_debt"` // >= 0
	IsRecoveryDay   bool     `json:"is_recovery_day"`
	PredictedEffort *float64 `json:"predicted_effort,omitempty"`
	ActualEffort    *float64 `json:"actual_effort,omitempty"`
	ModelVersion    int      `json:"model_version,omitempty"`
	RunID           string   `json:"run_id"`
}

// LearningEpisode is one allocation run viewed as a bandit pull.
// EpisodeReward stays nil until the deferred reward job fills it in.
type LearningEpisode struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Date          string          `json:"date"`
	ConfigHash    string          `json:"config_hash"`
	Config        config.Fairness `json:"config"`
	ArmIndex      int             `json:"arm_index"` // -1 when config not in arm space
	AlphaPrior    float64         `json:"alpha_prior"`
	BetaPrior     float64         `json:"beta_prior"`
	SamplesCount  int             `json:"samples_count"`
	DriverCount   int             `json:"driver_count"`
	RouteCount    int             `json:"route_count"`
	Experimental  bool            `json:"experimental"`
	EpisodeReward *float64        `json:"episode_reward,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DriverFeedback is one post-delivery feedback record bound to an episode.
type DriverFeedback struct {
	EpisodeID      string  `json:"episode_id"`
	DriverID       string  `json:"driver_id"`
	FairnessRating float64 `json:"fairness_rating"` // 1..5
	Stress         float64 `json:"stress"`          // 0..10
	Tiredness      float64 `json:"tiredness"`       // 0..5
	Completed      bool    `json:"completed"`
}

// ModelBlob is the versioned, language-neutral serialization of one
// per-driver effort regressor.
type ModelBlob struct {
	Version       int      `json:"version"`
	FeatureNames  []string `json:"feature_names"`
	PayloadFormat string   `json:"payload_format"` // "f64le"
	Payload       []byte   `json:"payload"`
	MSE           float64  `json:"mse"`
	Samples       int      `json:"samples"`
	TrainedAt     string   `json:"trained_at"`
}

// DecisionLogEntry is one append-only per-step record of a run.
type DecisionLogEntry struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Agent     Agent     `json:"agent"`
	Step      Step      `json:"step"`
	Input     any       `json:"input,omitempty"`
	Output    any       `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the envelope published on the bus for every pipeline step.
type Event struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Agent     Agent      `json:"agent"`
	Step      Step       `json:"step"`
	State     EventState `json:"state"`
	Timestamp string     `json:"timestamp"` // ISO-8601
	Payload   any        `json:"payload,omitempty"`
}

// Run is the persisted allocation-run row.
type Run struct {
	ID        string     `json:"id"`
	Date      string     `json:"date"` // YYYY-MM-DD
	Status    RunStatus  `json:"status"`
	Metrics   RunMetrics `json:"metrics"`
	ErrorMsg  string     `json:"error_msg,omitempty"` // truncated to 500 chars
	CreatedAt time.Time  `json:"created_at"`
}

// RunMetrics is the global fairness triple persisted on a finished run.
type RunMetrics struct {
	AvgWorkload float64 `json:"avg_workload"`
	StdDev      float64 `json:"std_dev"`
	GiniIndex   float64 `json:"gini_index"`
}

// Coordinate is a (lat, lng) pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AllocationRequest is the run controller's input.
type AllocationRequest struct {
	Date      string     `json:"date"` // YYYY-MM-DD
	Warehouse Coordinate `json:"warehouse"`
	Drivers   []Driver   `json:"drivers"`
	Packages  []Package  `json:"packages"`
	NumRoutes int        `json:"num_routes,omitempty"` // default len(drivers)
}

// AllocationResponse is the run controller's output.
type AllocationResponse struct {
	RunID          string             `json:"run_id"`
	Date           string             `json:"date"`
	GlobalFairness RunMetrics         `json:"global_fairness"`
	Assignments    []AssignmentResult `json:"assignments"`
}

// AssignmentResult is one row of the response.
type AssignmentResult struct {
	DriverID         string  `json:"driver_id"`
	DriverExternalID string  `json:"driver_external_id"`
	DriverName       string  `json:"driver_name"`
	RouteID          string  `json:"route_id"`
	WorkloadScore    float64 `json:"workload_score"`
	FairnessScore    float64 `json:"fairness_score"`
	RouteSummary     string  `json:"route_summary"`
	Explanation      string  `json:"explanation"`
}

// TimelineEntry is one row of the decision timeline read model.
type TimelineEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Agent        Agent     `json:"agent_name"`
	Step         Step      `json:"step_type"`
	ShortMessage string    `json:"short_message"`
	Details      any       `json:"details,omitempty"`
}

// Timeline is the full decision timeline for one run.
type Timeline struct {
	Run     Run             `json:"run"`
	Entries []TimelineEntry `json:"entries"`
}
