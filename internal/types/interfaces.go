package types

import (
	"context"

	"github.com/haricheung/fairdispatch/internal/config"
)

// Store is the typed persistence collaborator consumed by the core.
// All operations take a context; implementations may block on I/O.
type Store interface {
	ActiveFairnessConfig(ctx context.Context) (config.Fairness, bool, error)
	SaveFairnessConfig(ctx context.Context, cfg config.Fairness) error

	UpsertDrivers(ctx context.Context, drivers []Driver) error
	DriverIDs(ctx context.Context) ([]string, error)
	UpsertPackages(ctx context.Context, runID string, pkgs []Package) error
	CreateRoutes(ctx context.Context, runID string, routes []Route) error
	Routes(ctx context.Context, runID string) ([]Route, error)

	CreateRun(ctx context.Context, run Run) error
	FinalizeRun(ctx context.Context, id string, status RunStatus, metrics RunMetrics, errMsg string) error
	GetRun(ctx context.Context, id string) (Run, error)

	RecentDailyStats(ctx context.Context, driverID, date string, days int) ([]DailyStats, error)
	UpsertDailyStats(ctx context.Context, stats DailyStats) error

	AppendDecisionLog(ctx context.Context, entry DecisionLogEntry) error
	DecisionLog(ctx context.Context, runID string) ([]DecisionLogEntry, error)

	PersistAssignments(ctx context.Context, runID string, assignments []Assignment) error
	Assignments(ctx context.Context, runID string) ([]Assignment, error)

	CreateLearningEpisode(ctx context.Context, ep LearningEpisode) error
	SaveEpisodeReward(ctx context.Context, episodeID string, reward float64) error
	LoadRecentEpisodes(ctx context.Context, windowDays int) ([]LearningEpisode, error)
	SaveDriverFeedback(ctx context.Context, fb DriverFeedback) error
	FeedbackForEpisode(ctx context.Context, episodeID string) ([]DriverFeedback, error)

	LoadDriverModel(ctx context.Context, driverID string) (*ModelBlob, error)
	SaveDriverModel(ctx context.Context, driverID string, blob ModelBlob) error
}

// EventSink receives pipeline progress events. The in-process bus implements
// it; publish must never block the pipeline.
type EventSink interface {
	Publish(ev Event)
}

// Clusterer groups packages into route clusters. Cluster ids are stable for
// identical inputs and len(result) <= numRoutes.
type Clusterer interface {
	Cluster(pkgs []Package, numRoutes int) ([]Cluster, error)
}

// StopOrderer orders a cluster's packages into a visiting sequence from a
// start coordinate.
type StopOrderer interface {
	Order(pkgs []Package, start Coordinate) []Package
}

// ExplanationContext is what the optional LLM post-processor sees.
type ExplanationContext struct {
	DriverName   string   `json:"driver_name"`
	Language     string   `json:"language"`
	Category     Category `json:"category"`
	TemplateText string   `json:"template_text"`
	RouteSummary string   `json:"route_summary"`
}

// Rewriter is the optional LLM post-processor for driver-facing texts.
// On error the templated text is used unchanged.
type Rewriter interface {
	Rewrite(ctx context.Context, ec ExplanationContext) (string, error)
}
