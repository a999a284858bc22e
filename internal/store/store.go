// Package store implements the persistence collaborator on LevelDB.
//
// One database holds every entity behind a "|"-separated key prefix scheme:
//
//	cfg|active            → config.Fairness JSON     (single active row)
//	drv|<id>              → Driver JSON
//	pkg|<run>|<id>        → Package JSON
//	rt|<run>|<id>         → Route JSON
//	run|<id>              → Run JSON
//	asg|<run>|<driver>    → Assignment JSON
//	ds|<driver>|<date>    → DailyStats JSON
//	dlog|<run>|<seq%06d>  → DecisionLogEntry JSON    (append-only)
//	ep|<id>               → LearningEpisode JSON
//	epd|<date>|<id>       → nil                      (episode-by-date index)
//	fb|<episode>|<driver> → DriverFeedback JSON
//	mdl|<driver>          → ModelBlob JSON
//
// Decision-log keys embed a zero-padded sequence number so a prefix scan
// replays entries in agent order.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/types"
)

const (
	prefixConfig     = "cfg|"
	prefixDriver     = "drv|"
	prefixPackage    = "pkg|"
	prefixRoute      = "rt|"
	prefixRun        = "run|"
	prefixAssignment = "asg|"
	prefixDailyStats = "ds|"
	prefixDLog       = "dlog|"
	prefixEpisode    = "ep|"
	prefixEpByDate   = "epd|"
	prefixFeedback   = "fb|"
	prefixModel      = "mdl|"

	keyActiveConfig = prefixConfig + "active"
)

// LevelDB is the Store implementation. LevelDB is single-writer; one process
// owns the database directory at a time.
type LevelDB struct {
	db *leveldb.DB
}

var _ types.Store = (*LevelDB)(nil)

// Open opens (or creates) the database directory at path.
func Open(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// Close closes the underlying database.
func (s *LevelDB) Close() error { return s.db.Close() }

// ActiveFairnessConfig returns the single active config row. The second
// return is false when no row exists; callers fall back to config.Default().
func (s *LevelDB) ActiveFairnessConfig(ctx context.Context) (config.Fairness, bool, error) {
	if err := ctx.Err(); err != nil {
		return config.Fairness{}, false, err
	}
	data, err := s.db.Get([]byte(keyActiveConfig), nil)
	if err == leveldb.ErrNotFound {
		return config.Fairness{}, false, nil
	}
	if err != nil {
		return config.Fairness{}, false, fmt.Errorf("store: active config: %w", err)
	}
	var cfg config.Fairness
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.Fairness{}, false, fmt.Errorf("store: decode config: %w", err)
	}
	return cfg, true, nil
}

// SaveFairnessConfig replaces the active config row.
func (s *LevelDB) SaveFairnessConfig(ctx context.Context, cfg config.Fairness) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(keyActiveConfig, cfg)
}

// UpsertDrivers writes the driver rows. Drivers outlive runs.
func (s *LevelDB) UpsertDrivers(ctx context.Context, drivers []types.Driver) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, d := range drivers {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("store: marshal driver %s: %w", d.ID, err)
		}
		batch.Put([]byte(prefixDriver+d.ID), data)
	}
	return s.db.Write(batch, nil)
}

// DriverIDs returns every known driver id, sorted.
func (s *LevelDB) DriverIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixDriver)), nil)
	defer iter.Release()
	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key())[len(prefixDriver):])
	}
	sort.Strings(ids)
	return ids, iter.Error()
}

// UpsertPackages writes the per-run package rows.
func (s *LevelDB) UpsertPackages(ctx context.Context, runID string, pkgs []types.Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, p := range pkgs {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: marshal package %s: %w", p.ID, err)
		}
		batch.Put([]byte(prefixPackage+runID+"|"+p.ID), data)
	}
	return s.db.Write(batch, nil)
}

// CreateRoutes writes the per-run route rows.
func (s *LevelDB) CreateRoutes(ctx context.Context, runID string, routes []types.Route) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, r := range routes {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("store: marshal route %s: %w", r.ID, err)
		}
		batch.Put([]byte(prefixRoute+runID+"|"+r.ID), data)
	}
	return s.db.Write(batch, nil)
}

// Routes returns a run's route rows sorted by id.
func (s *LevelDB) Routes(ctx context.Context, runID string) ([]types.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRoute+runID+"|")), nil)
	defer iter.Release()
	var out []types.Route
	for iter.Next() {
		var r types.Route
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, iter.Error()
}

// CreateRun writes the initial PENDING run row.
func (s *LevelDB) CreateRun(ctx context.Context, run types.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(prefixRun+run.ID, run)
}

// FinalizeRun updates the run row with its terminal status and metrics.
// errMsg is truncated to the persisted limit.
func (s *LevelDB) FinalizeRun(ctx context.Context, id string, status types.RunStatus, metrics types.RunMetrics, errMsg string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	run.Status = status
	run.Metrics = metrics
	run.ErrorMsg = types.Truncate(errMsg)
	return s.putJSON(prefixRun+id, run)
}

// GetRun returns one run row.
func (s *LevelDB) GetRun(ctx context.Context, id string) (types.Run, error) {
	if err := ctx.Err(); err != nil {
		return types.Run{}, err
	}
	data, err := s.db.Get([]byte(prefixRun+id), nil)
	if err != nil {
		return types.Run{}, fmt.Errorf("store: run %s: %w", id, err)
	}
	var run types.Run
	return run, json.Unmarshal(data, &run)
}

// RecentDailyStats returns up to days rows for driverID strictly before date,
// newest first. Date keys are YYYY-MM-DD so lexical order is date order.
//
// Expectations:
//   - Rows dated >= date are excluded
//   - Result is sorted newest first
//   - At most days rows are returned
func (s *LevelDB) RecentDailyStats(ctx context.Context, driverID, date string, days int) ([]types.DailyStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := prefixDailyStats + driverID + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var all []types.DailyStats
	for iter.Next() {
		rowDate := string(iter.Key())[len(prefix):]
		if rowDate >= date {
			continue
		}
		var ds types.DailyStats
		if err := json.Unmarshal(iter.Value(), &ds); err != nil {
			continue
		}
		all = append(all, ds)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: daily stats scan: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Date > all[j].Date })
	if len(all) > days {
		all = all[:days]
	}
	return all, nil
}

// UpsertDailyStats writes one (driver, date) stats row.
func (s *LevelDB) UpsertDailyStats(ctx context.Context, ds types.DailyStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(prefixDailyStats+ds.DriverID+"|"+ds.Date, ds)
}

// AppendDecisionLog appends one entry. The sequence number is embedded in the
// key zero-padded so prefix scans replay in order.
func (s *LevelDB) AppendDecisionLog(ctx context.Context, entry types.DecisionLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s|%06d", prefixDLog, entry.RunID, entry.Seq)
	return s.putJSON(key, entry)
}

// DecisionLog returns all entries for a run in sequence order.
func (s *LevelDB) DecisionLog(ctx context.Context, runID string) ([]types.DecisionLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixDLog+runID+"|")), nil)
	defer iter.Release()
	var out []types.DecisionLogEntry
	for iter.Next() {
		var e types.DecisionLogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// PersistAssignments writes the final per-driver assignments for a run.
func (s *LevelDB) PersistAssignments(ctx context.Context, runID string, assignments []types.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, a := range assignments {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("store: marshal assignment %s: %w", a.DriverID, err)
		}
		batch.Put([]byte(prefixAssignment+runID+"|"+a.DriverID), data)
	}
	return s.db.Write(batch, nil)
}

// Assignments returns a run's assignments sorted by driver id.
func (s *LevelDB) Assignments(ctx context.Context, runID string) ([]types.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixAssignment+runID+"|")), nil)
	defer iter.Release()
	var out []types.Assignment
	for iter.Next() {
		var a types.Assignment
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, iter.Error()
}

// CreateLearningEpisode writes one episode row plus its by-date index key.
func (s *LevelDB) CreateLearningEpisode(ctx context.Context, ep types.LearningEpisode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("store: marshal episode %s: %w", ep.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixEpisode+ep.ID), data)
	batch.Put([]byte(prefixEpByDate+ep.Date+"|"+ep.ID), nil)
	return s.db.Write(batch, nil)
}

// SaveEpisodeReward fills in the deferred reward on an episode.
func (s *LevelDB) SaveEpisodeReward(ctx context.Context, episodeID string, reward float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.db.Get([]byte(prefixEpisode+episodeID), nil)
	if err != nil {
		return fmt.Errorf("store: episode %s: %w", episodeID, err)
	}
	var ep types.LearningEpisode
	if err := json.Unmarshal(data, &ep); err != nil {
		return fmt.Errorf("store: decode episode %s: %w", episodeID, err)
	}
	ep.EpisodeReward = &reward
	return s.putJSON(prefixEpisode+episodeID, ep)
}

// LoadRecentEpisodes returns every episode dated within the last windowDays
// (inclusive of today), oldest first.
func (s *LevelDB) LoadRecentEpisodes(ctx context.Context, windowDays int) ([]types.LearningEpisode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixEpByDate)), nil)
	defer iter.Release()

	var out []types.LearningEpisode
	for iter.Next() {
		rest := string(iter.Key())[len(prefixEpByDate):] // "<date>|<id>"
		if len(rest) < 11 || rest[:10] < cutoff {
			continue
		}
		id := rest[11:]
		data, err := s.db.Get([]byte(prefixEpisode+id), nil)
		if err != nil {
			continue
		}
		var ep types.LearningEpisode
		if err := json.Unmarshal(data, &ep); err != nil {
			continue
		}
		out = append(out, ep)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: episode scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveDriverFeedback writes one feedback row bound to an episode.
func (s *LevelDB) SaveDriverFeedback(ctx context.Context, fb types.DriverFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(prefixFeedback+fb.EpisodeID+"|"+fb.DriverID, fb)
}

// FeedbackForEpisode returns all feedback rows for one episode.
func (s *LevelDB) FeedbackForEpisode(ctx context.Context, episodeID string) ([]types.DriverFeedback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixFeedback+episodeID+"|")), nil)
	defer iter.Release()
	var out []types.DriverFeedback
	for iter.Next() {
		var fb types.DriverFeedback
		if err := json.Unmarshal(iter.Value(), &fb); err != nil {
			continue
		}
		out = append(out, fb)
	}
	return out, iter.Error()
}

// LoadDriverModel returns the regressor blob for a driver, or nil when none
// has been trained yet.
func (s *LevelDB) LoadDriverModel(ctx context.Context, driverID string) (*types.ModelBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get([]byte(prefixModel+driverID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: model %s: %w", driverID, err)
	}
	var blob types.ModelBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("store: decode model %s: %w", driverID, err)
	}
	return &blob, nil
}

// SaveDriverModel writes a regressor blob for a driver.
func (s *LevelDB) SaveDriverModel(ctx context.Context, driverID string, blob types.ModelBlob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(prefixModel+driverID, blob)
}

func (s *LevelDB) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		slog.Error("[STORE] put failed", "key", key, "error", err)
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}
