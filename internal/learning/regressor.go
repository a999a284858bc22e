package learning

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/haricheung/fairdispatch/internal/types"
)

// Feature schema for the per-driver effort regressor (H2). The order is the
// payload's coefficient order; an intercept is prepended at training time.
var featureNames = []string{
	"package_count",
	"total_weight_kg",
	"stop_count",
	"difficulty",
	"est_minutes",
	"experience_days",
	"recent_avg_workload",
	"recent_hard_days",
}

const (
	// minSamples is the floor below which training is skipped.
	minSamples = 10
	// maxSamples caps how much history one training pass consumes.
	maxSamples = 100
	// blobVersionFormat is the only payload encoding this code reads/writes.
	blobFormat = "f64le"
)

// Sample is one training row: the feature vector in featureNames order plus
// the observed effort.
type Sample struct {
	Features []float64
	Target   float64
}

// Trainer is sub-component H2: ordinary-least-squares effort regressors, one
// per driver, persisted as versioned f64le blobs.
type Trainer struct {
	Store types.Store
}

// NewTrainer creates a Trainer over the given store.
func NewTrainer(store types.Store) *Trainer {
	return &Trainer{Store: store}
}

// TrainDriver builds the driver's training set from its recent history and
// fits a fresh model. Returns nil, nil when there is not enough history.
//
// Expectations:
//   - Fewer than 10 usable samples skips training without error
//   - The saved blob's version is the previous version + 1 (1 for the first)
//   - Payload is intercept followed by 8 coefficients, little-endian float64
func (t *Trainer) TrainDriver(ctx context.Context, driverID, date string) (*types.ModelBlob, error) {
	samples, err := t.buildSamples(ctx, driverID, date)
	if err != nil {
		return nil, err
	}
	if len(samples) < minSamples {
		log.Printf("[LEARNING] driver %s: %d samples, skipping training", driverID, len(samples))
		return nil, nil
	}

	coeffs, mse, err := fitOLS(samples)
	if err != nil {
		return nil, &types.NonFatalLearningError{Err: fmt.Errorf("fit for %s: %w", driverID, err)}
	}

	prev, err := t.Store.LoadDriverModel(ctx, driverID)
	if err != nil {
		return nil, &types.CollaboratorError{Op: "trainer: load previous model", Err: err}
	}
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	blob := types.ModelBlob{
		Version:       version,
		FeatureNames:  featureNames,
		PayloadFormat: blobFormat,
		Payload:       encodeF64LE(coeffs),
		MSE:           math.Round(mse*100) / 100,
		Samples:       len(samples),
		TrainedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := t.Store.SaveDriverModel(ctx, driverID, blob); err != nil {
		return nil, &types.CollaboratorError{Op: "trainer: save model", Err: err}
	}
	log.Printf("[LEARNING] driver %s: trained v%d on %d samples, mse %.2f", driverID, version, len(samples), blob.MSE)
	return &blob, nil
}

// TrainAll trains every known driver. Per-driver failures are logged and
// skipped; training is never fatal to the batch.
func (t *Trainer) TrainAll(ctx context.Context, date string) (int, error) {
	ids, err := t.Store.DriverIDs(ctx)
	if err != nil {
		return 0, &types.CollaboratorError{Op: "trainer: list drivers", Err: err}
	}
	trained := 0
	for _, id := range ids {
		blob, err := t.TrainDriver(ctx, id, date)
		if err != nil {
			log.Printf("[LEARNING] driver %s: training failed: %v", id, err)
			continue
		}
		if blob != nil {
			trained++
		}
	}
	return trained, nil
}

// Predict evaluates a blob on a feature vector in featureNames order.
func Predict(blob *types.ModelBlob, features []float64) (float64, error) {
	if blob.PayloadFormat != blobFormat {
		return 0, fmt.Errorf("unsupported payload format %q", blob.PayloadFormat)
	}
	coeffs := decodeF64LE(blob.Payload)
	if len(coeffs) != len(features)+1 {
		return 0, fmt.Errorf("payload has %d coefficients, want %d", len(coeffs), len(features)+1)
	}
	y := coeffs[0]
	for i, f := range features {
		y += coeffs[i+1] * f
	}
	return y, nil
}

// buildSamples joins the driver's DailyStats history with each run's route to
// reconstruct the feature vector that produced the observed effort. Rows
// without actual_effort or whose run/route rows are gone are dropped.
func (t *Trainer) buildSamples(ctx context.Context, driverID, date string) ([]Sample, error) {
	history, err := t.Store.RecentDailyStats(ctx, driverID, date, maxSamples)
	if err != nil {
		return nil, &types.CollaboratorError{Op: "trainer: load daily stats", Err: err}
	}
	if len(history) == 0 {
		return nil, nil
	}

	// history is newest-first; experience counts from the oldest row.
	firstDate := history[len(history)-1].Date

	var samples []Sample
	for i, row := range history {
		if row.ActualEffort == nil || row.RunID == "" {
			continue
		}
		route, ok, err := t.routeFor(ctx, row.RunID, driverID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		// Recent context is the 7 rows preceding this one.
		older := history[i+1:]
		if len(older) > 7 {
			older = older[:7]
		}
		recentAvg, recentHard := 0.0, 0.0
		if len(older) > 0 {
			for _, o := range older {
				recentAvg += o.AvgWorkload
				if o.IsHardDay {
					recentHard++
				}
			}
			recentAvg /= float64(len(older))
		}

		samples = append(samples, Sample{
			Features: []float64{
				float64(route.PackageCount),
				route.TotalWeightKg,
				float64(route.StopCount),
				route.Difficulty,
				route.EstMinutes,
				daysBetween(firstDate, row.Date),
				recentAvg,
				recentHard,
			},
			Target: *row.ActualEffort,
		})
	}
	return samples, nil
}

func (t *Trainer) routeFor(ctx context.Context, runID, driverID string) (types.Route, bool, error) {
	assignments, err := t.Store.Assignments(ctx, runID)
	if err != nil {
		return types.Route{}, false, &types.CollaboratorError{Op: "trainer: load assignments", Err: err}
	}
	routeID := ""
	for _, a := range assignments {
		if a.DriverID == driverID {
			routeID = a.RouteID
			break
		}
	}
	if routeID == "" {
		return types.Route{}, false, nil
	}
	routes, err := t.Store.Routes(ctx, runID)
	if err != nil {
		return types.Route{}, false, &types.CollaboratorError{Op: "trainer: load routes", Err: err}
	}
	for _, r := range routes {
		if r.ID == routeID {
			return r, true, nil
		}
	}
	return types.Route{}, false, nil
}

// fitOLS solves min ||Xb − y||² with an intercept column via QR. Returns the
// coefficient vector (intercept first) and the training MSE.
func fitOLS(samples []Sample) ([]float64, float64, error) {
	n := len(samples)
	p := len(samples[0].Features) + 1

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i, s := range samples {
		x.Set(i, 0, 1)
		for j, f := range s.Features {
			x.Set(i, j+1, f)
		}
		y.SetVec(i, s.Target)
	}

	var qr mat.QR
	qr.Factorize(x)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, y); err != nil {
		return nil, 0, fmt.Errorf("qr solve: %w", err)
	}

	var pred mat.VecDense
	pred.MulVec(x, &b)
	var sse float64
	for i := 0; i < n; i++ {
		d := pred.AtVec(i) - y.AtVec(i)
		sse += d * d
	}

	coeffs := make([]float64, p)
	for i := range coeffs {
		coeffs[i] = b.AtVec(i)
	}
	return coeffs, sse / float64(n), nil
}

func encodeF64LE(vals []float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func decodeF64LE(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

func daysBetween(from, to string) float64 {
	a, err1 := time.Parse("2006-01-02", from)
	b, err2 := time.Parse("2006-01-02", to)
	if err1 != nil || err2 != nil {
		return 0
	}
	return b.Sub(a).Hours() / 24
}
