// Package metrics computes quality metrics for the identification pipeline
// from confirmed analyses and the corrections users made to them.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/storage"
)

// Store defines the storage operations the tracker needs.
// Implemented by storage.Store.
type Store interface {
	ListConfirmedAnalyses(from, to time.Time) ([]storage.Analysis, error)
	CorrectionsForAnalyses(ids []string) ([]nutrition.CorrectionRecord, error)
}

// Snapshot holds aggregate quality metrics for a date range. Percentages
// are on [0,100]. All values are zero when nothing was confirmed.
type Snapshot struct {
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	ConfirmedAnalyses int       `json:"confirmed_analyses"`
	Corrections       int       `json:"corrections"`
	NameAccuracy      float64   `json:"name_top1_accuracy"`
	PortionRMSE       float64   `json:"portion_rmse_grams"`
	CaloriesMAE       float64   `json:"calories_mae"`
	EditRate          float64   `json:"edit_rate"`
}

// Tracker computes metrics over a Store.
type Tracker struct {
	store   Store
	targets Targets
}

// NewTracker creates a tracker evaluating against DefaultTargets.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, targets: DefaultTargets()}
}

// load returns confirmed analyses in [from, to) and their corrections.
func (t *Tracker) load(from, to time.Time) ([]storage.Analysis, []nutrition.CorrectionRecord, error) {
	if !to.After(from) {
		return nil, nil, fmt.Errorf("invalid range: %s is not after %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	analyses, err := t.store.ListConfirmedAnalyses(from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("loading confirmed analyses: %w", err)
	}
	ids := make([]string, len(analyses))
	for i, a := range analyses {
		ids[i] = a.ID
	}
	corrections, err := t.store.CorrectionsForAnalyses(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading corrections: %w", err)
	}
	return analyses, corrections, nil
}

// Snapshot computes the quality metrics for analyses created in [from, to).
func (t *Tracker) Snapshot(from, to time.Time) (Snapshot, error) {
	analyses, corrections, err := t.load(from, to)
	if err != nil {
		return Snapshot{}, err
	}
	s := computeSnapshot(analyses, corrections)
	s.From, s.To = from, to
	return s, nil
}

func computeSnapshot(analyses []storage.Analysis, corrections []nutrition.CorrectionRecord) Snapshot {
	s := Snapshot{ConfirmedAnalyses: len(analyses), Corrections: len(corrections)}
	if len(analyses) == 0 {
		return s
	}

	edited := make(map[string]bool)
	renamed := make(map[string]bool)
	var sqSum float64
	var portionN int
	for _, c := range corrections {
		edited[c.AnalysisID] = true
		switch c.CorrectionType {
		case nutrition.CorrectionName:
			renamed[c.AnalysisID] = true
		case nutrition.CorrectionAll:
			renamed[c.AnalysisID] = true
			fallthrough
		case nutrition.CorrectionPortion:
			d := c.OriginalItem.PortionGrams - c.CorrectedItem.PortionGrams
			sqSum += d * d
			portionN++
		}
	}

	total := float64(len(analyses))
	s.NameAccuracy = (total - float64(len(renamed))) / total * 100
	s.EditRate = float64(len(edited)) / total * 100
	if portionN > 0 {
		s.PortionRMSE = math.Sqrt(sqSum / float64(portionN))
	}
	s.CaloriesMAE = caloriesMAE(corrections)
	return s
}

// caloriesMAE compares the oracle's calories with the gold value when one is
// recorded and with the user's correction otherwise.
func caloriesMAE(corrections []nutrition.CorrectionRecord) float64 {
	if len(corrections) == 0 {
		return 0
	}
	var sum float64
	for _, c := range corrections {
		ref := c.CorrectedItem.Calories
		if c.GoldCalories != nil {
			ref = *c.GoldCalories
		}
		sum += math.Abs(c.OriginalItem.Calories - ref)
	}
	return sum / float64(len(corrections))
}

// Report bundles everything the metrics endpoint returns.
type Report struct {
	Snapshot   Snapshot       `json:"snapshot"`
	NoteUsage  NoteComparison `json:"note_usage"`
	Evaluation Evaluation     `json:"evaluation"`
}

// Report computes the snapshot and the note comparison concurrently and
// evaluates the snapshot against the tracker's targets.
func (t *Tracker) Report(ctx context.Context, from, to time.Time) (Report, error) {
	var r Report
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := t.Snapshot(from, to)
		r.Snapshot = s
		return err
	})
	g.Go(func() error {
		n, err := t.CompareNoteUsage(from, to)
		r.NoteUsage = n
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r.Evaluation = t.targets.Evaluate(r.Snapshot)
	return r, nil
}
