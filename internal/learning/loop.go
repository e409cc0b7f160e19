// Package learning derives per-user biases from the corrections users make
// to oracle output.
package learning

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/storage"
)

const (
	// correctionSample bounds how many recent corrections are scanned.
	correctionSample = 100

	synonymCandidates = 20
	minSynonymCount   = 2
	minPriorSamples   = 3
	maxErrorPairs     = 10
)

// Store defines the storage operations the loop needs.
// Implemented by storage.Store.
type Store interface {
	SaveCorrection(c nutrition.CorrectionRecord) error
	RecentCorrections(userID string, limit int) ([]nutrition.CorrectionRecord, error)
	CorrectionsByType(userID string, ctype nutrition.CorrectionType) ([]nutrition.CorrectionRecord, error)
	RecentFoodNames(userID string, limit int) ([]string, error)
	ListAnalysesByModel(modelVersion string, since time.Time) ([]storage.Analysis, error)
	CorrectionsForAnalyses(ids []string) ([]nutrition.CorrectionRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Loop records corrections and answers questions about them.
type Loop struct {
	store  Store
	clock  Clock
	logger *slog.Logger
}

// New creates a Loop backed by store.
func New(store Store) *Loop {
	return NewWithClock(store, realClock{})
}

// NewWithClock creates a Loop with a custom clock (for testing).
func NewWithClock(store Store, clock Clock) *Loop {
	return &Loop{store: store, clock: clock, logger: slog.Default()}
}

// StoreCorrectionFeedback appends a correction. Failures are logged and
// swallowed so they never block the user's save.
func (l *Loop) StoreCorrectionFeedback(c nutrition.CorrectionRecord) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = l.clock.Now().UTC()
	}
	if err := l.store.SaveCorrection(c); err != nil {
		l.logger.Warn("storing correction feedback failed",
			"analysis_id", c.AnalysisID, "user_id", c.UserID, "error", err)
	}
}

// CommonCorrection is a name the model produced and what the user changed
// it to.
type CommonCorrection struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Count     int    `json:"count"`
}

// CommonCorrections groups the user's recent name corrections by lowercased
// original name. The first corrected value seen for a name is kept even if
// later corrections disagree.
func (l *Loop) CommonCorrections(userID string, limit int) ([]CommonCorrection, error) {
	recent, err := l.store.RecentCorrections(userID, correctionSample)
	if err != nil {
		return nil, fmt.Errorf("loading recent corrections: %w", err)
	}

	index := make(map[string]int)
	var groups []CommonCorrection
	for _, c := range recent {
		if !renamed(c) {
			continue
		}
		key := normalize(c.OriginalItem.Name)
		if i, ok := index[key]; ok {
			groups[i].Count++
			continue
		}
		index[key] = len(groups)
		groups = append(groups, CommonCorrection{
			Original:  key,
			Corrected: strings.TrimSpace(c.CorrectedItem.Name),
			Count:     1,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Count > groups[j].Count })
	if limit >= 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

// SynonymMap returns original→corrected names the user has corrected at
// least twice. Single corrections are treated as noise.
func (l *Loop) SynonymMap(userID string) (map[string]string, error) {
	common, err := l.CommonCorrections(userID, synonymCandidates)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, c := range common {
		if c.Count >= minSynonymCount {
			m[c.Original] = c.Corrected
		}
	}
	return m, nil
}

// PortionPriors returns the mean corrected portion per lowercased food name
// for names with at least three portion corrections.
func (l *Loop) PortionPriors(userID string) (map[string]float64, error) {
	recs, err := l.store.CorrectionsByType(userID, nutrition.CorrectionPortion)
	if err != nil {
		return nil, fmt.Errorf("loading portion corrections: %w", err)
	}

	type acc struct {
		sum float64
		n   int
	}
	byName := make(map[string]*acc)
	for _, c := range recs {
		key := normalize(c.CorrectedItem.Name)
		a, ok := byName[key]
		if !ok {
			a = &acc{}
			byName[key] = a
		}
		a.sum += c.CorrectedItem.PortionGrams
		a.n++
	}

	priors := make(map[string]float64)
	for name, a := range byName {
		if a.n >= minPriorSamples {
			priors[name] = a.sum / float64(a.n)
		}
	}
	return priors, nil
}

// RecentFoods returns the user's most recently logged distinct food names.
func (l *Loop) RecentFoods(userID string, limit int) ([]string, error) {
	names, err := l.store.RecentFoodNames(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent foods: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// ErrorPair counts how often the model said Original when the user meant
// Corrected.
type ErrorPair struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Count     int    `json:"count"`
}

// ModelPerformance summarizes one model version over a trailing window.
type ModelPerformance struct {
	ModelVersion      string      `json:"model_version"`
	Days              int         `json:"days"`
	Analyses          int         `json:"analyses"`
	AverageConfidence float64     `json:"average_confidence"`
	CorrectionRate    float64     `json:"correction_rate"`
	CommonErrors      []ErrorPair `json:"common_errors"`
}

// AnalyzeModelPerformance joins a model's analyses from the last days with
// their corrections. CorrectionRate is the percentage of analyses with at
// least one correction.
func (l *Loop) AnalyzeModelPerformance(modelVersion string, days int) (ModelPerformance, error) {
	if days <= 0 {
		return ModelPerformance{}, fmt.Errorf("days must be positive, got %d", days)
	}
	since := l.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	analyses, err := l.store.ListAnalysesByModel(modelVersion, since)
	if err != nil {
		return ModelPerformance{}, fmt.Errorf("loading analyses: %w", err)
	}

	perf := ModelPerformance{
		ModelVersion: modelVersion,
		Days:         days,
		Analyses:     len(analyses),
		CommonErrors: []ErrorPair{},
	}
	if len(analyses) == 0 {
		return perf, nil
	}

	ids := make([]string, len(analyses))
	var confSum float64
	for i, a := range analyses {
		ids[i] = a.ID
		confSum += a.OverallConfidence
	}
	perf.AverageConfidence = confSum / float64(len(analyses))

	corrections, err := l.store.CorrectionsForAnalyses(ids)
	if err != nil {
		return ModelPerformance{}, fmt.Errorf("loading corrections: %w", err)
	}

	corrected := make(map[string]bool)
	pairIndex := make(map[[2]string]int)
	for _, c := range corrections {
		corrected[c.AnalysisID] = true
		if !renamed(c) {
			continue
		}
		key := [2]string{normalize(c.OriginalItem.Name), normalize(c.CorrectedItem.Name)}
		if i, ok := pairIndex[key]; ok {
			perf.CommonErrors[i].Count++
			continue
		}
		pairIndex[key] = len(perf.CommonErrors)
		perf.CommonErrors = append(perf.CommonErrors, ErrorPair{Original: key[0], Corrected: key[1], Count: 1})
	}
	perf.CorrectionRate = float64(len(corrected)) / float64(len(analyses)) * 100

	sort.SliceStable(perf.CommonErrors, func(i, j int) bool {
		return perf.CommonErrors[i].Count > perf.CommonErrors[j].Count
	})
	if len(perf.CommonErrors) > maxErrorPairs {
		perf.CommonErrors = perf.CommonErrors[:maxErrorPairs]
	}
	return perf, nil
}

func renamed(c nutrition.CorrectionRecord) bool {
	return c.CorrectionType == nutrition.CorrectionName || c.CorrectionType == nutrition.CorrectionAll
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
