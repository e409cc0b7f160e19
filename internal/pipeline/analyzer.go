// Package pipeline orchestrates meal analysis: fingerprint, cache, oracle,
// assessment and the save path that feeds the learning loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mealsense/internal/cache"
	"github.com/kalambet/mealsense/internal/events"
	"github.com/kalambet/mealsense/internal/fingerprint"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/oracle"
	"github.com/kalambet/mealsense/internal/profile"
	"github.com/kalambet/mealsense/internal/retry"
	"github.com/kalambet/mealsense/internal/savegate"
	"github.com/kalambet/mealsense/internal/storage"
)

const recentFoodsLimit = 20

var (
	// ErrInvalidRequest marks caller mistakes that are never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAlreadyConfirmed is returned when an analysis was already saved.
	ErrAlreadyConfirmed = errors.New("analysis already confirmed")
)

// Store defines the storage operations the Analyzer needs.
// Implemented by storage.Store.
type Store interface {
	SaveAnalysis(a storage.Analysis) error
	GetAnalysis(id string) (storage.Analysis, error)
	ConfirmMeal(analysisID string, at time.Time, timeToSaveMs int64, logs []storage.FoodLog) error
}

// Oracle identifies food in a photo. Implemented by oracle.Client.
type Oracle interface {
	Analyze(ctx context.Context, req oracle.Request) (oracle.Result, error)
	Model() string
}

// Preferences loads validated user preferences. Implemented by profile.Manager.
type Preferences interface {
	Get(userID string) (profile.Preferences, error)
}

// Learner is the slice of the learning loop the pipeline uses.
// Implemented by learning.Loop.
type Learner interface {
	StoreCorrectionFeedback(c nutrition.CorrectionRecord)
	SynonymMap(userID string) (map[string]string, error)
	PortionPriors(userID string) (map[string]float64, error)
	RecentFoods(userID string, limit int) ([]string, error)
}

// EventRecorder records usage events. Implemented by events.Queue.
type EventRecorder interface {
	Enqueue(userID, name string, props map[string]any)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the Analyzer's collaborators.
type Deps struct {
	Store       Store
	Cache       cache.AnalysisCache
	Oracle      Oracle
	Preferences Preferences
	Learner     Learner
	Events      EventRecorder
	Clock       Clock
}

// Analyzer runs the analysis and save flows.
type Analyzer struct {
	store  Store
	cache  cache.AnalysisCache
	oracle Oracle
	prefs  Preferences
	learn  Learner
	events EventRecorder
	clock  Clock
}

// NewAnalyzer creates an Analyzer. Clock defaults to the wall clock.
func NewAnalyzer(d Deps) *Analyzer {
	clock := d.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Analyzer{
		store:  d.Store,
		cache:  d.Cache,
		oracle: d.Oracle,
		prefs:  d.Preferences,
		learn:  d.Learner,
		events: d.Events,
		clock:  clock,
	}
}

// AnalyzeRequest is one photo submitted for analysis.
type AnalyzeRequest struct {
	UserID   string
	Image    oracle.Image
	Note     *string
	MealType string
}

// Analysis is the assessed result returned to the caller.
type Analysis struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	ImageHash         string            `json:"image_hash"`
	Cached            bool              `json:"cached"`
	ModelVersion      string            `json:"model_version"`
	OverallConfidence float64           `json:"overall_confidence"`
	Explanation       string            `json:"explanation,omitempty"`
	Items             []AssessedItem    `json:"items"`
	SaveGate          savegate.Decision `json:"save_gate"`
	CreatedAt         time.Time         `json:"created_at"`
}

// learned is the per-user context that biases prompts and ranking.
type learned struct {
	prefs    profile.Preferences
	synonyms map[string]string
	priors   map[string]float64
	recent   []string
}

// Analyze identifies the foods in a photo. A fresh cached result for the
// same image and note is reused; otherwise the oracle is called. Oracle
// failures are returned as classified retry errors.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) (Analysis, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Analysis{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if err := req.Image.Validate(); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Note = cache.NormalizeNote(req.Note)

	hash := fingerprint.Key(req.Image.Data, req.Image.URL)
	ctxData := a.loadLearned(req.UserID)

	if out, ok := a.fromCache(ctx, req, hash, ctxData); ok {
		return out, nil
	}

	res, err := a.oracle.Analyze(ctx, oracle.Request{
		Image:         req.Image,
		Note:          req.Note,
		MealType:      req.MealType,
		Profile:       ctxData.prefs.Summary(),
		Synonyms:      ctxData.synonyms,
		PortionPriors: ctxData.priors,
	})
	if err != nil {
		a.events.Enqueue(req.UserID, events.AnalysisFailed, map[string]any{"kind": string(retry.KindOf(err))})
		return Analysis{}, fmt.Errorf("analyzing meal: %w", err)
	}

	stored := storage.Analysis{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		ImageHash:         hash,
		UserNote:          req.Note,
		MealType:          req.MealType,
		ModelVersion:      res.ModelVersion,
		Items:             res.Items,
		OverallConfidence: res.OverallConfidence,
		Explanation:       res.Explanation,
		CreatedAt:         a.clock.Now().UTC(),
	}
	if err := a.store.SaveAnalysis(stored); err != nil {
		return Analysis{}, fmt.Errorf("saving analysis: %w", err)
	}
	if err := a.cache.Store(ctx, req.UserID, hash, stored.ID); err != nil {
		slog.Warn("cache store failed", "analysis_id", stored.ID, "error", err)
	}

	out := a.assemble(stored, false, ctxData)
	a.events.Enqueue(req.UserID, events.AnalysisCompleted, map[string]any{
		"analysis_id": out.ID,
		"items":       len(out.Items),
		"confidence":  out.OverallConfidence,
		"has_note":    req.Note != nil,
	})
	return out, nil
}

// fromCache serves a fresh cached result as a new analysis of its own, so
// each saved meal keeps its own confirmation record. Any cache problem is
// a miss.
func (a *Analyzer) fromCache(ctx context.Context, req AnalyzeRequest, hash string, ctxData learned) (Analysis, bool) {
	hit, ok, err := a.cache.Lookup(ctx, req.UserID, hash, req.Note)
	if err != nil {
		slog.Warn("cache lookup failed, calling oracle", "user_id", req.UserID, "error", err)
		return Analysis{}, false
	}
	if !ok {
		return Analysis{}, false
	}
	orig, err := a.store.GetAnalysis(hit.AnalysisID)
	if err != nil {
		slog.Warn("cached analysis unavailable, calling oracle", "analysis_id", hit.AnalysisID, "error", err)
		return Analysis{}, false
	}

	stored := storage.Analysis{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		ImageHash:         hash,
		UserNote:          req.Note,
		MealType:          req.MealType,
		ModelVersion:      orig.ModelVersion,
		Items:             hit.ParsedOutput,
		OverallConfidence: hit.OverallConfidence,
		Explanation:       orig.Explanation,
		CreatedAt:         a.clock.Now().UTC(),
	}
	if err := a.store.SaveAnalysis(stored); err != nil {
		slog.Warn("saving cached analysis copy failed, calling oracle", "error", err)
		return Analysis{}, false
	}

	a.events.Enqueue(req.UserID, events.AnalysisCacheHit, map[string]any{
		"analysis_id": stored.ID,
		"source_id":   hit.AnalysisID,
	})
	return a.assemble(stored, true, ctxData), true
}

func (a *Analyzer) assemble(s storage.Analysis, cached bool, ctxData learned) Analysis {
	items := make([]AssessedItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = assessItem(it, ctxData)
	}
	return Analysis{
		ID:                s.ID,
		UserID:            s.UserID,
		ImageHash:         s.ImageHash,
		Cached:            cached,
		ModelVersion:      s.ModelVersion,
		OverallConfidence: s.OverallConfidence,
		Explanation:       s.Explanation,
		Items:             items,
		SaveGate:          savegate.Evaluate(s.Items),
		CreatedAt:         s.CreatedAt,
	}
}

// loadLearned gathers the user's context. Every part is best-effort: a
// failure only removes a bias, never the analysis.
func (a *Analyzer) loadLearned(userID string) learned {
	var l learned
	var err error
	if l.prefs, err = a.prefs.Get(userID); err != nil {
		slog.Warn("loading preferences failed", "user_id", userID, "error", err)
	}
	if l.synonyms, err = a.learn.SynonymMap(userID); err != nil {
		slog.Warn("loading synonyms failed", "user_id", userID, "error", err)
	}
	if l.priors, err = a.learn.PortionPriors(userID); err != nil {
		slog.Warn("loading portion priors failed", "user_id", userID, "error", err)
	}
	if l.recent, err = a.learn.RecentFoods(userID, recentFoodsLimit); err != nil {
		slog.Warn("loading recent foods failed", "user_id", userID, "error", err)
	}
	return l
}

var _ Learner = (*learning.Loop)(nil)
