package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/mealsense/internal/events"
	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/savegate"
	"github.com/kalambet/mealsense/internal/storage"
)

// FinalItem is an item as the user wants it saved.
type FinalItem struct {
	nutrition.DetectedFoodItem
	// GoldCalories is a reference value when the user knows the true
	// calories (for example from a label).
	GoldCalories *float64 `json:"gold_calories,omitempty"`
}

// ConfirmRequest saves a reviewed analysis.
type ConfirmRequest struct {
	AnalysisID string
	UserID     string
	Items      []FinalItem
}

// ConfirmResult reports what was saved.
type ConfirmResult struct {
	AnalysisID  string            `json:"analysis_id"`
	Corrections int               `json:"corrections"`
	Decision    savegate.Decision `json:"save_gate"`
}

// Confirm runs the save gate over the final items, marks the analysis
// confirmed and logs the meal atomically, then records every edit as a
// correction. A blocked or failed save writes nothing.
func (a *Analyzer) Confirm(req ConfirmRequest) (ConfirmResult, error) {
	orig, err := a.store.GetAnalysis(req.AnalysisID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && orig.UserID != req.UserID) {
		return ConfirmResult{}, fmt.Errorf("analysis %s: %w", req.AnalysisID, storage.ErrNotFound)
	}
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("loading analysis: %w", err)
	}
	if orig.ConfirmedAt != nil {
		return ConfirmResult{}, fmt.Errorf("analysis %s: %w", req.AnalysisID, ErrAlreadyConfirmed)
	}

	final := make([]nutrition.DetectedFoodItem, len(req.Items))
	for i, fi := range req.Items {
		it := fi.DetectedFoodItem
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			return ConfirmResult{}, fmt.Errorf("%w: item %d has no name", ErrInvalidRequest, i)
		}
		// Anything the user typed or edited is taken as certain.
		if i >= len(orig.Items) {
			it.Confidence = 100
		} else if _, changed := nutrition.ClassifyCorrection(orig.Items[i], it); changed {
			it.Confidence = 100
		}
		final[i] = it
	}

	decision := savegate.Evaluate(final)
	if !decision.Allowed() {
		a.events.Enqueue(req.UserID, events.SaveBlocked, map[string]any{
			"analysis_id": req.AnalysisID,
			"items":       len(final),
		})
		return ConfirmResult{Decision: decision}, decision.Err()
	}

	now := a.clock.Now().UTC()
	timeToSave := now.Sub(orig.CreatedAt).Milliseconds()
	if timeToSave < 0 {
		timeToSave = 0
	}

	logs := make([]storage.FoodLog, len(final))
	for i, it := range final {
		logs[i] = storage.FoodLog{
			ID:           uuid.New().String(),
			UserID:       req.UserID,
			AnalysisID:   orig.ID,
			FoodName:     it.Name,
			PortionGrams: it.PortionGrams,
			Calories:     it.Calories,
			ProteinGrams: it.ProteinGrams,
			CarbsGrams:   it.CarbsGrams,
			FatGrams:     it.FatGrams,
			LoggedAt:     now,
		}
	}
	// The claim and the logs commit together, so a failed save can be retried
	// and a concurrent second confirm loses.
	switch err := a.store.ConfirmMeal(orig.ID, now, timeToSave, logs); {
	case errors.Is(err, storage.ErrAlreadyConfirmed):
		return ConfirmResult{}, fmt.Errorf("analysis %s: %w", req.AnalysisID, ErrAlreadyConfirmed)
	case err != nil:
		return ConfirmResult{}, fmt.Errorf("saving meal: %w", err)
	}

	// Corrections are recorded only once the meal is saved.
	corrections := 0
	for i := 0; i < len(final) && i < len(orig.Items); i++ {
		ctype, changed := nutrition.ClassifyCorrection(orig.Items[i], final[i])
		if !changed {
			continue
		}
		a.learn.StoreCorrectionFeedback(nutrition.CorrectionRecord{
			AnalysisID:     orig.ID,
			UserID:         req.UserID,
			OriginalItem:   orig.Items[i],
			CorrectedItem:  final[i],
			CorrectionType: ctype,
			GoldCalories:   req.Items[i].GoldCalories,
			Timestamp:      now,
		})
		corrections++
	}

	a.events.Enqueue(req.UserID, events.MealSaved, map[string]any{
		"analysis_id":     orig.ID,
		"items":           len(final),
		"corrections":     corrections,
		"time_to_save_ms": timeToSave,
		"has_note":        orig.HasNote(),
	})
	return ConfirmResult{AnalysisID: orig.ID, Corrections: corrections, Decision: decision}, nil
}
