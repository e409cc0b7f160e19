// Package confidence turns raw oracle confidence scores into UI guidance
// and save decisions.
package confidence

import (
	"fmt"
	"math"

	"github.com/kalambet/mealsense/internal/nutrition"
)

// Tier boundaries. Intervals are half-open: [80,100] high, [60,80) medium,
// [40,60) low, [0,40) very low.
const (
	HighThreshold   = 80
	MediumThreshold = 60
	LowThreshold    = 40
)

// SaveBlockThreshold gates saving a meal. It is independent of the tier
// boundaries even though it currently shares a value with MediumThreshold.
const SaveBlockThreshold = 60

// WarningThreshold is the score below which an item counts toward the
// non-blocking save warning.
const WarningThreshold = 80

// Level is a confidence tier.
type Level string

const (
	LevelHigh    Level = "high"
	LevelMedium  Level = "medium"
	LevelLow     Level = "low"
	LevelVeryLow Level = "very_low"
)

// Action is what the UI asks of the user for a tier.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionReview  Action = "review"
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
)

// Assessment is derived per item and never persisted.
type Assessment struct {
	Level              Level  `json:"level"`
	Action             Action `json:"action"`
	RequiresUserAction bool   `json:"requires_user_action"`
	ShowSuggestions    bool   `json:"show_suggestions"`
	ShowTypeahead      bool   `json:"show_typeahead"`
	Message            string `json:"message"`
}

// Clamp bounds a score to [0,100]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// Assess maps a score to its tier. The score is clamped first, so every
// input lands in exactly one tier.
func Assess(score float64) Assessment {
	s := Clamp(score)
	switch {
	case s >= HighThreshold:
		return Assessment{
			Level:   LevelHigh,
			Action:  ActionAccept,
			Message: "Looks good.",
		}
	case s >= MediumThreshold:
		return Assessment{
			Level:           LevelMedium,
			Action:          ActionReview,
			ShowSuggestions: true,
			Message:         "Please review this item.",
		}
	case s >= LowThreshold:
		return Assessment{
			Level:              LevelLow,
			Action:             ActionConfirm,
			RequiresUserAction: true,
			ShowSuggestions:    true,
			ShowTypeahead:      true,
			Message:            "Please confirm or pick the right food.",
		}
	default:
		return Assessment{
			Level:              LevelVeryLow,
			Action:             ActionReject,
			RequiresUserAction: true,
			ShowTypeahead:      true,
			Message:            "We could not identify this item. Search for it instead.",
		}
	}
}

// AssessItem assesses a detected item by its own confidence.
func AssessItem(item nutrition.DetectedFoodItem) Assessment {
	return Assess(item.Confidence)
}

// MappingFactors are the signals behind matching a detected name to a
// known food.
type MappingFactors struct {
	StringSimilarity float64
	SynonymMatch     bool
	RegionMatch      bool
	DietMatch        bool
}

// MappingConfidence combines mapping signals additively, bounded to [0,100].
func MappingConfidence(f MappingFactors) float64 {
	score := Clamp(f.StringSimilarity)
	if f.SynonymMatch {
		score += 15
	}
	if f.RegionMatch {
		score += 10
	}
	if f.DietMatch {
		score += 5
	}
	return Clamp(score)
}

// PortionFactors are the signals behind a portion estimate. Prior grams are
// only consulted when the matching Has flag is set.
type PortionFactors struct {
	VisualReference    bool
	HasUserPrior       bool
	HasStandardPrior   bool
	EstimatedGrams     float64
	UserPriorGrams     float64
	StandardPriorGrams float64
}

// PortionConfidence rewards corroborating evidence and penalizes estimates
// that stray far from the trusted prior. The user's prior is preferred over
// the standard one.
func PortionConfidence(f PortionFactors) float64 {
	score := 50.0
	if f.VisualReference {
		score += 20
	}
	if f.HasUserPrior {
		score += 15
	}
	if f.HasStandardPrior {
		score += 10
	}

	var prior float64
	switch {
	case f.HasUserPrior && f.UserPriorGrams > 0:
		prior = f.UserPriorGrams
	case f.HasStandardPrior && f.StandardPriorGrams > 0:
		prior = f.StandardPriorGrams
	}
	if prior > 0 {
		deviation := math.Abs(f.EstimatedGrams-prior) / prior
		switch {
		case deviation < 0.2:
			score += 10
		case deviation > 0.5:
			score -= 15
		}
	}
	return Clamp(score)
}

// ShouldBlockSave reports whether a meal must not be saved and why.
func ShouldBlockSave(items []nutrition.DetectedFoodItem) (bool, string) {
	if len(items) == 0 {
		return true, "Add at least one food item before saving."
	}
	for _, it := range items {
		if it.Confidence >= SaveBlockThreshold {
			return false, ""
		}
	}
	return true, "All items have low confidence. Please review and correct them before saving."
}

// SaveWarning returns a non-blocking warning for items below
// WarningThreshold, or "" when there are none.
func SaveWarning(items []nutrition.DetectedFoodItem) string {
	n := 0
	for _, it := range items {
		if it.Confidence < WarningThreshold {
			n++
		}
	}
	switch n {
	case 0:
		return ""
	case 1:
		return "1 item has low confidence. Consider reviewing it before saving."
	default:
		return fmt.Sprintf("%d items have low confidence. Consider reviewing them before saving.", n)
	}
}
