package confidence

import (
	"sort"
	"strings"

	"github.com/kalambet/mealsense/internal/nutrition"
)

// Strategy is how the UI helps the user fix an uncertain item.
type Strategy string

const (
	StrategySuggestions          Strategy = "suggestions"
	StrategyTypeahead            Strategy = "typeahead"
	StrategyManualEntry          Strategy = "manual_entry"
	StrategyConservativeEstimate Strategy = "conservative_estimate"
)

// FallbackStrategy picks a recovery path for an item.
func FallbackStrategy(score float64, hasSuggestions bool) Strategy {
	switch {
	case score >= MediumThreshold && hasSuggestions:
		return StrategySuggestions
	case score >= LowThreshold && score < MediumThreshold:
		return StrategyTypeahead
	case score < LowThreshold && !hasSuggestions:
		return StrategyManualEntry
	default:
		return StrategyConservativeEstimate
	}
}

// ExplanationFactors are the sub-scores behind an item's confidence.
type ExplanationFactors struct {
	ModelConfidence   float64
	MappingConfidence float64
	PortionConfidence float64
}

// Explain composes a fixed-template explanation of why an item is uncertain.
func Explain(item nutrition.DetectedFoodItem, f ExplanationFactors) string {
	var clauses []string
	if f.ModelConfidence < 70 {
		clauses = append(clauses, "The photo makes "+itemName(item)+" hard to identify.")
	}
	if f.MappingConfidence < 70 {
		clauses = append(clauses, "The name may not match a known food exactly.")
	}
	if f.PortionConfidence < 60 {
		clauses = append(clauses, "The portion size is an estimate.")
	}
	if len(clauses) == 0 {
		return "High confidence in both the food and its portion size."
	}
	return strings.Join(clauses, " ")
}

func itemName(item nutrition.DetectedFoodItem) string {
	if n := strings.TrimSpace(item.Name); n != "" {
		return n
	}
	return "this item"
}

// Alternative is a candidate replacement for a detected item.
type Alternative struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// MaxAlternatives is how many alternatives are shown.
const MaxAlternatives = 3

// SortByRelevance boosts alternatives the user logged recently, sorts by
// adjusted score and keeps the top MaxAlternatives. Ties keep their input
// order. The input slice is not modified.
func SortByRelevance(alts []Alternative, recentFoods []string) []Alternative {
	recent := make(map[string]bool, len(recentFoods))
	for _, f := range recentFoods {
		recent[strings.ToLower(strings.TrimSpace(f))] = true
	}

	out := make([]Alternative, len(alts))
	for i, a := range alts {
		out[i] = a
		if recent[strings.ToLower(strings.TrimSpace(a.Name))] {
			out[i].Score += 15
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > MaxAlternatives {
		out = out[:MaxAlternatives]
	}
	return out
}
