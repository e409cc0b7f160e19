// Package nutrition holds the food-identification data model shared by the
// inference, learning and metrics packages.
package nutrition

import (
	"fmt"
	"strings"
	"time"
)

// NoteInfluence records which part of a detected item the user's free-text
// note changed.
type NoteInfluence string

const (
	NoteInfluenceNone    NoteInfluence = "none"
	NoteInfluenceName    NoteInfluence = "name"
	NoteInfluencePortion NoteInfluence = "portion"
	NoteInfluenceBoth    NoteInfluence = "both"
)

// ParseNoteInfluence validates a raw note_influence value. Empty maps to none.
func ParseNoteInfluence(s string) (NoteInfluence, error) {
	switch NoteInfluence(strings.ToLower(strings.TrimSpace(s))) {
	case "", NoteInfluenceNone:
		return NoteInfluenceNone, nil
	case NoteInfluenceName:
		return NoteInfluenceName, nil
	case NoteInfluencePortion:
		return NoteInfluencePortion, nil
	case NoteInfluenceBoth:
		return NoteInfluenceBoth, nil
	}
	return "", fmt.Errorf("unknown note influence %q", s)
}

// DetectedFoodItem is one food the oracle identified in a meal. Values are
// never mutated after creation; a user edit produces a new item.
type DetectedFoodItem struct {
	Name          string        `json:"name"`
	PortionGrams  float64       `json:"portion_grams"`
	Calories      float64       `json:"calories"`
	ProteinGrams  float64       `json:"protein_grams"`
	CarbsGrams    float64       `json:"carbs_grams"`
	FatGrams      float64       `json:"fat_grams"`
	Confidence    float64       `json:"confidence"`
	NoteInfluence NoteInfluence `json:"note_influence"`
}

// CorrectionType classifies what a user changed on a detected item.
type CorrectionType string

const (
	CorrectionName    CorrectionType = "name"
	CorrectionPortion CorrectionType = "portion"
	CorrectionMacros  CorrectionType = "macros"
	CorrectionAll     CorrectionType = "all"
)

// CorrectionRecord pairs an oracle item with the user's corrected version.
// Records are append-only.
type CorrectionRecord struct {
	ID             string
	AnalysisID     string
	UserID         string
	OriginalItem   DetectedFoodItem
	CorrectedItem  DetectedFoodItem
	CorrectionType CorrectionType
	// GoldCalories is a reference calorie value when one is known (for
	// example from a weighed, labelled product). Nil otherwise.
	GoldCalories *float64
	Timestamp    time.Time
}

// ClassifyCorrection compares an original and a corrected item. It reports
// false when nothing the user can edit changed.
func ClassifyCorrection(original, corrected DetectedFoodItem) (CorrectionType, bool) {
	nameChanged := !strings.EqualFold(strings.TrimSpace(original.Name), strings.TrimSpace(corrected.Name))
	portionChanged := original.PortionGrams != corrected.PortionGrams
	macrosChanged := original.Calories != corrected.Calories ||
		original.ProteinGrams != corrected.ProteinGrams ||
		original.CarbsGrams != corrected.CarbsGrams ||
		original.FatGrams != corrected.FatGrams

	switch {
	case nameChanged && (portionChanged || macrosChanged):
		return CorrectionAll, true
	case nameChanged:
		return CorrectionName, true
	case portionChanged:
		// Portion edits usually rescale macros too; still a portion correction.
		return CorrectionPortion, true
	case macrosChanged:
		return CorrectionMacros, true
	}
	return "", false
}
