package oracle

import (
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/kalambet/mealsense/internal/confidence"
	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/retry"
)

type wireItem struct {
	Name          string   `json:"name"`
	PortionGrams  *float64 `json:"portion_grams"`
	Portion       *float64 `json:"portion"`
	Calories      float64  `json:"calories"`
	ProteinGrams  *float64 `json:"protein_grams"`
	Protein       *float64 `json:"protein"`
	CarbsGrams    *float64 `json:"carbs_grams"`
	Carbs         *float64 `json:"carbs"`
	FatGrams      *float64 `json:"fat_grams"`
	Fat           *float64 `json:"fat"`
	Confidence    float64  `json:"confidence"`
	NoteInfluence string   `json:"note_influence"`
}

type wireResponse struct {
	Items             *[]wireItem `json:"items"`
	OverallConfidence *float64    `json:"overall_confidence"`
	Explanation       string      `json:"explanation"`
}

// ParseResponse extracts the JSON object from raw model text and converts
// it to a Result. Output that is not JSON or lacks an items array fails
// with retry.KindMalformed.
func ParseResponse(raw string) (Result, error) {
	obj, ok := extractJSON(raw)
	if !ok {
		return Result{}, retry.Errorf(retry.KindMalformed, "no JSON object in model output")
	}

	var resp wireResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return Result{}, retry.Errorf(retry.KindMalformed, "decoding model output: %v", err)
	}
	if resp.Items == nil {
		return Result{}, retry.Errorf(retry.KindMalformed, "model output has no items array")
	}

	items := make([]nutrition.DetectedFoodItem, 0, len(*resp.Items))
	for _, w := range *resp.Items {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			slog.Warn("dropping unnamed item from model output")
			continue
		}
		influence, err := nutrition.ParseNoteInfluence(w.NoteInfluence)
		if err != nil {
			slog.Debug("unknown note_influence, using none", "value", w.NoteInfluence)
			influence = nutrition.NoteInfluenceNone
		}
		items = append(items, nutrition.DetectedFoodItem{
			Name:          name,
			PortionGrams:  nonNegative(first(w.PortionGrams, w.Portion)),
			Calories:      nonNegative(w.Calories),
			ProteinGrams:  nonNegative(first(w.ProteinGrams, w.Protein)),
			CarbsGrams:    nonNegative(first(w.CarbsGrams, w.Carbs)),
			FatGrams:      nonNegative(first(w.FatGrams, w.Fat)),
			Confidence:    confidence.Clamp(w.Confidence),
			NoteInfluence: influence,
		})
	}

	res := Result{Items: items, Explanation: strings.TrimSpace(resp.Explanation)}
	if resp.OverallConfidence != nil {
		res.OverallConfidence = confidence.Clamp(*resp.OverallConfidence)
	} else {
		res.OverallConfidence = averageConfidence(items)
	}
	return res, nil
}

// extractJSON strips code fences and returns the text between the first
// '{' and the last '}'.
func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func first(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func averageConfidence(items []nutrition.DetectedFoodItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Confidence
	}
	return sum / float64(len(items))
}
