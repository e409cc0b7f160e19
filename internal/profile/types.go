package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// ErrInvalidPreferences wraps every rejection from ParsePreferences.
var ErrInvalidPreferences = errors.New("invalid preferences")

// Diets the oracle prompt understands.
var knownDiets = []string{
	"dairy_free", "gluten_free", "halal", "keto", "kosher", "low_carb",
	"nut_free", "paleo", "pescatarian", "vegan", "vegetarian",
}

const (
	maxRegionLen   = 64
	minCalorieGoal = 500
	maxCalorieGoal = 10000
)

// Preferences are the per-user settings that bias inference. Every field is
// optional.
type Preferences struct {
	Region             *string  `json:"region,omitempty"`
	DietaryPreferences []string `json:"dietary_preferences,omitempty"`
	DailyCalorieGoal   *int     `json:"daily_calorie_goal,omitempty"`
}

// ParsePreferences decodes and validates a preferences payload. Unknown
// fields, wrong types, trailing data and out-of-range values are rejected.
func ParsePreferences(raw []byte) (Preferences, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Preferences{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPreferences)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var p Preferences
	if err := dec.Decode(&p); err != nil {
		return Preferences{}, fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Preferences{}, fmt.Errorf("%w: unexpected data after object", ErrInvalidPreferences)
	}
	if err := p.normalize(); err != nil {
		return Preferences{}, fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	return p, nil
}

func (p *Preferences) normalize() error {
	if p.Region != nil {
		r := strings.TrimSpace(*p.Region)
		if r == "" || len(r) > maxRegionLen {
			return fmt.Errorf("region must be 1-%d characters", maxRegionLen)
		}
		p.Region = &r
	}

	if p.DietaryPreferences != nil {
		diets := make([]string, 0, len(p.DietaryPreferences))
		for _, d := range p.DietaryPreferences {
			d = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(d)), "-", "_")
			if !slices.Contains(knownDiets, d) {
				return fmt.Errorf("unknown dietary preference %q", d)
			}
			if !slices.Contains(diets, d) {
				diets = append(diets, d)
			}
		}
		p.DietaryPreferences = diets
	}

	if p.DailyCalorieGoal != nil {
		if g := *p.DailyCalorieGoal; g < minCalorieGoal || g > maxCalorieGoal {
			return fmt.Errorf("daily_calorie_goal must be between %d and %d", minCalorieGoal, maxCalorieGoal)
		}
	}
	return nil
}

// RegionName returns the region or "".
func (p Preferences) RegionName() string {
	if p.Region == nil {
		return ""
	}
	return *p.Region
}

// HasDiet reports whether the user follows diet.
func (p Preferences) HasDiet(diet string) bool {
	return slices.Contains(p.DietaryPreferences, diet)
}

func (p Preferences) clone() Preferences {
	cp := p
	if p.Region != nil {
		r := *p.Region
		cp.Region = &r
	}
	if p.DietaryPreferences != nil {
		cp.DietaryPreferences = slices.Clone(p.DietaryPreferences)
	}
	if p.DailyCalorieGoal != nil {
		g := *p.DailyCalorieGoal
		cp.DailyCalorieGoal = &g
	}
	return cp
}

// Summary renders the preferences as prompt context.
func (p Preferences) Summary() string {
	var parts []string
	if p.Region != nil {
		parts = append(parts, fmt.Sprintf("Region: %s.", *p.Region))
	}
	if len(p.DietaryPreferences) > 0 {
		parts = append(parts, fmt.Sprintf("Dietary preferences: %s.", strings.Join(p.DietaryPreferences, ", ")))
	}
	if p.DailyCalorieGoal != nil {
		parts = append(parts, fmt.Sprintf("Daily calorie goal: %d kcal.", *p.DailyCalorieGoal))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}
