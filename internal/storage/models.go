package storage

import (
	"errors"
	"time"

	"github.com/kalambet/mealsense/internal/nutrition"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyConfirmed is returned when an analysis was saved before.
var ErrAlreadyConfirmed = errors.New("analysis already confirmed")

// Analysis is one completed oracle inference for a meal photo.
type Analysis struct {
	ID                string
	UserID            string
	ImageHash         string
	UserNote          *string
	MealType          string
	ModelVersion      string
	Items             []nutrition.DetectedFoodItem // stored as JSON text
	OverallConfidence float64
	Explanation       string
	CreatedAt         time.Time
	ConfirmedAt       *time.Time
	TimeToSaveMs      int64
}

// HasNote reports whether the user supplied a non-empty text note.
func (a Analysis) HasNote() bool {
	return a.UserNote != nil && *a.UserNote != ""
}

// CacheEntry points an (image hash, note) pair at a stored analysis.
type CacheEntry struct {
	UserID     string
	ImageHash  string
	UserNote   *string
	AnalysisID string
	CachedAt   time.Time
}

// CacheHit is a cache entry joined with the analysis it references.
type CacheHit struct {
	CacheEntry
	Items             []nutrition.DetectedFoodItem
	OverallConfidence float64
}

type FoodLog struct {
	ID           string
	UserID       string
	AnalysisID   string
	FoodName     string
	PortionGrams float64
	Calories     float64
	ProteinGrams float64
	CarbsGrams   float64
	FatGrams     float64
	LoggedAt     time.Time
}

// DailyTotal sums a user's logged food for one UTC calendar day.
type DailyTotal struct {
	Day          string  `json:"day"` // YYYY-MM-DD
	Calories     float64 `json:"calories"`
	ProteinGrams float64 `json:"protein_grams"`
	CarbsGrams   float64 `json:"carbs_grams"`
	FatGrams     float64 `json:"fat_grams"`
	Items        int     `json:"items"`
}

type Event struct {
	ID         string
	UserID     string
	Name       string
	Properties string // JSON object stored as text
	CreatedAt  time.Time
}
