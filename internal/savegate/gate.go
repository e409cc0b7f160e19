// Package savegate decides whether a meal may be persisted.
package savegate

import (
	"github.com/kalambet/mealsense/internal/confidence"
	"github.com/kalambet/mealsense/internal/nutrition"
)

// Status is the gate's verdict.
type Status string

const (
	StatusAllow Status = "allow"
	StatusWarn  Status = "warn"
	StatusBlock Status = "block"
)

// Decision is the verdict for one meal. Reason is set when blocked,
// Warning when saving is allowed with a caveat.
type Decision struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Allowed reports whether the meal may be saved.
func (d Decision) Allowed() bool { return d.Status != StatusBlock }

// Err returns a *BlockedError for a blocked decision and nil otherwise.
func (d Decision) Err() error {
	if d.Status == StatusBlock {
		return &BlockedError{Reason: d.Reason}
	}
	return nil
}

// Evaluate gates a meal's items.
func Evaluate(items []nutrition.DetectedFoodItem) Decision {
	if block, reason := confidence.ShouldBlockSave(items); block {
		return Decision{Status: StatusBlock, Reason: reason}
	}
	if w := confidence.SaveWarning(items); w != "" {
		return Decision{Status: StatusWarn, Warning: w}
	}
	return Decision{Status: StatusAllow}
}

// BlockedError is returned when a save is refused. Reason is meant for the
// user as-is.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "save blocked: " + e.Reason }
