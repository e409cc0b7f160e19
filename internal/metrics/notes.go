package metrics

import (
	"time"

	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/storage"
)

// GroupStats are the note-comparison metrics for one group of analyses.
type GroupStats struct {
	Analyses        int     `json:"analyses"`
	EditRate        float64 `json:"edit_rate"`
	CaloriesMAE     float64 `json:"calories_mae"`
	AvgTimeToSaveMs float64 `json:"avg_time_to_save_ms"`
}

// Change is the difference of the with-note value from the without-note
// value. Percent is zero when the baseline is zero.
type Change struct {
	Absolute float64 `json:"absolute"`
	Percent  float64 `json:"percent"`
}

// NoteComparison isolates the effect of a user-supplied note on quality.
type NoteComparison struct {
	WithNote    GroupStats `json:"with_note"`
	WithoutNote GroupStats `json:"without_note"`
	EditRate    Change     `json:"edit_rate_delta"`
	CaloriesMAE Change     `json:"calories_mae_delta"`
	TimeToSave  Change     `json:"time_to_save_delta"`
}

// CompareNoteUsage splits confirmed analyses in [from, to) by whether the
// user supplied a note and compares the two groups.
func (t *Tracker) CompareNoteUsage(from, to time.Time) (NoteComparison, error) {
	analyses, corrections, err := t.load(from, to)
	if err != nil {
		return NoteComparison{}, err
	}
	return compareNotes(analyses, corrections), nil
}

func compareNotes(analyses []storage.Analysis, corrections []nutrition.CorrectionRecord) NoteComparison {
	byAnalysis := make(map[string][]nutrition.CorrectionRecord)
	for _, c := range corrections {
		byAnalysis[c.AnalysisID] = append(byAnalysis[c.AnalysisID], c)
	}

	var with, without []storage.Analysis
	for _, a := range analyses {
		if a.HasNote() {
			with = append(with, a)
		} else {
			without = append(without, a)
		}
	}

	n := NoteComparison{
		WithNote:    groupStats(with, byAnalysis),
		WithoutNote: groupStats(without, byAnalysis),
	}
	n.EditRate = change(n.WithNote.EditRate, n.WithoutNote.EditRate)
	n.CaloriesMAE = change(n.WithNote.CaloriesMAE, n.WithoutNote.CaloriesMAE)
	n.TimeToSave = change(n.WithNote.AvgTimeToSaveMs, n.WithoutNote.AvgTimeToSaveMs)
	return n
}

func groupStats(group []storage.Analysis, byAnalysis map[string][]nutrition.CorrectionRecord) GroupStats {
	g := GroupStats{Analyses: len(group)}
	if len(group) == 0 {
		return g
	}
	var edited int
	var saveMs int64
	var recs []nutrition.CorrectionRecord
	for _, a := range group {
		if cs := byAnalysis[a.ID]; len(cs) > 0 {
			edited++
			recs = append(recs, cs...)
		}
		saveMs += a.TimeToSaveMs
	}
	total := float64(len(group))
	g.EditRate = float64(edited) / total * 100
	g.CaloriesMAE = caloriesMAE(recs)
	g.AvgTimeToSaveMs = float64(saveMs) / total
	return g
}

func change(with, without float64) Change {
	c := Change{Absolute: with - without}
	if without != 0 {
		c.Percent = c.Absolute / without * 100
	}
	return c
}
