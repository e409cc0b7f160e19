package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/mealsense/internal/nutrition"
)

const correctionColumns = `id, analysis_id, user_id, correction_type, original_json, corrected_json, gold_calories, created_at`

// SaveCorrection appends a correction record. Records are never updated.
func (s *Store) SaveCorrection(c nutrition.CorrectionRecord) error {
	orig, err := json.Marshal(c.OriginalItem)
	if err != nil {
		return fmt.Errorf("marshalling original item: %w", err)
	}
	corr, err := json.Marshal(c.CorrectedItem)
	if err != nil {
		return fmt.Errorf("marshalling corrected item: %w", err)
	}
	var gold any
	if c.GoldCalories != nil {
		gold = *c.GoldCalories
	}
	_, err = s.db.Exec(`
		INSERT INTO corrections (id, analysis_id, user_id, correction_type, original_name, corrected_name,
			original_json, corrected_json, gold_calories, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AnalysisID, c.UserID, string(c.CorrectionType), c.OriginalItem.Name, c.CorrectedItem.Name,
		string(orig), string(corr), gold, formatTime(c.Timestamp),
	)
	return err
}

func scanCorrection(row scanner) (nutrition.CorrectionRecord, error) {
	var c nutrition.CorrectionRecord
	var ctype, orig, corr, createdAt string
	var gold sql.NullFloat64
	if err := row.Scan(&c.ID, &c.AnalysisID, &c.UserID, &ctype, &orig, &corr, &gold, &createdAt); err != nil {
		return nutrition.CorrectionRecord{}, err
	}
	c.CorrectionType = nutrition.CorrectionType(ctype)
	var err error
	if c.OriginalItem, err = decodeItem(orig); err != nil {
		return nutrition.CorrectionRecord{}, fmt.Errorf("decoding original item for %s: %w", c.ID, err)
	}
	if c.CorrectedItem, err = decodeItem(corr); err != nil {
		return nutrition.CorrectionRecord{}, fmt.Errorf("decoding corrected item for %s: %w", c.ID, err)
	}
	if gold.Valid {
		v := gold.Float64
		c.GoldCalories = &v
	}
	if c.Timestamp, err = parseTime(createdAt); err != nil {
		return nutrition.CorrectionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

func (s *Store) queryCorrections(query string, args ...any) ([]nutrition.CorrectionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []nutrition.CorrectionRecord
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// RecentCorrections returns a user's newest corrections first.
func (s *Store) RecentCorrections(userID string, limit int) ([]nutrition.CorrectionRecord, error) {
	return s.queryCorrections(`SELECT `+correctionColumns+` FROM corrections
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
}

// CorrectionsByType returns all of a user's corrections of the given type, oldest first.
func (s *Store) CorrectionsByType(userID string, ctype nutrition.CorrectionType) ([]nutrition.CorrectionRecord, error) {
	return s.queryCorrections(`SELECT `+correctionColumns+` FROM corrections
		WHERE user_id = ? AND correction_type = ? ORDER BY created_at ASC, rowid ASC`, userID, string(ctype))
}

// CorrectionsForAnalyses returns every correction attached to the given analyses.
func (s *Store) CorrectionsForAnalyses(ids []string) ([]nutrition.CorrectionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var all []nutrition.CorrectionRecord
	// Chunk to stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		placeholders := strings.Repeat(",?", len(part)-1)
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		recs, err := s.queryCorrections(`SELECT `+correctionColumns+` FROM corrections
			WHERE analysis_id IN (?`+placeholders+`) ORDER BY created_at ASC, rowid ASC`, args...)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// PurgeCorrectionsBefore is the bulk retention cleanup for correction records.
func (s *Store) PurgeCorrectionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM corrections WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
