package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Food logs ---

// SaveFoodLogs writes the items of a saved meal in one transaction.
func (s *Store) SaveFoodLogs(logs []FoodLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning food log transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertFoodLogs(tx, logs); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmMeal claims an unconfirmed analysis and writes its food logs in one
// transaction. Nothing is written when the analysis is missing
// (ErrNotFound), already confirmed (ErrAlreadyConfirmed) or any insert fails.
func (s *Store) ConfirmMeal(analysisID string, at time.Time, timeToSaveMs int64, logs []FoodLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning confirm transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE analyses SET confirmed_at = ?, time_to_save_ms = ?
		WHERE id = ? AND confirmed_at IS NULL`,
		formatTime(at), timeToSaveMs, analysisID)
	if err != nil {
		return fmt.Errorf("confirming analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM analyses WHERE id = ?`, analysisID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyConfirmed
	}

	if err := insertFoodLogs(tx, logs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertFoodLogs(tx *sql.Tx, logs []FoodLog) error {
	for _, l := range logs {
		if _, err := tx.Exec(`
			INSERT INTO food_logs (id, user_id, analysis_id, food_name, portion_grams, calories,
				protein_grams, carbs_grams, fat_grams, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.UserID, l.AnalysisID, l.FoodName, l.PortionGrams, l.Calories,
			l.ProteinGrams, l.CarbsGrams, l.FatGrams, formatTime(l.LoggedAt),
		); err != nil {
			return fmt.Errorf("inserting food log %s: %w", l.ID, err)
		}
	}
	return nil
}

// RecentFoodNames returns the user's most recently logged distinct food
// names (case-insensitive), newest first.
func (s *Store) RecentFoodNames(userID string, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT food_name, MAX(logged_at) AS last_logged
		FROM food_logs WHERE user_id = ?
		GROUP BY lower(food_name)
		ORDER BY last_logged DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name, last string
		if err := rows.Scan(&name, &last); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DailyTotals sums logged food per UTC day for logs in [from, to).
func (s *Store) DailyTotals(userID string, from, to time.Time) ([]DailyTotal, error) {
	rows, err := s.db.Query(`
		SELECT substr(logged_at, 1, 10) AS day, SUM(calories), SUM(protein_grams), SUM(carbs_grams), SUM(fat_grams), COUNT(*)
		FROM food_logs
		WHERE user_id = ? AND logged_at >= ? AND logged_at < ?
		GROUP BY day ORDER BY day ASC`,
		userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Calories, &d.ProteinGrams, &d.CarbsGrams, &d.FatGrams, &d.Items); err != nil {
			return nil, err
		}
		totals = append(totals, d)
	}
	return totals, rows.Err()
}

// --- Events ---

// InsertEvents writes a batch of usage events atomically.
func (s *Store) InsertEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		props := e.Properties
		if props == "" {
			props = "{}"
		}
		if _, err := tx.Exec(`INSERT INTO events (id, user_id, name, properties, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.Name, props, formatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("inserting event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// CountEvents returns the number of stored events with the given name.
func (s *Store) CountEvents(name string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE name = ?`, name).Scan(&n)
	return n, err
}

func (s *Store) PurgeEventsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
