package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/mealsense/internal/nutrition"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width for UTC values so stored timestamps compare
// correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store wraps a SQLite database holding analyses, the analysis cache,
// corrections, food logs, events and user profiles.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mealsense.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Analyses ---

const analysisColumns = `id, user_id, image_hash, user_note, meal_type, model_version, parsed_output,
	overall_confidence, explanation, created_at, confirmed_at, time_to_save_ms`

func (s *Store) SaveAnalysis(a Analysis) error {
	items, err := json.Marshal(a.Items)
	if err != nil {
		return fmt.Errorf("marshalling items: %w", err)
	}
	var confirmedAt any
	if a.ConfirmedAt != nil {
		confirmedAt = formatTime(*a.ConfirmedAt)
	}
	_, err = s.db.Exec(`
		INSERT INTO analyses (`+analysisColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.ImageHash, nullableString(a.UserNote), a.MealType, a.ModelVersion, string(items),
		a.OverallConfidence, a.Explanation, formatTime(a.CreatedAt), confirmedAt, a.TimeToSaveMs,
	)
	return err
}

func scanAnalysis(row scanner) (Analysis, error) {
	var a Analysis
	var note, confirmedAt sql.NullString
	var items, createdAt string
	if err := row.Scan(&a.ID, &a.UserID, &a.ImageHash, &note, &a.MealType, &a.ModelVersion, &items,
		&a.OverallConfidence, &a.Explanation, &createdAt, &confirmedAt, &a.TimeToSaveMs); err != nil {
		return Analysis{}, err
	}
	a.UserNote = stringPtr(note)
	if err := json.Unmarshal([]byte(items), &a.Items); err != nil {
		return Analysis{}, fmt.Errorf("decoding parsed_output for %s: %w", a.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Analysis{}, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	if confirmedAt.Valid {
		ct, err := parseTime(confirmedAt.String)
		if err != nil {
			return Analysis{}, fmt.Errorf("parsing confirmed_at: %w", err)
		}
		a.ConfirmedAt = &ct
	}
	return a, nil
}

func (s *Store) GetAnalysis(id string) (Analysis, error) {
	a, err := scanAnalysis(s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	return a, err
}

// ConfirmAnalysis marks an analysis as saved by the user without logging
// any food.
func (s *Store) ConfirmAnalysis(id string, at time.Time, timeToSaveMs int64) error {
	return s.ConfirmMeal(id, at, timeToSaveMs, nil)
}

// ListConfirmedAnalyses returns analyses created in [from, to) that the user saved.
func (s *Store) ListConfirmedAnalyses(from, to time.Time) ([]Analysis, error) {
	return s.queryAnalyses(`SELECT `+analysisColumns+` FROM analyses
		WHERE confirmed_at IS NOT NULL AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`, formatTime(from), formatTime(to))
}

// ListAnalysesByModel returns analyses produced by modelVersion since the given time.
func (s *Store) ListAnalysesByModel(modelVersion string, since time.Time) ([]Analysis, error) {
	return s.queryAnalyses(`SELECT `+analysisColumns+` FROM analyses
		WHERE model_version = ? AND created_at >= ?
		ORDER BY created_at ASC`, modelVersion, formatTime(since))
}

func (s *Store) queryAnalyses(query string, args ...any) ([]Analysis, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Analysis cache ---

func (s *Store) SaveCacheEntry(e CacheEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO analysis_cache (user_id, image_hash, user_note, analysis_id, cached_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.ImageHash, nullableString(e.UserNote), e.AnalysisID, formatTime(e.CachedAt),
	)
	return err
}

// FindCacheEntry returns the newest entry for (userID, imageHash, note) cached
// at or after freshSince. A nil note only matches entries stored without one.
func (s *Store) FindCacheEntry(userID, imageHash string, note *string, freshSince time.Time) (CacheHit, error) {
	var h CacheHit
	var storedNote sql.NullString
	var cachedAt, items string
	err := s.db.QueryRow(`
		SELECT c.user_id, c.image_hash, c.user_note, c.analysis_id, c.cached_at, a.parsed_output, a.overall_confidence
		FROM analysis_cache c JOIN analyses a ON a.id = c.analysis_id
		WHERE c.user_id = ? AND c.image_hash = ? AND c.user_note IS ? AND c.cached_at >= ?
		ORDER BY c.cached_at DESC, c.id DESC
		LIMIT 1`,
		userID, imageHash, nullableString(note), formatTime(freshSince),
	).Scan(&h.UserID, &h.ImageHash, &storedNote, &h.AnalysisID, &cachedAt, &items, &h.OverallConfidence)
	if err == sql.ErrNoRows {
		return CacheHit{}, ErrNotFound
	}
	if err != nil {
		return CacheHit{}, err
	}
	h.UserNote = stringPtr(storedNote)
	if h.CachedAt, err = parseTime(cachedAt); err != nil {
		return CacheHit{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &h.Items); err != nil {
		return CacheHit{}, fmt.Errorf("decoding cached items: %w", err)
	}
	return h, nil
}

// DeleteCacheEntriesBefore removes a user's cache entries cached before cutoff.
func (s *Store) DeleteCacheEntriesBefore(userID string, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM analysis_cache WHERE user_id = ? AND cached_at < ?`, userID, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- User profiles ---

func (s *Store) SetUserProfile(userID, payload string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_profiles (user_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, payload, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetUserProfile(userID string) (string, error) {
	var payload string
	err := s.db.QueryRow("SELECT payload FROM user_profiles WHERE user_id = ?", userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

// decodeItem is used by the correction queries in corrections.go.
func decodeItem(raw string) (nutrition.DetectedFoodItem, error) {
	var item nutrition.DetectedFoodItem
	err := json.Unmarshal([]byte(raw), &item)
	return item, err
}
