// Package api exposes the analysis pipeline, learning data and quality
// metrics over HTTP and MCP.
package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mealsense/internal/cache"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/metrics"
	"github.com/kalambet/mealsense/internal/oracle"
	"github.com/kalambet/mealsense/internal/pipeline"
	"github.com/kalambet/mealsense/internal/profile"
	"github.com/kalambet/mealsense/internal/storage"
)

const (
	maxAnalyzeBodySize = 15 << 20 // base64 photos
	maxRequestBodySize = 1 << 20

	defaultListLimit   = 10
	maxListLimit       = 100
	defaultMetricsDays = 30
)

type AppDeps struct {
	Analyzer *pipeline.Analyzer
	Store    *storage.Store
	Profile  *profile.Manager
	Learning *learning.Loop
	Metrics  *metrics.Tracker
	Cache    cache.AnalysisCache
	// Token protects /v1 when non-empty.
	Token string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/analyses", handleAnalyze(deps))
		r.Post("/analyses/{id}/confirm", handleConfirm(deps))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/preferences", handleGetPreferences(deps))
			r.Put("/preferences", handlePutPreferences(deps))
			r.Get("/learning", handleLearningSummary(deps))
			r.Get("/corrections/common", handleCommonCorrections(deps))
			r.Get("/synonyms", handleSynonyms(deps))
			r.Get("/portion-priors", handlePortionPriors(deps))
			r.Get("/recent-foods", handleRecentFoods(deps))
			r.Get("/totals", handleTotals(deps))
			r.Delete("/cache", handlePurgeCache(deps))
		})

		r.Get("/metrics", handleMetrics(deps))
		r.Get("/models/{version}/performance", handleModelPerformance(deps))
		r.Post("/maintenance/retention", handleRetention(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type analyzeRequest struct {
	UserID      string  `json:"user_id"`
	ImageBase64 string  `json:"image_base64"`
	ImageURL    string  `json:"image_url"`
	MIMEType    string  `json:"mime_type"`
	Note        *string `json:"note"`
	MealType    string  `json:"meal_type"`
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAnalyzeBodySize)
		defer r.Body.Close()

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		img := oracle.Image{URL: strings.TrimSpace(req.ImageURL), MIMEType: req.MIMEType}
		if req.ImageBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
				return
			}
			img.Data = data
		}

		out, err := deps.Analyzer.Analyze(r.Context(), pipeline.AnalyzeRequest{
			UserID:   req.UserID,
			Image:    img,
			Note:     req.Note,
			MealType: req.MealType,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

type confirmRequest struct {
	UserID string               `json:"user_id"`
	Items  []pipeline.FinalItem `json:"items"`
}

func handleConfirm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		res, err := deps.Analyzer.Confirm(pipeline.ConfirmRequest{
			AnalysisID: chi.URLParam(r, "id"),
			UserID:     req.UserID,
			Items:      req.Items,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.Get(chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePutPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		p, err := deps.Profile.Set(chi.URLParam(r, "userID"), raw)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type learningSummary struct {
	Synonyms          map[string]string           `json:"synonyms"`
	PortionPriors     map[string]float64          `json:"portion_priors"`
	RecentFoods       []string                    `json:"recent_foods"`
	CommonCorrections []learning.CommonCorrection `json:"common_corrections"`
}

// handleLearningSummary reads every learned signal for a user concurrently.
func handleLearningSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var s learningSummary
		var g errgroup.Group
		g.Go(func() (err error) {
			s.Synonyms, err = deps.Learning.SynonymMap(userID)
			return err
		})
		g.Go(func() (err error) {
			s.PortionPriors, err = deps.Learning.PortionPriors(userID)
			return err
		})
		g.Go(func() (err error) {
			s.RecentFoods, err = deps.Learning.RecentFoods(userID, 20)
			return err
		})
		g.Go(func() (err error) {
			s.CommonCorrections, err = deps.Learning.CommonCorrections(userID, defaultListLimit)
			return err
		})
		if err := g.Wait(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return 0, false
	}
	if limit <= 0 || limit > maxListLimit {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and %d", maxListLimit)
		return 0, false
	}
	return limit, true
}

func handleCommonCorrections(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := listLimit(w, r)
		if !ok {
			return
		}
		out, err := deps.Learning.CommonCorrections(chi.URLParam(r, "userID"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if out == nil {
			out = []learning.CommonCorrection{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSynonyms(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Learning.SynonymMap(chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handlePortionPriors(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Learning.PortionPriors(chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRecentFoods(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := listLimit(w, r)
		if !ok {
			return
		}
		out, err := deps.Learning.RecentFoods(chi.URLParam(r, "userID"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleTotals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := timeRange(r, time.Now(), 7*24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		totals, err := deps.Store.DailyTotals(chi.URLParam(r, "userID"), from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		if totals == nil {
			totals = []storage.DailyTotal{}
		}
		writeJSON(w, http.StatusOK, totals)
	}
}

func handlePurgeCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r, "older_than_days", 0)
		if err != nil || days < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than_days must be a non-negative integer")
			return
		}
		n, err := deps.Cache.PurgeOlderThan(r.Context(), chi.URLParam(r, "userID"), days)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := timeRange(r, time.Now(), defaultMetricsDays*24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		report, err := deps.Metrics.Report(r.Context(), from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleModelPerformance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r, "days", defaultMetricsDays)
		if err != nil || days <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
			return
		}
		// Model versions like "openai/gpt-4o" arrive with the slash escaped.
		version, err := url.PathUnescape(chi.URLParam(r, "version"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid model version")
			return
		}
		perf, err := deps.Learning.AnalyzeModelPerformance(version, days)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, perf)
	}
}

type retentionResult struct {
	Cutoff             time.Time `json:"cutoff"`
	CorrectionsDeleted int       `json:"corrections_deleted"`
	EventsDeleted      int       `json:"events_deleted"`
}

// handleRetention bulk-deletes corrections and events older than days.
func handleRetention(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r, "days", 365)
		if err != nil || days <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
			return
		}
		res := retentionResult{Cutoff: time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)}
		if res.CorrectionsDeleted, err = deps.Store.PurgeCorrectionsBefore(res.Cutoff); err != nil {
			writeError(w, err)
			return
		}
		if res.EventsDeleted, err = deps.Store.PurgeEventsBefore(res.Cutoff); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
