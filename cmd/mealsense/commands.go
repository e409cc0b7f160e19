package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/mealsense/internal/config"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/metrics"
	"github.com/kalambet/mealsense/internal/pipeline"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <photo-or-url>",
	Short: "Identify the food in a meal photo",
	Long: `Identify the food in a meal photo.

Examples:
  mealsense analyze --user alice ./lunch.jpg
  mealsense analyze --user alice --note "half portion" --meal-type lunch ./lunch.jpg
  mealsense analyze --user alice https://example.com/dinner.png`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		note, _ := cmd.Flags().GetString("note")
		mealType, _ := cmd.Flags().GetString("meal-type")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		req, err := analyzeRequestFor(args[0], note, mealType)
		if err != nil {
			return err
		}
		req["user_id"] = user

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAnalyze(cmd.Context(), client, req, os.Stdout)
	},
}

func init() {
	analyzeCmd.Flags().String("user", "", "user the meal belongs to")
	analyzeCmd.Flags().String("note", "", "free-text note about the meal")
	analyzeCmd.Flags().String("meal-type", "", "breakfast, lunch, dinner or snack")
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
}

// analyzeRequestFor builds the request body for a local file or an image URL.
func analyzeRequestFor(source, note, mealType string) (map[string]any, error) {
	req := map[string]any{}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req["image_url"] = source
	} else {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("reading photo: %w", err)
		}
		req["image_base64"] = base64.StdEncoding.EncodeToString(data)
		if mime, ok := mimeByExt[strings.ToLower(filepath.Ext(source))]; ok {
			req["mime_type"] = mime
		}
	}
	if note != "" {
		req["note"] = note
	}
	if mealType != "" {
		req["meal_type"] = mealType
	}
	return req, nil
}

func runAnalyze(ctx context.Context, client *apiClient, req map[string]any, w io.Writer) error {
	resp, err := client.post(ctx, "/v1/analyses", req)
	if err != nil {
		return err
	}
	var a pipeline.Analysis
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}

	source := a.ModelVersion
	if a.Cached {
		source += ", cached"
	}
	fmt.Fprintf(w, "Analysis %s (%s), overall confidence %.0f\n", a.ID, source, a.OverallConfidence)
	for _, it := range a.Items {
		level := string(it.Assessment.Level)
		fmt.Fprintf(w, "  %-24s %6.0fg %6.0f kcal  %s\n",
			it.Item.Name, it.Item.PortionGrams, it.Item.Calories,
			colorize(levelColor(level), fmt.Sprintf("%s %.0f", level, it.Item.Confidence)))
		if len(it.Alternatives) > 0 {
			names := make([]string, len(it.Alternatives))
			for i, alt := range it.Alternatives {
				names[i] = alt.Name
			}
			fmt.Fprintf(w, "    maybe: %s\n", strings.Join(names, ", "))
		}
	}
	if !a.SaveGate.Allowed() {
		printWarning("save blocked: %s", a.SaveGate.Reason)
	} else if a.SaveGate.Warning != "" {
		printWarning("%s", a.SaveGate.Warning)
	}
	return nil
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or update a user's preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/users/"+url.PathEscape(args[0])+"/preferences")
		if err != nil {
			return err
		}
		var prefs map[string]any
		if err := decodeJSON(resp, &prefs); err != nil {
			return err
		}
		return writeIndented(os.Stdout, prefs)
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <user> <json>",
	Short: "Replace a user's preferences",
	Long: `Replace a user's preferences.

Example:
  mealsense prefs set alice '{"region":"Japan","dietary_preferences":["pescatarian"]}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPrefsSet(cmd.Context(), client, args[0], args[1])
	},
}

func runPrefsSet(ctx context.Context, client *apiClient, user, raw string) error {
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return fmt.Errorf("preferences must be a JSON object: %w", err)
	}
	resp, err := client.put(ctx, "/v1/users/"+url.PathEscape(user)+"/preferences", body)
	if err != nil {
		return err
	}
	var saved map[string]any
	if err := decodeJSON(resp, &saved); err != nil {
		return err
	}
	printSuccess("Preferences saved for %s", user)
	return nil
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show pipeline quality metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMetrics(cmd.Context(), client, from, to, os.Stdout)
	},
}

func init() {
	metricsCmd.Flags().String("from", "", "start of range (YYYY-MM-DD or RFC 3339, default 30 days ago)")
	metricsCmd.Flags().String("to", "", "end of range (YYYY-MM-DD or RFC 3339, default now)")
}

func runMetrics(ctx context.Context, client *apiClient, from, to string, w io.Writer) error {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/v1/metrics"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var report metrics.Report
	if err := decodeJSON(resp, &report); err != nil {
		return err
	}

	s := report.Snapshot
	fmt.Fprintf(w, "%d confirmed analyses, %d corrections\n", s.ConfirmedAnalyses, s.Corrections)
	for _, r := range report.Evaluation.Results {
		mark := colorize(colorGreen, "met")
		if !r.Met {
			mark = colorize(colorRed, fmt.Sprintf("missed by %.1f", r.Gap))
		}
		fmt.Fprintf(w, "  %-20s %7.1f  target %5.1f  %s\n", r.Metric, r.Value, r.Target, mark)
	}
	n := report.NoteUsage
	fmt.Fprintf(w, "Notes: %d with, %d without; edit rate %+.1f points\n",
		n.WithNote.Analyses, n.WithoutNote.Analyses, n.EditRate.Absolute)
	return nil
}

// --- performance ---

var performanceCmd = &cobra.Command{
	Use:   "performance <model>",
	Short: "Show correction statistics for a model version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPerformance(cmd.Context(), client, args[0], days, os.Stdout)
	},
}

func init() {
	performanceCmd.Flags().Int("days", 30, "trailing window in days")
}

func runPerformance(ctx context.Context, client *apiClient, model string, days int, w io.Writer) error {
	path := fmt.Sprintf("/v1/models/%s/performance?days=%d", url.PathEscape(model), days)
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var perf learning.ModelPerformance
	if err := decodeJSON(resp, &perf); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s over %d days: %d analyses, avg confidence %.1f, corrected %.1f%%\n",
		perf.ModelVersion, perf.Days, perf.Analyses, perf.AverageConfidence, perf.CorrectionRate)
	for _, e := range perf.CommonErrors {
		fmt.Fprintf(w, "  %s -> %s (%d)\n", e.Original, e.Corrected, e.Count)
	}
	return nil
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the analysis cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge <user>",
	Short: "Delete a user's cached analyses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days < 0 {
			return fmt.Errorf("--days must be non-negative")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := runCachePurge(cmd.Context(), client, args[0], days)
		if err != nil {
			return err
		}
		printSuccess("Deleted %s for %s", countLabel(n, "cache entry", "cache entries"), args[0])
		return nil
	},
}

func init() {
	cachePurgeCmd.Flags().Int("days", 0, "only delete entries older than this many days (0 deletes all)")
	cacheCmd.AddCommand(cachePurgeCmd)
}

func runCachePurge(ctx context.Context, client *apiClient, user string, days int) (int, error) {
	path := fmt.Sprintf("/v1/users/%s/cache?older_than_days=%d", url.PathEscape(user), days)
	resp, err := client.delete(ctx, path)
	if err != nil {
		return 0, err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result["deleted"], nil
}

// --- retention ---

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete corrections and events older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRetention(cmd.Context(), client, days)
	},
}

func init() {
	retentionCmd.Flags().Int("days", 365, "retention window in days")
}

func runRetention(ctx context.Context, client *apiClient, days int) error {
	resp, err := client.post(ctx, fmt.Sprintf("/v1/maintenance/retention?days=%d", days), nil)
	if err != nil {
		return err
	}
	var result struct {
		CorrectionsDeleted int `json:"corrections_deleted"`
		EventsDeleted      int `json:"events_deleted"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Deleted %s and %s",
		countLabel(result.CorrectionsDeleted, "correction", "corrections"),
		countLabel(result.EventsDeleted, "event", "events"))
	return nil
}

func countLabel(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return fmt.Sprintf("%d %s", n, plural)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		section := ""
		for _, k := range config.ShowAll(cfg) {
			if k.Section != section {
				section = k.Section
				fmt.Printf("[%s]\n", section)
			}
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if !k.Default {
				line += colorize(colorYellow, "  (changed)")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Secrets (server.api_token, oracle.openrouter_api_key) are read from
MEALSENSE_API_TOKEN and MEALSENSE_OPENROUTER_API_KEY only.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
