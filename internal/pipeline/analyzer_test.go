package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/mealsense/internal/cache"
	"github.com/kalambet/mealsense/internal/confidence"
	"github.com/kalambet/mealsense/internal/events"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/oracle"
	"github.com/kalambet/mealsense/internal/profile"
	"github.com/kalambet/mealsense/internal/retry"
	"github.com/kalambet/mealsense/internal/savegate"
	"github.com/kalambet/mealsense/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOracle struct {
	mu    sync.Mutex
	items []nutrition.DetectedFoodItem
	err   error
	calls int
	last  oracle.Request
}

func (o *fakeOracle) Analyze(_ context.Context, req oracle.Request) (oracle.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.last = req
	if o.err != nil {
		return oracle.Result{}, o.err
	}
	total := 0.0
	for _, it := range o.items {
		total += it.Confidence
	}
	overall := 0.0
	if len(o.items) > 0 {
		overall = total / float64(len(o.items))
	}
	return oracle.Result{
		Items:             append([]nutrition.DetectedFoodItem(nil), o.items...),
		OverallConfidence: overall,
		Explanation:       "test",
		ModelVersion:      "test-model",
	}, nil
}

func (o *fakeOracle) Model() string { return "test-model" }

type harness struct {
	analyzer *Analyzer
	store    *storage.Store
	oracle   *fakeOracle
	events   *events.Queue
	clock    *fakeClock
	prefs    *profile.Manager
}

func newHarness(t *testing.T, items ...nutrition.DetectedFoodItem) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	orc := &fakeOracle{items: items}
	q := events.NewQueue(store, 0, 0)
	prefs := profile.NewManager(store)

	a := NewAnalyzer(Deps{
		Store:       store,
		Cache:       cache.NewSQLiteCacheWithClock(store, clock, cache.DefaultFreshness),
		Oracle:      orc,
		Preferences: prefs,
		Learner:     learning.NewWithClock(store, clock),
		Events:      q,
		Clock:       clock,
	})
	return &harness{analyzer: a, store: store, oracle: orc, events: q, clock: clock, prefs: prefs}
}

func (h *harness) countEvents(t *testing.T, name string) int {
	t.Helper()
	if err := h.events.FlushNow(); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	n, err := h.store.CountEvents(name)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	return n
}

func photo(b string) oracle.Image {
	return oracle.Image{Data: []byte(b), MIMEType: "image/jpeg"}
}

func strPtr(s string) *string { return &s }

func TestAnalyze_LowConfidenceItemBlocksSave(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{
		Name: "dal", PortionGrams: 200, Calories: 230, Confidence: 45, NoteInfluence: nutrition.NoteInfluenceNone,
	})

	got, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Cached {
		t.Error("first analysis should not come from the cache")
	}
	if len(got.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(got.Items))
	}

	a := got.Items[0].Assessment
	if a.Level != confidence.LevelLow || a.Action != confidence.ActionConfirm {
		t.Errorf("assessment = %s/%s, want low/confirm", a.Level, a.Action)
	}
	if !a.ShowSuggestions || !a.ShowTypeahead {
		t.Errorf("low tier should show suggestions and typeahead: %+v", a)
	}
	if got.SaveGate.Status != savegate.StatusBlock {
		t.Fatalf("save gate = %s, want block", got.SaveGate.Status)
	}
	if !strings.Contains(got.SaveGate.Reason, "low confidence") {
		t.Errorf("reason = %q, want mention of low confidence", got.SaveGate.Reason)
	}
	if n := h.countEvents(t, events.AnalysisCompleted); n != 1 {
		t.Errorf("analysis_completed events = %d, want 1", n)
	}
}

func TestAnalyze_ReusesCacheForSamePhotoAndNote(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "rice", PortionGrams: 150, Calories: 195, Confidence: 90})
	ctx := context.Background()
	req := AnalyzeRequest{UserID: "u1", Image: photo("H1"), Note: strPtr("half portion")}

	first, err := h.analyzer.Analyze(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	second, err := h.analyzer.Analyze(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if h.oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", h.oracle.calls)
	}
	if !second.Cached {
		t.Error("second analysis should be a cache hit")
	}
	if second.ID == first.ID {
		t.Error("a cache hit must still produce its own analysis record")
	}
	if second.ImageHash != first.ImageHash {
		t.Errorf("hash %q != %q", second.ImageHash, first.ImageHash)
	}
	if second.Items[0].Item != first.Items[0].Item {
		t.Errorf("cached item %+v differs from original %+v", second.Items[0].Item, first.Items[0].Item)
	}
	if n := h.countEvents(t, events.AnalysisCacheHit); n != 1 {
		t.Errorf("analysis_cache_hit events = %d, want 1", n)
	}

	// A different note is a different request.
	req.Note = strPtr("extra rice")
	if _, err := h.analyzer.Analyze(ctx, req); err != nil {
		t.Fatal(err)
	}
	if h.oracle.calls != 2 {
		t.Errorf("oracle calls after note change = %d, want 2", h.oracle.calls)
	}
}

func TestAnalyze_StaleCacheCallsOracle(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "rice", Confidence: 90})
	ctx := context.Background()
	req := AnalyzeRequest{UserID: "u1", Image: photo("H1")}

	if _, err := h.analyzer.Analyze(ctx, req); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(8 * 24 * time.Hour)
	got, err := h.analyzer.Analyze(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cached || h.oracle.calls != 2 {
		t.Errorf("cached = %v, oracle calls = %d; want fresh call after 7 days", got.Cached, h.oracle.calls)
	}
}

func TestAnalyze_OracleFailure(t *testing.T) {
	h := newHarness(t)
	h.oracle.err = retry.Errorf(retry.KindServer, "boom")

	_, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.KindOf(err) != retry.KindServer {
		t.Errorf("kind = %s, want server", retry.KindOf(err))
	}
	if n := h.countEvents(t, events.AnalysisFailed); n != 1 {
		t.Errorf("analysis_failed events = %d, want 1", n)
	}
}

func TestAnalyze_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.analyzer.Analyze(ctx, AnalyzeRequest{Image: photo("x")}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing user: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := h.analyzer.Analyze(ctx, AnalyzeRequest{UserID: "u1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing image: err = %v, want ErrInvalidRequest", err)
	}
	if h.oracle.calls != 0 {
		t.Errorf("oracle called %d times for invalid requests", h.oracle.calls)
	}
}

func TestAnalyze_PassesPreferencesToOracle(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "idli", Confidence: 85})
	if _, err := h.prefs.Set("u1", []byte(`{"region":"South India","dietary_preferences":["vegetarian"],"daily_calorie_goal":1800}`)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1"), MealType: "breakfast"}); err != nil {
		t.Fatal(err)
	}
	want := "Region: South India. Dietary preferences: vegetarian. Daily calorie goal: 1800 kcal."
	if h.oracle.last.Profile != want {
		t.Errorf("profile = %q, want %q", h.oracle.last.Profile, want)
	}
	if p := oracle.BuildPrompt(h.oracle.last).System; !strings.Contains(p, "Daily calorie goal: 1800 kcal.") {
		t.Errorf("calorie goal missing from prompt:\n%s", p)
	}
	if h.oracle.last.MealType != "breakfast" {
		t.Errorf("meal type = %q", h.oracle.last.MealType)
	}
}

func TestConfirm_RecordsCorrectionsAndLogsMeal(t *testing.T) {
	h := newHarness(t,
		nutrition.DetectedFoodItem{Name: "rice", PortionGrams: 150, Calories: 195, Confidence: 85},
		nutrition.DetectedFoodItem{Name: "dal", PortionGrams: 200, Calories: 230, Confidence: 50},
	)
	an, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err != nil {
		t.Fatal(err)
	}

	edited := an.Items[1].Item
	edited.Name = "moong dal"
	h.clock.Advance(30 * time.Second)

	res, err := h.analyzer.Confirm(ConfirmRequest{
		AnalysisID: an.ID,
		UserID:     "u1",
		Items: []FinalItem{
			{DetectedFoodItem: an.Items[0].Item},
			{DetectedFoodItem: edited},
		},
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Corrections != 1 {
		t.Errorf("corrections = %d, want 1", res.Corrections)
	}
	if res.Decision.Status != savegate.StatusAllow {
		t.Errorf("decision = %+v, want allow once the low item was edited", res.Decision)
	}

	stored, err := h.store.GetAnalysis(an.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ConfirmedAt == nil || stored.TimeToSaveMs != 30000 {
		t.Errorf("confirmed_at = %v, time_to_save = %d; want set and 30000", stored.ConfirmedAt, stored.TimeToSaveMs)
	}

	recs, err := h.store.RecentCorrections("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].CorrectionType != nutrition.CorrectionName || recs[0].CorrectedItem.Name != "moong dal" {
		t.Fatalf("corrections = %+v", recs)
	}
	if recs[0].CorrectedItem.Confidence != 100 {
		t.Errorf("corrected confidence = %v, want 100", recs[0].CorrectedItem.Confidence)
	}

	names, err := h.store.RecentFoodNames("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("logged foods = %v, want 2", names)
	}

	if _, err := h.analyzer.Confirm(ConfirmRequest{AnalysisID: an.ID, UserID: "u1", Items: []FinalItem{{DetectedFoodItem: edited}}}); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("second confirm err = %v, want ErrAlreadyConfirmed", err)
	}
	if n := h.countEvents(t, events.MealSaved); n != 1 {
		t.Errorf("meal_saved events = %d, want 1", n)
	}
}

// flakyStore fails the first meal save.
type flakyStore struct {
	*storage.Store
	failures int
}

func (s *flakyStore) ConfirmMeal(id string, at time.Time, ms int64, logs []storage.FoodLog) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Store.ConfirmMeal(id, at, ms, logs)
}

func TestConfirm_FailedSaveCanBeRetried(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "noodles", PortionGrams: 300, Calories: 420, Confidence: 85})
	flaky := &flakyStore{Store: h.store, failures: 1}
	h.analyzer.store = flaky

	an, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err != nil {
		t.Fatal(err)
	}
	edited := an.Items[0].Item
	edited.Name = "udon"
	req := ConfirmRequest{AnalysisID: an.ID, UserID: "u1", Items: []FinalItem{{DetectedFoodItem: edited}}}

	if _, err := h.analyzer.Confirm(req); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("first confirm err = %v, want disk full", err)
	}
	stored, err := h.store.GetAnalysis(an.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ConfirmedAt != nil {
		t.Error("failed save must leave the analysis unconfirmed")
	}
	if recs, _ := h.store.RecentCorrections("u1", 10); len(recs) != 0 {
		t.Errorf("failed save recorded corrections: %+v", recs)
	}

	if _, err := h.analyzer.Confirm(req); err != nil {
		t.Fatalf("retry: %v", err)
	}
	recs, err := h.store.RecentCorrections("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("corrections = %d, want 1 after retry", len(recs))
	}
	if names, _ := h.store.RecentFoodNames("u1", 10); len(names) != 1 || names[0] != "udon" {
		t.Errorf("logged foods = %v, want [udon]", names)
	}

	if _, err := h.analyzer.Confirm(req); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("third confirm err = %v, want ErrAlreadyConfirmed", err)
	}
	if recs, _ := h.store.RecentCorrections("u1", 10); len(recs) != 1 {
		t.Errorf("corrections after rejected confirm = %d, want 1", len(recs))
	}
}

func TestConfirm_BlockedWritesNothing(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "dal", PortionGrams: 200, Calories: 230, Confidence: 45})
	an, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.analyzer.Confirm(ConfirmRequest{
		AnalysisID: an.ID, UserID: "u1",
		Items: []FinalItem{{DetectedFoodItem: an.Items[0].Item}},
	})
	var blocked *savegate.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *savegate.BlockedError", err)
	}

	stored, err := h.store.GetAnalysis(an.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ConfirmedAt != nil {
		t.Error("blocked save must not confirm the analysis")
	}
	if names, _ := h.store.RecentFoodNames("u1", 10); len(names) != 0 {
		t.Errorf("blocked save logged foods: %v", names)
	}
	if n := h.countEvents(t, events.SaveBlocked); n != 1 {
		t.Errorf("save_blocked events = %d, want 1", n)
	}
}

func TestConfirm_EmptyMealBlocked(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "rice", Confidence: 90})
	an, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "u1", Image: photo("H1")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.analyzer.Confirm(ConfirmRequest{AnalysisID: an.ID, UserID: "u1"})
	var blocked *savegate.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want blocked", err)
	}
}

func TestConfirm_OtherUsersAnalysisNotFound(t *testing.T) {
	h := newHarness(t, nutrition.DetectedFoodItem{Name: "rice", Confidence: 90})
	an, err := h.analyzer.Analyze(context.Background(), AnalyzeRequest{UserID: "owner", Image: photo("H1")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.analyzer.Confirm(ConfirmRequest{AnalysisID: an.ID, UserID: "intruder"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = h.analyzer.Confirm(ConfirmRequest{AnalysisID: "missing", UserID: "owner"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing analysis err = %v, want ErrNotFound", err)
	}
}

func TestAssessItem_SynonymAlternativeAndPrior(t *testing.T) {
	l := learned{
		synonyms: map[string]string{"lentil soup": "dal tadka"},
		priors:   map[string]float64{"lentil soup": 210},
		recent:   []string{"dal tadka", "lentil stew", "pizza"},
	}
	it := nutrition.DetectedFoodItem{Name: "Lentil Soup", PortionGrams: 200, Confidence: 65}

	got := assessItem(it, l)
	if len(got.Alternatives) == 0 || got.Alternatives[0].Name != "dal tadka" {
		t.Fatalf("alternatives = %+v, want dal tadka first", got.Alternatives)
	}
	for _, alt := range got.Alternatives {
		if alt.Name == "pizza" {
			t.Error("dissimilar recent food offered as alternative")
		}
	}
	if got.FallbackStrategy != confidence.StrategySuggestions {
		t.Errorf("strategy = %s, want suggestions", got.FallbackStrategy)
	}
	// base 50 + user prior 15 + close to prior 10
	if got.PortionConfidence != 75 {
		t.Errorf("portion confidence = %v, want 75", got.PortionConfidence)
	}
}

func TestAssessItem_RegionAndDietFollowTheFood(t *testing.T) {
	region := "Kerala, South India"
	prefs := profile.Preferences{Region: &region, DietaryPreferences: []string{"vegetarian"}}

	tests := []struct {
		name       string
		food       string
		wantRegion bool
		wantDiet   bool
	}{
		{"regional vegetarian dish", "masala dosa", true, true},
		{"regional dish with meat", "chicken biryani", true, false},
		{"foreign vegetarian dish", "margherita pizza", false, true},
		{"foreign dish with fish", "salmon sushi", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := regionMatch(tt.food, prefs); got != tt.wantRegion {
				t.Errorf("regionMatch(%q) = %v, want %v", tt.food, got, tt.wantRegion)
			}
			if got := dietMatch(tt.food, prefs); got != tt.wantDiet {
				t.Errorf("dietMatch(%q) = %v, want %v", tt.food, got, tt.wantDiet)
			}
		})
	}

	if regionMatch("masala dosa", profile.Preferences{}) || dietMatch("masala dosa", profile.Preferences{}) {
		t.Error("empty preferences should never match")
	}

	idli := nutrition.DetectedFoodItem{Name: "idli", Confidence: 80}
	with := assessItem(idli, learned{prefs: prefs})
	without := assessItem(idli, learned{})
	if got := with.MappingConfidence - without.MappingConfidence; got != 15 {
		t.Errorf("region and diet added %v to mapping confidence, want 15", got)
	}

	pork := nutrition.DetectedFoodItem{Name: "pork chop", Confidence: 80}
	if a, b := assessItem(pork, learned{prefs: prefs}), assessItem(pork, learned{}); a.MappingConfidence != b.MappingConfidence {
		t.Errorf("foreign conflicting dish gained mapping confidence: %v vs %v", a.MappingConfidence, b.MappingConfidence)
	}
}
