package pipeline

import (
	"strings"

	"github.com/kalambet/mealsense/internal/confidence"
	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/profile"
)

// minAlternativeSimilarity is how close a recent food's name must be to be
// offered as an alternative.
const minAlternativeSimilarity = 50

// standardPortions are population-typical grams for common foods.
var standardPortions = map[string]float64{
	"apple":          180,
	"banana":         120,
	"bread":          30,
	"chapati":        40,
	"chicken breast": 150,
	"dal":            200,
	"egg":            50,
	"naan":           90,
	"oatmeal":        240,
	"pasta":          180,
	"rice":           150,
	"roti":           40,
	"salad":          100,
	"soup":           250,
	"yogurt":         170,
}

// regionalFoods lists dishes typical of a region. Keys are matched as
// substrings of the user's lowercased region.
var regionalFoods = map[string][]string{
	"india":  {"biryani", "chapati", "dal", "dosa", "idli", "naan", "paneer", "roti", "sambar", "upma"},
	"kerala": {"appam", "avial", "dosa", "idli", "puttu", "sambar"},
	"japan":  {"miso", "onigiri", "ramen", "soba", "sushi", "tempura", "udon"},
	"italy":  {"gnocchi", "lasagna", "pasta", "pizza", "risotto"},
	"mexico": {"burrito", "enchilada", "quesadilla", "taco", "tamale"},
	"china":  {"dumpling", "fried rice", "congee", "bao", "chow mein"},
}

// dietConflicts lists name fragments a diet rules out.
var dietConflicts = map[string][]string{
	"vegetarian":  {"beef", "chicken", "fish", "lamb", "mutton", "pork", "prawn", "shrimp", "tuna", "salmon"},
	"vegan":       {"beef", "chicken", "fish", "lamb", "mutton", "pork", "prawn", "shrimp", "tuna", "salmon", "egg", "cheese", "milk", "yogurt", "paneer", "ghee", "butter"},
	"pescatarian": {"beef", "chicken", "lamb", "mutton", "pork"},
	"dairy_free":  {"cheese", "milk", "yogurt", "paneer", "ghee", "butter", "cream"},
	"gluten_free": {"bread", "naan", "pasta", "roti", "chapati", "udon", "noodle"},
	"halal":       {"pork", "bacon", "ham"},
	"kosher":      {"pork", "bacon", "ham", "shrimp", "prawn"},
	"nut_free":    {"almond", "cashew", "peanut", "walnut", "pistachio"},
}

// AssessedItem is a detected item with its UI guidance.
type AssessedItem struct {
	Item              nutrition.DetectedFoodItem `json:"item"`
	Assessment        confidence.Assessment      `json:"assessment"`
	FallbackStrategy  confidence.Strategy        `json:"fallback_strategy"`
	MappingConfidence float64                    `json:"mapping_confidence"`
	PortionConfidence float64                    `json:"portion_confidence"`
	Explanation       string                     `json:"explanation"`
	Alternatives      []confidence.Alternative   `json:"alternatives"`
}

func assessItem(it nutrition.DetectedFoodItem, l learned) AssessedItem {
	key := strings.ToLower(strings.TrimSpace(it.Name))

	mapping := confidence.MappingConfidence(confidence.MappingFactors{
		StringSimilarity: nameSimilarity(it, l),
		SynonymMatch:     isSynonym(key, l.synonyms),
		RegionMatch:      regionMatch(key, l.prefs),
		DietMatch:        dietMatch(key, l.prefs),
	})

	userPrior, hasUser := l.priors[key]
	stdPrior, hasStd := standardPortions[key]
	portion := confidence.PortionConfidence(confidence.PortionFactors{
		VisualReference:    it.NoteInfluence == nutrition.NoteInfluencePortion || it.NoteInfluence == nutrition.NoteInfluenceBoth,
		HasUserPrior:       hasUser,
		HasStandardPrior:   hasStd,
		EstimatedGrams:     it.PortionGrams,
		UserPriorGrams:     userPrior,
		StandardPriorGrams: stdPrior,
	})

	alts := confidence.SortByRelevance(alternatives(it, key, l), l.recent)
	return AssessedItem{
		Item:              it,
		Assessment:        confidence.AssessItem(it),
		FallbackStrategy:  confidence.FallbackStrategy(it.Confidence, len(alts) > 0),
		MappingConfidence: mapping,
		PortionConfidence: portion,
		Explanation: confidence.Explain(it, confidence.ExplanationFactors{
			ModelConfidence:   it.Confidence,
			MappingConfidence: mapping,
			PortionConfidence: portion,
		}),
		Alternatives: alts,
	}
}

// nameSimilarity is the best match between the detected name and a food
// the user is known to eat or a common food.
func nameSimilarity(it nutrition.DetectedFoodItem, l learned) float64 {
	best := 0.0
	for _, k := range knownFoods(l) {
		best = max(best, confidence.Similarity(it.Name, k))
	}
	return best
}

func knownFoods(l learned) []string {
	known := append([]string(nil), l.recent...)
	for _, v := range l.synonyms {
		known = append(known, v)
	}
	for k := range standardPortions {
		known = append(known, k)
	}
	return known
}

// regionMatch reports whether the food is typical of the user's region.
func regionMatch(key string, prefs profile.Preferences) bool {
	region := strings.ToLower(prefs.RegionName())
	if region == "" {
		return false
	}
	for r, dishes := range regionalFoods {
		if !strings.Contains(region, r) {
			continue
		}
		for _, d := range dishes {
			if strings.Contains(key, d) {
				return true
			}
		}
	}
	return false
}

// dietMatch reports whether the food fits every diet the user follows.
// Users without diets never match.
func dietMatch(key string, prefs profile.Preferences) bool {
	if len(prefs.DietaryPreferences) == 0 {
		return false
	}
	for diet, banned := range dietConflicts {
		if !prefs.HasDiet(diet) {
			continue
		}
		for _, b := range banned {
			if strings.Contains(key, b) {
				return false
			}
		}
	}
	return true
}

func isSynonym(key string, synonyms map[string]string) bool {
	if _, ok := synonyms[key]; ok {
		return true
	}
	for _, v := range synonyms {
		if strings.EqualFold(v, key) {
			return true
		}
	}
	return false
}

// alternatives proposes replacement names: the user's learned synonym for
// this name first, then similar foods they logged recently.
func alternatives(it nutrition.DetectedFoodItem, key string, l learned) []confidence.Alternative {
	var alts []confidence.Alternative
	seen := map[string]bool{key: true}

	if syn, ok := l.synonyms[key]; ok {
		alts = append(alts, confidence.Alternative{Name: syn, Score: 90})
		seen[strings.ToLower(syn)] = true
	}
	for _, name := range l.recent {
		lower := strings.ToLower(strings.TrimSpace(name))
		if seen[lower] {
			continue
		}
		if sim := confidence.Similarity(it.Name, name); sim >= minAlternativeSimilarity {
			alts = append(alts, confidence.Alternative{Name: name, Score: sim})
			seen[lower] = true
		}
	}
	return alts
}
