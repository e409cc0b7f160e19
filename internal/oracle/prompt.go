package oracle

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrompt = `You are a nutrition analysis engine. Identify every distinct food in the meal photo and estimate its portion and macronutrients. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

Output format:
{"items":[{"name":string,"portion_grams":number,"calories":number,"protein_grams":number,"carbs_grams":number,"fat_grams":number,"confidence":number,"note_influence":"none"|"name"|"portion"|"both"}],"overall_confidence":number,"explanation":string}

Rules:
- confidence is 0-100 and reflects how sure you are of both the food and its portion.
- Use common, specific food names (e.g. "dal tadka", not "soup").
- If the user's note changed a name or portion you would otherwise have chosen, set note_influence accordingly.
- Return an empty items array if no food is visible.`

// BuildPrompt renders the system and user messages for a request. Maps are
// rendered in sorted order so identical requests produce identical prompts.
func BuildPrompt(req Request) Prompt {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if p := strings.TrimSpace(req.Profile); p != "" {
		fmt.Fprintf(&sb, "\n\n[User Context]\n%s", p)
	}

	if len(req.Synonyms) > 0 {
		sb.WriteString("\n\n[User Vocabulary]\nThis user has corrected these names before. Prefer the name on the right:")
		for _, k := range sortedKeys(req.Synonyms) {
			fmt.Fprintf(&sb, "\n- %s → %s", k, req.Synonyms[k])
		}
	}

	if len(req.PortionPriors) > 0 {
		sb.WriteString("\n\n[Typical Portions]\nThis user's usual portions:")
		for _, k := range sortedKeys(req.PortionPriors) {
			fmt.Fprintf(&sb, "\n- %s: %.0f g", k, req.PortionPriors[k])
		}
	}

	var user strings.Builder
	user.WriteString("Analyze this meal.")
	if req.MealType != "" {
		fmt.Fprintf(&user, " Meal type: %s.", req.MealType)
	}
	if req.Note != nil && strings.TrimSpace(*req.Note) != "" {
		fmt.Fprintf(&user, "\nUser note: %s", strings.TrimSpace(*req.Note))
	}

	return Prompt{System: sb.String(), User: user.String(), Image: req.Image}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
