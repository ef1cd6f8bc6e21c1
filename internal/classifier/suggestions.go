package classifier

import "strings"

const SuggestionGeneralCleaning = "perform a general cleaning of the vehicle"

var suggestionRules = []struct {
	keywords   []string
	suggestion string
}{
	{[]string{"paper", "trash"}, "pick up and dispose of trash from floor and seats"},
	{[]string{"window", "glass"}, "clean windows with a cloth and glass cleaner"},
	{[]string{"stain"}, "apply cleaner and scrub stains with a cloth"},
	{[]string{"dust"}, "wipe or vacuum dusty surfaces"},
	{[]string{"handrail"}, "clean handrails with disinfectant"},
}

// Suggest maps each issue to one actionable cleaning suggestion, in order.
func Suggest(issues []string) []string {
	suggestions := make([]string, 0, len(issues))
	for _, issue := range issues {
		suggestions = append(suggestions, suggestionFor(strings.ToLower(issue)))
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, SuggestionGeneralCleaning)
	}
	return suggestions
}

func suggestionFor(issue string) string {
	for _, rule := range suggestionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(issue, kw) {
				return rule.suggestion
			}
		}
	}
	return "review and clean the affected area"
}
