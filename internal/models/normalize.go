package models

import "strings"

// Rule maps backend-native model names to a public name. A rule matches when
// every keyword is a substring of the lower-cased native name.
type Rule struct {
	Keywords []string
	Public   string
}

func (r Rule) matches(lowerName string) bool {
	if len(r.Keywords) == 0 {
		return false
	}
	for _, k := range r.Keywords {
		if !strings.Contains(lowerName, strings.ToLower(k)) {
			return false
		}
	}
	return true
}

// DefaultRules is evaluated top to bottom and the first match wins, so
// specific markers must come before the general ones they contain.
var DefaultRules = []Rule{
	{Keywords: []string{"405b"}, Public: "gpt-4o"},
	{Keywords: []string{"llama", "3.3", "70b"}, Public: "gpt-4"},
	{Keywords: []string{"70b"}, Public: "gpt-4"},
	{Keywords: []string{"72b"}, Public: "gpt-4"},
	{Keywords: []string{"mixtral"}, Public: "gpt-4o-mini"},
	{Keywords: []string{"13b"}, Public: "gpt-3.5-turbo"},
	{Keywords: []string{"8b"}, Public: "gpt-3.5-turbo"},
	{Keywords: []string{"7b"}, Public: "gpt-3.5-turbo"},
}

// Normalize returns the public name for a backend-native name using rules.
// Unmatched names pass through unchanged.
func Normalize(rules []Rule, nativeName string) string {
	lower := strings.ToLower(nativeName)
	for _, r := range rules {
		if r.matches(lower) {
			return r.Public
		}
	}
	return nativeName
}
