package event

import "strings"

// DefaultActivityType is used when rules specify no default of their own.
const DefaultActivityType = "Meeting"

// Rule matches a substring against one event field and names the activity
// type to record when it hits.
type Rule struct {
	Field        string `yaml:"field"`
	Match        string `yaml:"match"`
	ActivityType string `yaml:"activity_type"`
}

// Rules is an ordered rule list with a fallback activity type.
type Rules struct {
	Rules               []Rule `yaml:"rules"`
	DefaultActivityType string `yaml:"default_activity_type"`
}

// Default returns the configured default activity type, falling back to
// DefaultActivityType when unset.
func (r Rules) Default() string {
	if r.DefaultActivityType != "" {
		return r.DefaultActivityType
	}
	return DefaultActivityType
}

// Classify applies rules in order and returns the activity type of the first
// rule whose match string occurs (case-insensitively) in the rule's field.
// Rules with an empty match never fire. No match yields the default type.
func Classify(rules Rules, e Event) string {
	def := rules.Default()
	for _, rule := range rules.Rules {
		val, ok := e.Field(rule.Field)
		if !ok {
			continue
		}
		if rule.Match == "" {
			continue
		}
		if strings.Contains(strings.ToLower(val), strings.ToLower(rule.Match)) {
			if rule.ActivityType != "" {
				return rule.ActivityType
			}
			return def
		}
	}
	return def
}
