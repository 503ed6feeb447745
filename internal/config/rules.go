package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mkallio/calgate/internal/event"
)

// ParseRules parses the embedded rules YAML. It never fails the caller: on a
// parse error it returns an empty ruleset with the configured default type
// and the diagnostic, so a broken edit degrades to default classification
// instead of stalling the queue.
func ParseRules(rulesYAML, defaultType string) (event.Rules, error) {
	fallback := event.Rules{DefaultActivityType: defaultType}

	if rulesYAML == "" {
		return fallback, nil
	}

	var rules event.Rules
	if err := yaml.Unmarshal([]byte(rulesYAML), &rules); err != nil {
		return fallback, fmt.Errorf("invalid rules YAML: %w", err)
	}
	if rules.DefaultActivityType == "" {
		rules.DefaultActivityType = defaultType
	}
	return rules, nil
}

// ParseStaffMap parses the organizer email → CRM contact ID map. Same
// tolerance contract as ParseRules: an empty map plus the diagnostic on
// error.
func ParseStaffMap(staffMapYAML string) (map[string]int64, error) {
	if staffMapYAML == "" {
		return map[string]int64{}, nil
	}

	var m map[string]int64
	if err := yaml.Unmarshal([]byte(staffMapYAML), &m); err != nil {
		return map[string]int64{}, fmt.Errorf("invalid staff map YAML: %w", err)
	}
	if m == nil {
		m = map[string]int64{}
	}
	return m, nil
}
