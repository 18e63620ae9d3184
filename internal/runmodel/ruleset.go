package runmodel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuleSet reads the game rules file (spec §6 game_rules_file) into a
// RuleSet. The file is loaded once at startup and never mutated after
// (spec §3 "Rule set").
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game rules file %s: %w", path, err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse game rules file %s: %w", path, err)
	}
	return rs, nil
}
