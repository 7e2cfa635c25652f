package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sdn-guard/internal/model"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []model.Rule `yaml:"rules" json:"rules"`
}

// LoadRulesFromJSON loads IDS rule definitions from a JSON file
func LoadRulesFromJSON(filename string) ([]model.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc ruleFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return doc.Rules, nil
}

// LoadRulesFromYAML loads IDS rule definitions from a YAML file
func LoadRulesFromYAML(filename string) ([]model.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules file: %w", err)
	}
	return doc.Rules, nil
}

// LoadRules picks the format from the file extension, trying YAML and
// then JSON when the extension says nothing
func LoadRules(filename string) ([]model.Rule, error) {
	if filename == "" {
		return nil, fmt.Errorf("rules file path is empty")
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return LoadRulesFromYAML(filename)
	case ".json":
		return LoadRulesFromJSON(filename)
	}

	if rules, err := LoadRulesFromYAML(filename); err == nil {
		return rules, nil
	}
	return LoadRulesFromJSON(filename)
}

// MergeRules overlays overrides onto base by rule name. Rules only present
// in overrides are appended in their file order.
func MergeRules(base, overrides []model.Rule) []model.Rule {
	merged := make([]model.Rule, len(base))
	copy(merged, base)

	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.Name] = i
	}
	for _, r := range overrides {
		if i, ok := index[r.Name]; ok {
			merged[i] = r
			continue
		}
		index[r.Name] = len(merged)
		merged = append(merged, r)
	}
	return merged
}
