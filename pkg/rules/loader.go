package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/acteon/gateway/pkg/core"
)

// LoadDirectory reads every *.json file directly under dir as a single
// core.Rule and assembles them into a RuleSet for namespace (rule_admin
// "directory of declarative rule files" source, spec.md §6). Files are
// read in lexical filename order before the result is priority-sorted, so
// ties in Priority resolve deterministically across reloads.
func LoadDirectory(namespace, dir string) (*core.RuleSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rule directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	rules := make([]*core.Rule, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", name, err)
		}
		var rule core.Rule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", name, err)
		}
		if rule.Namespace == "" {
			rule.Namespace = namespace
		}
		rules = append(rules, &rule)
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return &core.RuleSet{Namespace: namespace, Rules: rules}, nil
}
