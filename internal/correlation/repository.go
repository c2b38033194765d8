package correlation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// MemoryRuleRepository is an in-memory RuleRepository. Rules are loaded
// from builtin definitions and YAML files; the configuration system
// that edits rule files is an external collaborator.
type MemoryRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryRuleRepository creates an empty repository.
func NewMemoryRuleRepository() *MemoryRuleRepository {
	return &MemoryRuleRepository{rules: make(map[string]*Rule)}
}

// AddRule validates and registers a rule. An existing rule with the
// same ID is replaced.
func (r *MemoryRuleRepository) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	slog.Info("registered correlation rule", "rule_id", rule.ID, "enabled", rule.Enabled)
	return nil
}

// RemoveRule unregisters a rule.
func (r *MemoryRuleRepository) RemoveRule(ruleID string) {
	r.mu.Lock()
	delete(r.rules, ruleID)
	r.mu.Unlock()
}

// GetRule returns a rule by ID.
func (r *MemoryRuleRepository) GetRule(ruleID string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ruleID]
	return rule, ok
}

// ListRules returns every registered rule.
func (r *MemoryRuleRepository) ListRules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	return rules
}

// ListEnabledRules implements RuleRepository.
func (r *MemoryRuleRepository) ListEnabledRules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}
	return rules
}

// IncrementTriggerCount implements RuleRepository. The in-memory
// repository shares rule pointers with the engine, which already
// updated the counters, so this only checks the rule still exists.
func (r *MemoryRuleRepository) IncrementTriggerCount(ruleID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.rules[ruleID]; !ok {
		return fmt.Errorf("unknown rule %s", ruleID)
	}
	return nil
}

// LoadDir loads every YAML rule file from a directory. Unparseable
// files are logged and skipped. A missing directory is not an error.
func (r *MemoryRuleRepository) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Error("failed to read rule file", "file", entry.Name(), "error", err)
			continue
		}

		rules, err := ParseRules(data)
		if err != nil {
			slog.Error("failed to parse rule file", "file", entry.Name(), "error", err)
			continue
		}

		for _, rule := range rules {
			if err := r.AddRule(rule); err != nil {
				slog.Error("failed to register rule", "rule_id", rule.ID, "error", err)
				continue
			}
			loaded++
		}
	}

	slog.Info("loaded correlation rules", "count", loaded, "dir", dir)
	return nil
}
