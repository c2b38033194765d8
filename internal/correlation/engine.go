package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"netsentinel/internal/schema"
)

// Match is synthesized when a rule's threshold is crossed within its
// window. Immutable after creation.
type Match struct {
	ID               uuid.UUID       `json:"id"`
	RuleID           string          `json:"rule_id"`
	RuleName         string          `json:"rule_name"`
	Severity         schema.Severity `json:"severity"`
	MatchedAt        time.Time       `json:"matched_at"`
	GroupKey         string          `json:"group_key"`
	TriggeringEvents []EventRef      `json:"triggering_events"`
	Description      string          `json:"description"`
	Tags             []string        `json:"tags,omitempty"`
}

// EventRef references an event that contributed to a match.
type EventRef struct {
	EventID   uuid.UUID `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RuleError reports a rule that could not be evaluated. The engine
// skips the offending rule and keeps evaluating the others.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// RuleRepository supplies the enabled rule set and records trigger
// statistics. Implementations must be safe for concurrent use.
type RuleRepository interface {
	ListEnabledRules() []*Rule
	IncrementTriggerCount(ruleID string) error
}

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	// MaxGroupKeys caps tracked aggregation keys per rule.
	MaxGroupKeys int `yaml:"max_group_keys"`
	// StateCleanupFreq sets how often expired window state is cleaned.
	StateCleanupFreq time.Duration `yaml:"state_cleanup_freq"`
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxGroupKeys:     100000,
		StateCleanupFreq: 30 * time.Second,
	}
}

// Engine evaluates events against the enabled rule set using
// per-rule, per-aggregation-key time windows.
//
// Window math uses event timestamps, not arrival time, so replaying an
// identical input sequence produces identical matches. Rules are
// evaluated in (priority, id) order for the same reason.
type Engine struct {
	config EngineConfig
	repo   RuleRepository

	mu     sync.Mutex
	states map[string]*ruleState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ruleState holds the keyed event queues for one rule. The mutex
// serializes all window updates for the rule, so concurrent events for
// the same aggregation key behave as a single logical stream.
type ruleState struct {
	mu     sync.Mutex
	queues map[string][]EventRef
	newest time.Time
}

// groupKeyAll is the constant aggregation key for rules without an
// aggregation field.
const groupKeyAll = "all"

// NewEngine creates a correlation engine backed by the given repository.
func NewEngine(config EngineConfig, repo RuleRepository) *Engine {
	return &Engine{
		config: config,
		repo:   repo,
		states: make(map[string]*ruleState),
		stopCh: make(chan struct{}),
	}
}

// Evaluate matches one event against every enabled rule and returns the
// fired matches plus any per-rule evaluation errors. Errors never abort
// the pass; the offending rule is skipped.
func (e *Engine) Evaluate(event *schema.Event) ([]*Match, []error) {
	rules := e.repo.ListEnabledRules()
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	var matches []*Match
	var errs []error

	for _, rule := range rules {
		match, err := e.evaluateRule(rule, event)
		if err != nil {
			slog.Warn("skipping rule", "rule_id", rule.ID, "error", err)
			errs = append(errs, &RuleError{RuleID: rule.ID, Err: err})
			continue
		}
		if match != nil {
			matches = append(matches, match)
		}
	}
	return matches, errs
}

func (e *Engine) evaluateRule(rule *Rule, event *schema.Event) (*Match, error) {
	for _, cond := range rule.Conditions {
		ok, err := cond.Match(event.Field(cond.Field))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	groupKey := groupKeyAll
	if rule.AggregationField != "" {
		val := event.Field(rule.AggregationField)
		if val == nil || val == "" {
			// Cannot aggregate this event under the rule's key.
			return nil, nil
		}
		groupKey = fmt.Sprintf("%v", val)
	}

	state := e.state(rule.ID)

	state.mu.Lock()
	defer state.mu.Unlock()

	queue, tracked := state.queues[groupKey]
	queue = insertByTimestamp(queue, EventRef{EventID: event.EventID, Timestamp: event.Timestamp})

	// Evict against the newest timestamp seen for this group, not the
	// incoming event's: a late arrival must not widen the window.
	newest := queue[len(queue)-1].Timestamp
	cutoff := newest.Add(-rule.Window)
	for len(queue) > 0 && !queue[0].Timestamp.After(cutoff) {
		queue = queue[1:]
	}

	if newest.After(state.newest) {
		state.newest = newest
	}

	if len(queue) < rule.Threshold {
		// Capacity only gates keys not yet tracked; updating an
		// existing key does not grow the map.
		if !tracked && len(state.queues) >= e.config.MaxGroupKeys {
			slog.Warn("rule state at capacity, dropping window", "rule_id", rule.ID, "group_key", groupKey)
			return nil, nil
		}
		state.queues[groupKey] = queue
		return nil, nil
	}

	// Fire: reference the contributing events and clear the queue so
	// the same burst cannot immediately re-fire.
	refs := make([]EventRef, len(queue))
	copy(refs, queue)
	delete(state.queues, groupKey)

	now := time.Now().UTC()
	rule.TriggerCount++
	rule.LastTriggeredAt = &now

	if err := e.repo.IncrementTriggerCount(rule.ID); err != nil {
		slog.Error("failed to record rule trigger", "rule_id", rule.ID, "error", err)
	}

	match := &Match{
		ID:        uuid.New(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		MatchedAt: event.Timestamp,
		GroupKey:  groupKey,
		TriggeringEvents: refs,
		Description: fmt.Sprintf("rule %q matched %d events within %s (key %s)",
			rule.Name, len(refs), rule.Window, groupKey),
		Tags: rule.Tags,
	}

	slog.Info("correlation rule fired",
		"rule_id", rule.ID,
		"group_key", groupKey,
		"event_count", len(refs),
		"severity", rule.Severity,
	)
	return match, nil
}

// insertByTimestamp appends a reference keeping the queue ordered by
// event timestamp; concurrent events may arrive out of order.
func insertByTimestamp(queue []EventRef, ref EventRef) []EventRef {
	i := len(queue)
	for i > 0 && queue[i-1].Timestamp.After(ref.Timestamp) {
		i--
	}
	queue = append(queue, EventRef{})
	copy(queue[i+1:], queue[i:])
	queue[i] = ref
	return queue
}

func (e *Engine) state(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[ruleID]
	if !ok {
		state = &ruleState{queues: make(map[string][]EventRef)}
		e.states[ruleID] = state
	}
	return state
}

// Start launches the background state cleanup loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.config.StateCleanupFreq)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.cleanupExpiredState()
			}
		}
	}()
	slog.Info("correlation engine started", "cleanup_freq", e.config.StateCleanupFreq)
}

// Stop stops the cleanup loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// cleanupExpiredState drops window state for rules whose newest event
// is older than twice the longest rule window.
func (e *Engine) cleanupExpiredState() {
	maxWindow := time.Duration(0)
	ruleIDs := make(map[string]bool)
	for _, rule := range e.repo.ListEnabledRules() {
		ruleIDs[rule.ID] = true
		if rule.Window > maxWindow {
			maxWindow = rule.Window
		}
	}

	cutoff := time.Now().Add(-2 * maxWindow)

	e.mu.Lock()
	states := make(map[string]*ruleState, len(e.states))
	for id, state := range e.states {
		states[id] = state
	}
	e.mu.Unlock()

	removed := 0
	for id, state := range states {
		state.mu.Lock()
		stale := !ruleIDs[id] || (len(state.queues) > 0 && state.newest.Before(cutoff))
		if stale {
			removed += len(state.queues)
			state.queues = make(map[string][]EventRef)
		}
		state.mu.Unlock()
	}

	if removed > 0 {
		slog.Debug("cleaned correlation state", "windows_removed", removed)
	}
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	totalWindows := 0
	for _, state := range e.states {
		state.mu.Lock()
		totalWindows += len(state.queues)
		state.mu.Unlock()
	}

	return map[string]any{
		"enabled_rules":  len(e.repo.ListEnabledRules()),
		"tracked_rules":  len(e.states),
		"active_windows": totalWindows,
	}
}
