// Package rules implements the RuleEngine (core spec §4.2): predicate-tree
// evaluation over an event context, in priority order, with a TTL cache
// keyed by rule name and serialized context.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

// ActionType tags the variant kind of an Action (core spec §3.4).
type ActionType string

const (
	ActionAwardPoints   ActionType = "award_points"
	ActionAwardBadge    ActionType = "award_badge"
	ActionCompleteQuest ActionType = "complete_quest"
	ActionCustom        ActionType = "custom"
)

// CustomHandler is the opaque callback invoked for an ActionCustom.
type CustomHandler func(ctx context.Context, eventCtx map[string]interface{}) error

// Action is a declarative side-effect request produced by a matched rule.
type Action struct {
	Type ActionType

	UserID string // optional for award_points; resolved from ctx["userId"] if empty
	Points int
	Reason string

	BadgeID string

	QuestID     string
	ObjectiveID string

	Handler CustomHandler
}

// Rule is a named predicate with ordered actions (core spec §3.3).
type Rule struct {
	Name        string
	Conditions  *Condition
	Actions     []Action
	Enabled     bool
	Priority    int
	StopOnMatch bool
}

// RuleResult is the outcome of evaluating one rule.
type RuleResult struct {
	RuleName string
	Passed   bool
	Actions  []Action
	Reason   string
	Err      error
}

// EvaluationResult is the outcome of evaluating every registered rule.
type EvaluationResult struct {
	Results []RuleResult
	Passed  []string
	Failed  []string
}

type cacheEntry struct {
	expiresAt time.Time
	single    *RuleResult
	all       *EvaluationResult
}

// Engine is the RuleEngine implementation.
type Engine struct {
	mu          sync.RWMutex
	rules       map[string]*Rule
	cache       map[string]cacheEntry
	cacheExpiry time.Duration
}

// New constructs an Engine; cacheExpiry <= 0 disables caching.
func New(cacheExpiry time.Duration) *Engine {
	return &Engine{
		rules:       make(map[string]*Rule),
		cache:       make(map[string]cacheEntry),
		cacheExpiry: cacheExpiry,
	}
}

// AddRule registers or replaces a rule as given and invalidates the cache.
// No field is defaulted: a Rule whose Enabled field is left at its zero
// value (false) is stored disabled and evaluates with reason "disabled".
func (e *Engine) AddRule(rule *Rule) error {
	if rule.Name == "" {
		return gkerrors.ErrValidation
	}
	if rule.Conditions != nil {
		if err := rule.Conditions.Validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.Name] = rule
	e.cache = make(map[string]cacheEntry)
	return nil
}

// RemoveRule deletes a rule by name and invalidates the cache.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; !ok {
		return gkerrors.ErrRuleNotFound
	}
	delete(e.rules, name)
	e.cache = make(map[string]cacheEntry)
	return nil
}

func (e *Engine) cacheKey(scope string, evalCtx map[string]interface{}) string {
	b, err := json.Marshal(evalCtx)
	if err != nil {
		return scope
	}
	return scope + string(b)
}

// EvaluateOne evaluates a single named rule. A disabled rule reports
// passed=false, reason="disabled" without running its conditions.
func (e *Engine) EvaluateOne(evalCtx map[string]interface{}, ruleName string) (RuleResult, error) {
	key := e.cacheKey(ruleName, evalCtx)
	if cached := e.fromCacheSingle(key); cached != nil {
		return *cached, nil
	}

	e.mu.RLock()
	rule, ok := e.rules[ruleName]
	e.mu.RUnlock()
	if !ok {
		return RuleResult{}, gkerrors.ErrRuleNotFound
	}

	result := e.evaluateRule(rule, evalCtx)
	e.storeCacheSingle(key, result)
	return result, nil
}

// EvaluateAll evaluates every rule in descending priority order, halting
// at the first passing rule with StopOnMatch set.
func (e *Engine) EvaluateAll(evalCtx map[string]interface{}) (EvaluationResult, error) {
	key := e.cacheKey("all", evalCtx)
	if cached := e.fromCacheAll(key); cached != nil {
		return *cached, nil
	}

	e.mu.RLock()
	ordered := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		ordered = append(ordered, r)
	}
	e.mu.RUnlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	out := EvaluationResult{}
	for _, rule := range ordered {
		result := e.evaluateRule(rule, evalCtx)
		out.Results = append(out.Results, result)
		if result.Passed {
			out.Passed = append(out.Passed, result.RuleName)
			if rule.StopOnMatch {
				break
			}
		} else if result.Err != nil {
			out.Failed = append(out.Failed, result.RuleName)
		}
	}

	e.storeCacheAll(key, out)
	return out, nil
}

func (e *Engine) evaluateRule(rule *Rule, evalCtx map[string]interface{}) RuleResult {
	if !rule.Enabled {
		return RuleResult{RuleName: rule.Name, Passed: false, Reason: "disabled"}
	}
	if rule.Conditions == nil {
		return RuleResult{RuleName: rule.Name, Passed: false, Reason: "no conditions"}
	}

	passed, err := rule.Conditions.evaluate(evalCtx)
	if err != nil {
		return RuleResult{RuleName: rule.Name, Passed: false, Err: fmt.Errorf("rule %q: %w", rule.Name, err)}
	}
	if !passed {
		return RuleResult{RuleName: rule.Name, Passed: false}
	}
	return RuleResult{RuleName: rule.Name, Passed: true, Actions: rule.Actions}
}

func (e *Engine) fromCacheSingle(key string) *RuleResult {
	if e.cacheExpiry <= 0 {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) || entry.single == nil {
		return nil
	}
	return entry.single
}

func (e *Engine) storeCacheSingle(key string, result RuleResult) {
	if e.cacheExpiry <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{expiresAt: time.Now().Add(e.cacheExpiry), single: &result}
}

func (e *Engine) fromCacheAll(key string) *EvaluationResult {
	if e.cacheExpiry <= 0 {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) || entry.all == nil {
		return nil
	}
	return entry.all
}

func (e *Engine) storeCacheAll(key string, result EvaluationResult) {
	if e.cacheExpiry <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{expiresAt: time.Now().Add(e.cacheExpiry), all: &result}
}
