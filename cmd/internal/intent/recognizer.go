package intent

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

// Recognizer classifies text against a priority-ordered rule set. Rules
// can be added or removed at runtime; Classify itself is read-only and
// safe for concurrent use.
type Recognizer struct {
	log *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// NewRecognizer compiles the rule set, DefaultRules when rules is nil.
// An invalid regular expression fails construction.
func NewRecognizer(log *slog.Logger, rules []Rule) (*Recognizer, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	r := &Recognizer{log: log}
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, cr)
	}
	r.sortRules()

	log.Info("intent.recognizer_ready", "rules", len(r.rules))
	return r, nil
}

// AddRule registers an extra rule and re-sorts the set. Rules with equal
// priority keep their registration order.
func (r *Recognizer) AddRule(rule Rule) error {
	cr, err := compileRule(rule)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, cr)
	r.sortRules()

	r.log.Info("intent.rule_added", "intent", string(rule.Intent), "priority", rule.Priority)
	return nil
}

// RemoveRulesByIntent drops every rule for the given intent and reports
// how many were removed.
func (r *Recognizer) RemoveRulesByIntent(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.rules[:0]
	removed := 0
	for _, cr := range r.rules {
		if cr.rule.Intent == t {
			removed++
			continue
		}
		kept = append(kept, cr)
	}
	r.rules = kept

	if removed > 0 {
		r.log.Info("intent.rules_removed", "intent", string(t), "count", removed)
	}
	return removed
}

// Classify determines the intent of one message. Empty input is unknown;
// a command marker with a known command short-circuits at confidence
// 0.95; otherwise rules are tried in priority order, keywords before
// patterns, and anything left over is plain chat.
func (r *Recognizer) Classify(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Intent: Unknown, Confidence: 0, RawInput: text, Reasoning: "Empty input"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if hasCmd, cmd := CommandHint(text); hasCmd {
		for _, cr := range r.rules {
			if cr.rule.Intent != Command {
				continue
			}
			if containsAnyKeyword(text, cr.rule.Keywords) {
				return Result{
					Intent:     Command,
					Confidence: 0.95,
					RawInput:   text,
					Command:    cmd,
					Reasoning:  "Command detected: /" + cmd,
				}
			}
		}
	}

	for _, cr := range r.rules {
		if cr.rule.Intent == Command {
			continue
		}
		if containsAnyKeyword(text, cr.rule.Keywords) {
			return Result{
				Intent:     cr.rule.Intent,
				Confidence: keywordConfidence(text, cr.rule.Keywords),
				RawInput:   text,
				Reasoning:  "Keyword match: " + cr.rule.Description,
			}
		}
		for _, re := range cr.patterns {
			if re.MatchString(text) {
				return Result{
					Intent:     cr.rule.Intent,
					Confidence: 0.85,
					RawInput:   text,
					Reasoning:  "Pattern match: " + cr.rule.Description,
				}
			}
		}
	}

	return Result{
		Intent:     Chat,
		Confidence: 0.5,
		RawInput:   text,
		Reasoning:  "No specific pattern matched, default to CHAT",
	}
}

// Rules returns a snapshot of the active rules in evaluation order.
func (r *Recognizer) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	for i, cr := range r.rules {
		out[i] = cr.rule
	}
	return out
}

func (r *Recognizer) sortRules() {
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].rule.Priority > r.rules[j].rule.Priority
	})
}

func compileRule(rule Rule) (compiledRule, error) {
	cr := compiledRule{rule: rule}
	for _, p := range rule.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return compiledRule{}, fmt.Errorf("intent: rule %s: invalid pattern %q: %w", rule.Intent, p, err)
		}
		cr.patterns = append(cr.patterns, re)
	}
	return cr, nil
}

func containsAnyKeyword(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// keywordConfidence scores a keyword hit: 0.7 base, +0.1 per extra match
// capped at +0.2, damped by 0.9 for texts of 20+ runes where an
// incidental match is likelier.
func keywordConfidence(text string, keywords []string) float64 {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	bonus := math.Min(float64(n)*0.1, 0.2)
	length := 1.0
	if utf8.RuneCountInString(text) >= 20 {
		length = 0.9
	}
	return math.Min(0.7+bonus, 1.0) * length
}
