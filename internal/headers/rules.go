package headers

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Defaults used when the configuration leaves marker or prefix empty
const (
	DefaultMarker = "Received"
	DefaultPrefix = "X-Original-"
)

var (
	ErrNoRules         = errors.New("no rules defined")
	ErrEmptyPrefix     = errors.New("rename prefix must not be empty")
	ErrEmptyRuleName   = errors.New("rule header name must not be empty")
	ErrDuplicateRule   = errors.New("duplicate rule")
	ErrPrefixCollision = errors.New("rule name collides with a renamed header")
)

// Matcher decides whether a decoded header value qualifies for relocation
type Matcher interface {
	Match(value string) bool
	String() string
}

type matchAll struct{}

func (matchAll) Match(string) bool { return true }
func (matchAll) String() string    { return "*" }

// MatchAll accepts every value
var MatchAll Matcher = matchAll{}

type patternMatcher struct {
	source string
	re     *regexp.Regexp
}

func (p patternMatcher) Match(value string) bool { return p.re.MatchString(value) }
func (p patternMatcher) String() string          { return p.source }

// CompilePattern compiles a case-insensitive pattern anchored at the start of the value
func CompilePattern(pattern string) (Matcher, error) {
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return patternMatcher{source: pattern, re: re}, nil
}

// Rule describes which occurrences of a header are eligible for relocation
type Rule struct {
	Name    string // lowercase header name
	Matcher Matcher
}

// NewRule builds a rule for name. A nil pattern matches every value.
func NewRule(name string, pattern *string) (Rule, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Rule{}, ErrEmptyRuleName
	}

	if pattern == nil {
		return Rule{Name: name, Matcher: MatchAll}, nil
	}

	m, err := CompilePattern(*pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	return Rule{Name: name, Matcher: m}, nil
}

// Check reports whether the raw header value passes the rule's pattern
func (r Rule) Check(value string) bool {
	if r.Matcher == nil {
		return true
	}
	return r.Matcher.Match(DecodeValue(value))
}

// RuleSet maps lowercase header names to rules
type RuleSet map[string]Rule

// Lookup finds the rule governing a header name (case-insensitive)
func (rs RuleSet) Lookup(name string) (Rule, bool) {
	r, ok := rs[strings.ToLower(name)]
	return r, ok
}

// Names returns the rule names in sorted order
func (rs RuleSet) Names() []string {
	names := make([]string, 0, len(rs))
	for name := range rs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settings is the immutable relocation configuration shared by all sessions
type Settings struct {
	Marker        string // lowercase marker header name
	Prefix        string
	RequireMarker bool
	Rules         RuleSet
}

// NewSettings compiles patterns and validates the rule set
func NewSettings(marker, prefix string, requireMarker bool, patterns map[string]*string) (*Settings, error) {
	marker = strings.ToLower(strings.TrimSpace(marker))
	if marker == "" {
		marker = strings.ToLower(DefaultMarker)
	}
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}
	if len(patterns) == 0 {
		return nil, ErrNoRules
	}

	rules := make(RuleSet, len(patterns))
	for name, pattern := range patterns {
		rule, err := NewRule(name, pattern)
		if err != nil {
			return nil, err
		}
		if _, exists := rules[rule.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		rules[rule.Name] = rule
	}

	// A renamed header must not be addressed by another rule in the same pass,
	// otherwise same-name ordinals would count the freshly inserted copies.
	lowerPrefix := strings.ToLower(prefix)
	for name := range rules {
		if _, ok := rules[lowerPrefix+name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrPrefixCollision, lowerPrefix+name)
		}
	}

	return &Settings{
		Marker:        marker,
		Prefix:        prefix,
		RequireMarker: requireMarker,
		Rules:         rules,
	}, nil
}
