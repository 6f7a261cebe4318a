package loader

import (
	"context"
	"regexp"
)

// Rule may claim responsibility for producing a unit for a module path
type Rule struct {
	// Name identifies the rule in logs and metrics
	Name string

	// Match reports whether the rule applies to path
	Match func(path string) bool

	// Handle produces the unit for path. A nil unit with a nil error passes
	// the path on to the next rule.
	Handle func(ctx context.Context, path string) (*LoadableUnit, error)
}

// MatchRegexp returns a predicate matching paths against pattern
func MatchRegexp(pattern string) func(string) bool {
	re := regexp.MustCompile(pattern)
	return re.MatchString
}

// MatchAll matches every path
func MatchAll(string) bool {
	return true
}

// RuleChain evaluates rules in registration order. The first rule whose
// handler returns a unit wins; an error from any handler stops evaluation.
type RuleChain struct {
	rules []Rule
}

// NewRuleChain creates a chain evaluating rules in the given order
func NewRuleChain(rules ...Rule) *RuleChain {
	return &RuleChain{rules: append([]Rule(nil), rules...)}
}

// Rules returns the rules in evaluation order
func (c *RuleChain) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Load dispatches path through the chain and returns the unit along with the
// name of the rule that produced it
func (c *RuleChain) Load(ctx context.Context, path string) (*LoadableUnit, string, error) {
	for _, rule := range c.rules {
		if !rule.Match(path) {
			continue
		}

		unit, err := rule.Handle(ctx, path)
		if err != nil {
			return nil, rule.Name, err
		}
		if unit != nil {
			return unit, rule.Name, nil
		}
	}

	return nil, "", &UnsupportedAssetError{Path: path}
}
