package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList names models whose completions are never cached. Each rule
// is one of:
//
//	gpt-4o          exact model name
//	o1-*            prefix (trailing star)
//	re:^claude-.*$  regular expression
//
// A nil *ExclusionList matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	prefixes []string
	patterns []*regexp.Regexp
}

// NewExclusionList compiles rules. An invalid regular expression is an error
// so misconfiguration surfaces at startup.
func NewExclusionList(rules []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{})}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		switch {
		case rule == "":
		case strings.HasPrefix(rule, "re:"):
			re, err := regexp.Compile(rule[len("re:"):])
			if err != nil {
				return nil, fmt.Errorf("cache exclusion %q: %w", rule, err)
			}
			el.patterns = append(el.patterns, re)
		case strings.HasSuffix(rule, "*"):
			el.prefixes = append(el.prefixes, strings.TrimSuffix(rule, "*"))
		default:
			el.exact[rule] = struct{}{}
		}
	}
	return el, nil
}

// Matches reports whether model is excluded.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, p := range el.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.prefixes) + len(el.patterns)
}
