// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"regexp"
)

// RulePatterns is one authorization rule: topics a client may publish to
// and topic filters it may subscribe to.
type RulePatterns struct {
	Pub []*regexp.Regexp
	Sub []*regexp.Regexp
}

// Rules is the full rule set installed on a session after authentication.
type Rules []RulePatterns

// CompileRule builds a RulePatterns from raw regular expressions.
func CompileRule(pub, sub []string) (RulePatterns, error) {
	p, err := compileAll(pub)
	if err != nil {
		return RulePatterns{}, fmt.Errorf("pub pattern: %w", err)
	}
	s, err := compileAll(sub)
	if err != nil {
		return RulePatterns{}, fmt.Errorf("sub pattern: %w", err)
	}
	return RulePatterns{Pub: p, Sub: s}, nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		// Patterns match whole topics.
		re, err := regexp.Compile("^(?:" + e + ")$")
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// CanPublish reports whether any rule allows publishing to topic.
// An empty rule set allows everything.
func (r Rules) CanPublish(topic string) bool {
	if len(r) == 0 {
		return true
	}
	for _, rule := range r {
		if matchAny(rule.Pub, topic) {
			return true
		}
	}
	return false
}

// CanSubscribe reports whether any rule allows subscribing to filter.
// An empty rule set allows everything.
func (r Rules) CanSubscribe(filter string) bool {
	if len(r) == 0 {
		return true
	}
	for _, rule := range r {
		if matchAny(rule.Sub, filter) {
			return true
		}
	}
	return false
}

// PubPatterns returns the distinct publish expressions of all rules.
func (r Rules) PubPatterns() []string {
	return distinct(r, func(rp RulePatterns) []*regexp.Regexp { return rp.Pub })
}

// SubPatterns returns the distinct subscribe expressions of all rules.
func (r Rules) SubPatterns() []string {
	return distinct(r, func(rp RulePatterns) []*regexp.Regexp { return rp.Sub })
}

func distinct(r Rules, pick func(RulePatterns) []*regexp.Regexp) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rule := range r {
		for _, re := range pick(rule) {
			s := re.String()
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
