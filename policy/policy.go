// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package policy implements per-org RBAC: rule evaluation with
// expression predicates and a versioned registry cache.
package policy

// Effect is the outcome of a matched rule or a whole decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one ordered entry of an org policy. Predicates are expressions
// over the subject and resource; empty predicates match everything.
// Actions is the set of actions the rule covers; empty covers all.
type Rule struct {
	Name              string   `json:"name,omitempty"`
	SubjectPredicate  string   `json:"subject_predicate,omitempty"`
	ResourcePredicate string   `json:"resource_predicate,omitempty"`
	Actions           []string `json:"actions,omitempty"`
	Effect            Effect   `json:"effect"`
}

// OrgPolicy is one org's full RBAC policy. Versions are monotonic per
// org; the registry invalidates cached entries by comparing versions.
type OrgPolicy struct {
	OrgID         string `json:"org_id"`
	Version       int64  `json:"version"`
	Rules         []Rule `json:"rules"`
	DefaultEffect Effect `json:"default_effect"`
}

// Resource is the object side of an access query.
type Resource struct {
	Type       string                 `expr:"type"`
	ID         string                 `expr:"id"`
	OrgID      string                 `expr:"org_id"`
	Attributes map[string]interface{} `expr:"attributes"`
}

func (r *Rule) coversAction(action string) bool {
	if len(r.Actions) == 0 {
		return true
	}
	for _, a := range r.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}
