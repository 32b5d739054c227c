// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"axonflow/hadrian/auth"
)

// maxExpressionLength bounds rule predicates before compilation.
const maxExpressionLength = 4096

// queryEnv is the expression environment: predicates see the subject,
// resource, and action under those names.
type queryEnv struct {
	Subject  auth.Subject `expr:"subject"`
	Resource Resource     `expr:"resource"`
	Action   string       `expr:"action"`
}

// compiledRule pairs a rule with its pre-compiled predicates.
type compiledRule struct {
	rule         Rule
	subjectProg  *vm.Program
	resourceProg *vm.Program
}

// Engine evaluates access queries against one compiled org policy.
type Engine struct {
	policy OrgPolicy
	rules  []compiledRule
}

// Compile builds an engine from a policy, compiling every predicate up
// front. A predicate longer than 4096 bytes or one that fails to compile
// rejects the whole policy.
func Compile(p OrgPolicy) (*Engine, error) {
	e := &Engine{policy: p, rules: make([]compiledRule, 0, len(p.Rules))}
	for i, rule := range p.Rules {
		cr := compiledRule{rule: rule}
		var err error
		if cr.subjectProg, err = compilePredicate(rule.SubjectPredicate); err != nil {
			return nil, fmt.Errorf("policy %s rule %d subject predicate: %w", p.OrgID, i, err)
		}
		if cr.resourceProg, err = compilePredicate(rule.ResourcePredicate); err != nil {
			return nil, fmt.Errorf("policy %s rule %d resource predicate: %w", p.OrgID, i, err)
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

func compilePredicate(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	if len(src) > maxExpressionLength {
		return nil, fmt.Errorf("predicate exceeds %d bytes", maxExpressionLength)
	}
	prog, err := expr.Compile(src, expr.Env(queryEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("predicate compile failed: %w", err)
	}
	return prog, nil
}

// Policy returns the compiled policy.
func (e *Engine) Policy() OrgPolicy { return e.policy }

// Evaluate scans the rules in order and returns the effect of the first
// rule whose action set and both predicates match, or the policy's
// default effect. A predicate runtime error skips the rule: a broken rule
// never silently allows.
func (e *Engine) Evaluate(subject auth.Subject, action string, resource Resource) Effect {
	env := queryEnv{Subject: subject, Resource: resource, Action: action}
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.rule.coversAction(action) {
			continue
		}
		if !runPredicate(cr.subjectProg, env, e.policy.OrgID, cr.rule.Name) {
			continue
		}
		if !runPredicate(cr.resourceProg, env, e.policy.OrgID, cr.rule.Name) {
			continue
		}
		return cr.rule.Effect
	}
	return e.policy.DefaultEffect
}

func runPredicate(prog *vm.Program, env queryEnv, orgID, ruleName string) bool {
	if prog == nil {
		return true
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		log.Printf("[POLICY] Predicate error in org %s rule %q: %v", orgID, ruleName, err)
		return false
	}
	matched, ok := out.(bool)
	return ok && matched
}
