package predicate

import (
	"fmt"
	"slices"
	"strings"

	"formline/internal/domain"
)

var (
	textOperators    = []domain.Operator{domain.OpEq, domain.OpNeq, domain.OpIn, domain.OpNotIn}
	numericOperators = []domain.Operator{domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte, domain.OpIn, domain.OpNotIn}
	setOperators     = []domain.Operator{domain.OpAnyOf, domain.OpNoneOf, domain.OpSubsetOf}
)

// Operators returns the operators a question type supports.
func Operators(t domain.QuestionType) []domain.Operator {
	switch t {
	case domain.TypeNumber, domain.TypeID:
		return numericOperators
	case domain.TypeCheckbox:
		return setOperators
	case domain.TypeEnumerator:
		return nil
	default:
		return textOperators
	}
}

// Validate checks arena shape, operator/type fit and literals. schema must
// only contain questions the predicate is allowed to reference.
func Validate(p domain.Predicate, schema Schema) error {
	if p.Action != domain.ActionShowIf && p.Action != domain.ActionHideIf {
		return domain.PredicateConfigError{Reason: fmt.Sprintf("unknown action %q", p.Action)}
	}
	if err := validateShape(p); err != nil {
		return err
	}
	for _, n := range p.Nodes {
		if n.Kind != domain.NodeLeaf {
			continue
		}
		if err := validateLeaf(n, schema); err != nil {
			return err
		}
	}
	return nil
}

func validateShape(p domain.Predicate) error {
	if len(p.Nodes) == 0 {
		return domain.PredicateConfigError{Reason: "predicate has no nodes"}
	}
	if p.Root < 0 || p.Root >= len(p.Nodes) {
		return domain.PredicateConfigError{Reason: fmt.Sprintf("root %d out of range", p.Root)}
	}
	parents := make([]int, len(p.Nodes))
	for i, n := range p.Nodes {
		switch n.Kind {
		case domain.NodeLeaf:
			if len(n.Children) > 0 {
				return domain.PredicateConfigError{Reason: fmt.Sprintf("leaf node %d has children", i)}
			}
		case domain.NodeAnd, domain.NodeOr:
			if len(n.Children) == 0 {
				return domain.PredicateConfigError{Reason: fmt.Sprintf("%s node %d has no children", n.Kind, i)}
			}
			for _, c := range n.Children {
				if c <= i || c >= len(p.Nodes) {
					return domain.PredicateConfigError{Reason: fmt.Sprintf("node %d has invalid child %d", i, c)}
				}
				parents[c]++
			}
		default:
			return domain.PredicateConfigError{Reason: fmt.Sprintf("node %d has unknown kind %q", i, n.Kind)}
		}
	}
	for i, count := range parents {
		switch {
		case i == p.Root && count != 0:
			return domain.PredicateConfigError{Reason: "root node has a parent"}
		case i != p.Root && count != 1:
			return domain.PredicateConfigError{Reason: fmt.Sprintf("node %d must have exactly one parent", i)}
		}
	}
	return nil
}

func validateLeaf(n domain.PredicateNode, schema Schema) error {
	info, ok := schema[n.Question]
	if !ok {
		return domain.PredicateConfigError{Question: n.Question, Reason: "question is not in an earlier block"}
	}
	ops := Operators(info.Type)
	if !slices.Contains(ops, n.Operator) {
		return domain.PredicateConfigError{Question: n.Question, Reason: fmt.Sprintf("operator %q not supported for %s questions", n.Operator, info.Type)}
	}
	var literals []string
	if n.Operator.SetLiteral() {
		if len(n.Values) == 0 {
			return domain.PredicateConfigError{Question: n.Question, Reason: fmt.Sprintf("operator %q needs values", n.Operator)}
		}
		literals = n.Values
	} else {
		if strings.TrimSpace(n.Value) == "" {
			return domain.PredicateConfigError{Question: n.Question, Reason: fmt.Sprintf("operator %q needs a value", n.Operator)}
		}
		literals = []string{n.Value}
	}
	for _, lit := range literals {
		switch {
		case info.Type.Numeric():
			if _, err := parseInt(lit); err != nil {
				return domain.PredicateConfigError{Question: n.Question, Reason: fmt.Sprintf("%q is not a number", lit)}
			}
		case info.Type.HasOptions():
			if !contains(info.Options, strings.TrimSpace(lit)) {
				return domain.PredicateConfigError{Question: n.Question, Reason: fmt.Sprintf("%q is not an option", lit)}
			}
		}
	}
	return nil
}
