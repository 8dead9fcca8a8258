// Package predicate evaluates block visibility predicates against answers.
package predicate

import (
	"strconv"
	"strings"

	"formline/internal/domain"
)

// Result is a three-valued truth value.
type Result int

const (
	False Result = iota
	True
	Undetermined
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "undetermined"
	}
}

func and(a, b Result) Result {
	if a == False || b == False {
		return False
	}
	if a == Undetermined || b == Undetermined {
		return Undetermined
	}
	return True
}

func or(a, b Result) Result {
	if a == True || b == True {
		return True
	}
	if a == Undetermined || b == Undetermined {
		return Undetermined
	}
	return False
}

// QuestionInfo is what evaluation needs to know about a referenced question.
type QuestionInfo struct {
	Type       domain.QuestionType
	Options    []string
	Enumerator string
}

// Schema maps question names to their evaluation info.
type Schema map[string]QuestionInfo

func SchemaFrom(questions []domain.QuestionDefinition) Schema {
	s := make(Schema, len(questions))
	for _, q := range questions {
		s[q.Name] = QuestionInfo{
			Type:       q.Type,
			Options:    q.OptionLabels(),
			Enumerator: q.Enumerator,
		}
	}
	return s
}

// Answers is the read side of an answer set.
type Answers interface {
	Get(question string, rep int) (domain.Answer, bool)
}

// Scope identifies the repetition a predicate is evaluated in. Questions
// repeated under Enumerator are read at Repetition; all others at 0.
type Scope struct {
	Enumerator string
	Repetition int
}

// Evaluate computes the predicate tree. The predicate must have passed Validate.
func Evaluate(p domain.Predicate, schema Schema, answers Answers, scope Scope) Result {
	if p.Root < 0 || p.Root >= len(p.Nodes) {
		return False
	}
	return evalNode(p.Nodes, p.Root, schema, answers, scope)
}

func evalNode(nodes []domain.PredicateNode, idx int, schema Schema, answers Answers, scope Scope) Result {
	n := nodes[idx]
	switch n.Kind {
	case domain.NodeLeaf:
		info := schema[n.Question]
		rep := 0
		if info.Enumerator != "" && info.Enumerator == scope.Enumerator {
			rep = scope.Repetition
		}
		a, ok := answers.Get(n.Question, rep)
		return EvaluateLeaf(n, info, a, ok)
	case domain.NodeAnd, domain.NodeOr:
		var acc Result
		if n.Kind == domain.NodeAnd {
			acc = True
		}
		for _, c := range n.Children {
			// children always sit after their parent in the arena
			if c <= idx || c >= len(nodes) {
				return False
			}
			r := evalNode(nodes, c, schema, answers, scope)
			if n.Kind == domain.NodeAnd {
				acc = and(acc, r)
			} else {
				acc = or(acc, r)
			}
		}
		return acc
	default:
		return False
	}
}

// EvaluateLeaf compares one answer against a leaf. present=false or an empty
// answer yields Undetermined.
func EvaluateLeaf(n domain.PredicateNode, info QuestionInfo, a domain.Answer, present bool) Result {
	if !present || a.Empty() {
		return Undetermined
	}
	switch {
	case info.Type == domain.TypeCheckbox:
		return boolResult(compareSet(n, a.Values))
	case info.Type.Numeric():
		v, err := parseInt(a.Values[0])
		if err != nil {
			return False
		}
		return boolResult(compareNumber(n, v))
	case info.Type == domain.TypeEnumerator:
		return False
	default:
		return boolResult(compareText(n, strings.TrimSpace(a.Values[0])))
	}
}

func compareText(n domain.PredicateNode, v string) bool {
	switch n.Operator {
	case domain.OpEq:
		return v == strings.TrimSpace(n.Value)
	case domain.OpNeq:
		return v != strings.TrimSpace(n.Value)
	case domain.OpIn:
		return contains(n.Values, v)
	case domain.OpNotIn:
		return !contains(n.Values, v)
	}
	return false
}

func compareNumber(n domain.PredicateNode, v int64) bool {
	if n.Operator == domain.OpIn || n.Operator == domain.OpNotIn {
		found := false
		for _, raw := range n.Values {
			lit, err := parseInt(raw)
			if err == nil && lit == v {
				found = true
				break
			}
		}
		return found == (n.Operator == domain.OpIn)
	}
	lit, err := parseInt(n.Value)
	if err != nil {
		return false
	}
	switch n.Operator {
	case domain.OpEq:
		return v == lit
	case domain.OpNeq:
		return v != lit
	case domain.OpGt:
		return v > lit
	case domain.OpGte:
		return v >= lit
	case domain.OpLt:
		return v < lit
	case domain.OpLte:
		return v <= lit
	}
	return false
}

func compareSet(n domain.PredicateNode, values []string) bool {
	selected := map[string]bool{}
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			selected[t] = true
		}
	}
	hits := 0
	for _, lit := range n.Values {
		if selected[strings.TrimSpace(lit)] {
			hits++
		}
	}
	switch n.Operator {
	case domain.OpAnyOf:
		return hits > 0
	case domain.OpNoneOf:
		return hits == 0
	case domain.OpSubsetOf:
		for v := range selected {
			if !contains(n.Values, v) {
				return false
			}
		}
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == v {
			return true
		}
	}
	return false
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func boolResult(b bool) Result {
	if b {
		return True
	}
	return False
}
