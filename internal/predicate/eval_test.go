package predicate_test

import (
	"errors"
	"testing"

	"formline/internal/domain"
	"formline/internal/predicate"
)

func testSchema() predicate.Schema {
	return predicate.Schema{
		"q1":     {Type: domain.TypeText},
		"age":    {Type: domain.TypeNumber},
		"colour": {Type: domain.TypeDropdown, Options: []string{"red", "green", "blue"}},
		"pets":   {Type: domain.TypeCheckbox, Options: []string{"cat", "dog", "fish"}},
		"people": {Type: domain.TypeEnumerator},
	}
}

func answers(pairs ...any) domain.AnswerSet {
	set := domain.AnswerSet{}
	for i := 0; i < len(pairs); i += 2 {
		name := pairs[i].(string)
		switch v := pairs[i+1].(type) {
		case string:
			set.Put(domain.Answer{Question: name, Values: []string{v}})
		case []string:
			set.Put(domain.Answer{Question: name, Values: v})
		}
	}
	return set
}

func TestEvaluateLeafOperators(t *testing.T) {
	schema := testSchema()
	cases := []struct {
		name string
		pred domain.Predicate
		set  domain.AnswerSet
		want predicate.Result
	}{
		{"text eq", predicate.ShowIf(predicate.Leaf("q1", domain.OpEq, "show me")), answers("q1", "  show me "), predicate.True},
		{"text eq case preserved", predicate.ShowIf(predicate.Leaf("q1", domain.OpEq, "show me")), answers("q1", "Show me"), predicate.False},
		{"text neq", predicate.ShowIf(predicate.Leaf("q1", domain.OpNeq, "x")), answers("q1", "y"), predicate.True},
		{"text in", predicate.ShowIf(predicate.LeafSet("q1", domain.OpIn, "a", "b")), answers("q1", "b"), predicate.True},
		{"text nin", predicate.ShowIf(predicate.LeafSet("q1", domain.OpNotIn, "a", "b")), answers("q1", "b"), predicate.False},
		{"number gt", predicate.ShowIf(predicate.Leaf("age", domain.OpGt, "17")), answers("age", "18"), predicate.True},
		{"number lte", predicate.ShowIf(predicate.Leaf("age", domain.OpLte, "17")), answers("age", "18"), predicate.False},
		{"number eq parses", predicate.ShowIf(predicate.Leaf("age", domain.OpEq, "7")), answers("age", "007"), predicate.True},
		{"number in", predicate.ShowIf(predicate.LeafSet("age", domain.OpIn, "1", "2")), answers("age", "2"), predicate.True},
		{"dropdown eq", predicate.ShowIf(predicate.Leaf("colour", domain.OpEq, "red")), answers("colour", "red"), predicate.True},
		{"checkbox any_of", predicate.ShowIf(predicate.LeafSet("pets", domain.OpAnyOf, "dog", "fish")), answers("pets", []string{"cat", "dog"}), predicate.True},
		{"checkbox none_of", predicate.ShowIf(predicate.LeafSet("pets", domain.OpNoneOf, "dog")), answers("pets", []string{"cat", "dog"}), predicate.False},
		{"checkbox subset_of", predicate.ShowIf(predicate.LeafSet("pets", domain.OpSubsetOf, "cat", "dog")), answers("pets", []string{"cat", "dog"}), predicate.True},
		{"checkbox subset_of extra", predicate.ShowIf(predicate.LeafSet("pets", domain.OpSubsetOf, "cat")), answers("pets", []string{"cat", "dog"}), predicate.False},
		{"missing answer", predicate.ShowIf(predicate.Leaf("q1", domain.OpEq, "x")), answers(), predicate.Undetermined},
		{"blank answer", predicate.ShowIf(predicate.Leaf("q1", domain.OpEq, "x")), answers("q1", "  "), predicate.Undetermined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := predicate.Validate(tc.pred, schema); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got := predicate.Evaluate(tc.pred, schema, tc.set, predicate.Scope{}); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestEvaluateKleeneLogic(t *testing.T) {
	schema := testSchema()
	set := answers("q1", "yes", "age", "10")
	unknown := predicate.Leaf("colour", domain.OpEq, "red")
	yes := predicate.Leaf("q1", domain.OpEq, "yes")
	no := predicate.Leaf("age", domain.OpGt, "50")

	cases := []struct {
		name string
		expr predicate.Expr
		want predicate.Result
	}{
		{"and(U,F)", predicate.All(unknown, no), predicate.False},
		{"and(U,T)", predicate.All(unknown, yes), predicate.Undetermined},
		{"or(U,T)", predicate.Any(unknown, yes), predicate.True},
		{"or(U,F)", predicate.Any(unknown, no), predicate.Undetermined},
		{"nested", predicate.Any(no, predicate.All(yes, unknown)), predicate.Undetermined},
		{"and(T,T)", predicate.All(yes, yes), predicate.True},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := predicate.ShowIf(tc.expr)
			if err := predicate.Validate(p, schema); err != nil {
				t.Fatalf("validate: %v", err)
			}
			first := predicate.Evaluate(p, schema, set, predicate.Scope{})
			if first != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, first)
			}
			if again := predicate.Evaluate(p, schema, set, predicate.Scope{}); again != first {
				t.Fatalf("evaluation not deterministic: %s then %s", first, again)
			}
		})
	}
}

func TestValidateRejectsBadPredicates(t *testing.T) {
	schema := testSchema()
	cases := []struct {
		name string
		pred domain.Predicate
	}{
		{"non numeric literal", predicate.ShowIf(predicate.Leaf("age", domain.OpGt, "ten"))},
		{"numeric operator on text", predicate.ShowIf(predicate.Leaf("q1", domain.OpGt, "1"))},
		{"unknown option", predicate.ShowIf(predicate.Leaf("colour", domain.OpEq, "purple"))},
		{"set operator without values", predicate.ShowIf(predicate.Leaf("pets", domain.OpAnyOf, "cat"))},
		{"unknown question", predicate.ShowIf(predicate.Leaf("later", domain.OpEq, "x"))},
		{"enumerator gate", predicate.ShowIf(predicate.Leaf("people", domain.OpEq, "x"))},
		{"empty and", predicate.ShowIf(predicate.All())},
		{"bad action", domain.Predicate{Action: "maybe", Nodes: []domain.PredicateNode{{Kind: domain.NodeLeaf, Question: "q1", Operator: domain.OpEq, Value: "x"}}}},
		{"backward child", domain.Predicate{Action: domain.ActionShowIf, Root: 1, Nodes: []domain.PredicateNode{
			{Kind: domain.NodeLeaf, Question: "q1", Operator: domain.OpEq, Value: "x"},
			{Kind: domain.NodeAnd, Children: []int{0}},
		}}},
		{"shared child", domain.Predicate{Action: domain.ActionShowIf, Nodes: []domain.PredicateNode{
			{Kind: domain.NodeAnd, Children: []int{1, 2}},
			{Kind: domain.NodeOr, Children: []int{2}},
			{Kind: domain.NodeLeaf, Question: "q1", Operator: domain.OpEq, Value: "x"},
		}}},
		{"unreachable node", domain.Predicate{Action: domain.ActionShowIf, Nodes: []domain.PredicateNode{
			{Kind: domain.NodeLeaf, Question: "q1", Operator: domain.OpEq, Value: "x"},
			{Kind: domain.NodeLeaf, Question: "q1", Operator: domain.OpEq, Value: "y"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := predicate.Validate(tc.pred, schema)
			var pce domain.PredicateConfigError
			if !errors.As(err, &pce) {
				t.Fatalf("expected PredicateConfigError, got %v", err)
			}
		})
	}
}

func TestOperatorsTable(t *testing.T) {
	if ops := predicate.Operators(domain.TypeEnumerator); len(ops) != 0 {
		t.Fatalf("enumerator should have no operators, got %v", ops)
	}
	if ops := predicate.Operators(domain.TypeID); len(ops) != 8 {
		t.Fatalf("expected numeric operators for id, got %v", ops)
	}
}
