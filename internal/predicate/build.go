package predicate

import "formline/internal/domain"

// Expr is an authoring-time expression tree, flattened into an arena by
// ShowIf and HideIf.
type Expr struct {
	node     domain.PredicateNode
	children []Expr
}

func Leaf(question string, op domain.Operator, value string) Expr {
	return Expr{node: domain.PredicateNode{Kind: domain.NodeLeaf, Question: question, Operator: op, Value: value}}
}

func LeafSet(question string, op domain.Operator, values ...string) Expr {
	return Expr{node: domain.PredicateNode{Kind: domain.NodeLeaf, Question: question, Operator: op, Values: values}}
}

func All(children ...Expr) Expr {
	return Expr{node: domain.PredicateNode{Kind: domain.NodeAnd}, children: children}
}

func Any(children ...Expr) Expr {
	return Expr{node: domain.PredicateNode{Kind: domain.NodeOr}, children: children}
}

func ShowIf(e Expr) domain.Predicate { return compile(domain.ActionShowIf, e) }

func HideIf(e Expr) domain.Predicate { return compile(domain.ActionHideIf, e) }

func compile(action domain.Action, e Expr) domain.Predicate {
	p := domain.Predicate{Action: action}
	p.Root = appendExpr(&p.Nodes, e)
	return p
}

func appendExpr(nodes *[]domain.PredicateNode, e Expr) int {
	idx := len(*nodes)
	*nodes = append(*nodes, e.node)
	var children []int
	for _, c := range e.children {
		children = append(children, appendExpr(nodes, c))
	}
	(*nodes)[idx].Children = children
	return idx
}
