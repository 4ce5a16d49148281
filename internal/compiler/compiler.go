// Package compiler renders a predicate AST into the backend's filter
// grammar string (spec §4.3). Compilation is a pure function, O(N) in node
// count, with no allocation beyond the output string and per-level
// intermediate slices — mirroring the teacher's separation of pure
// transform stages from stateful engine bookkeeping in
// internal/mangle/engine.go.
package compiler

import (
	"strings"

	"tscore/internal/errs"
	"tscore/internal/predicate"
	"tscore/internal/sanitize"
)

// Precedence levels (spec §4.3): comparison/membership > AND(20) > OR(10).
const (
	precComparison = 30
	precAnd        = 20
	precOr         = 10
	precAtom       = 100 // Raw, Group — always treated as atomic by the parent
)

// Options configures target-grammar support. Reserved for grammar-specific
// switches as new backends are added; none are defined yet since the one
// supported grammar raises UnsupportedNode for every MATCHES/PREFIX node
// (spec open question (a): raise, do not degrade to Raw).
type Options struct{}

// Compile renders a single node to its filter-grammar string.
func Compile(node predicate.Node, opts Options) (string, error) {
	return CompileAll([]predicate.Node{node}, opts)
}

// CompileAll renders a slice of nodes combined by implicit AND at the top
// level (spec §4.3).
func CompileAll(nodes []predicate.Node, opts Options) (string, error) {
	nodes, err := foldJoins(nodes)
	if err != nil {
		return "", err
	}
	// A lone top-level node has no sibling to bind against, so it is never
	// wrapped; several nodes are joined by AND and wrapped like AND children.
	parent := precAnd
	if len(nodes) == 1 {
		parent = 0
	}
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		s, err := compileNode(n, opts, parent)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " && "), nil
}

func precedenceOf(n predicate.Node) int {
	switch n.Kind {
	case predicate.NodeAnd:
		return precAnd
	case predicate.NodeOr:
		return precOr
	case predicate.NodeGroup, predicate.NodeRaw:
		return precAtom
	default:
		return precComparison
	}
}

// compileNode renders n, wrapping it in parens iff its precedence is lower
// than parentPrec (spec §4.3 parenthesization rule).
func compileNode(n predicate.Node, opts Options, parentPrec int) (string, error) {
	switch n.Kind {
	case predicate.NodeEq, predicate.NodeNotEq, predicate.NodeGt, predicate.NodeGte, predicate.NodeLt, predicate.NodeLte:
		return compileComparison(n)
	case predicate.NodeIn, predicate.NodeNotIn:
		return compileMembership(n)
	case predicate.NodeMatches:
		return "", errs.New(errs.KindUnsupportedNode, "MATCHES is not supported by the target filter grammar")
	case predicate.NodePrefix:
		return "", errs.New(errs.KindUnsupportedNode, "PREFIX is not supported by the target filter grammar")
	case predicate.NodeAnd:
		return wrapIfNeeded(compileAnd(n, opts), precAnd, parentPrec)
	case predicate.NodeOr:
		return wrapIfNeeded(compileOr(n, opts), precOr, parentPrec)
	case predicate.NodeGroup:
		inner, err := compileNode(*n.Child, opts, 0)
		if err != nil {
			return "", err
		}
		return "(" + inner + ")", nil
	case predicate.NodeRaw:
		return n.Raw, nil
	default:
		return "", errs.New(errs.KindUnsupportedNode, "unknown predicate node kind %d", n.Kind)
	}
}

// wrapIfNeeded evaluates a (string, error) producer and parenthesizes the
// result when its own precedence is lower than the parent's.
func wrapIfNeeded(f func() (string, error), ownPrec, parentPrec int) (string, error) {
	s, err := f()
	if err != nil {
		return "", err
	}
	if ownPrec < parentPrec {
		return "(" + s + ")", nil
	}
	return s, nil
}

func compileComparison(n predicate.Node) (string, error) {
	if n.Field.Joined() {
		return compileJoinedComparison(n)
	}
	op, err := opToken(n.Kind)
	if err != nil {
		return "", err
	}
	rhs, err := sanitize.Quote(n.Value)
	if err != nil {
		return "", err
	}
	return n.Field.Name + ":" + op + rhs, nil
}

func compileMembership(n predicate.Node) (string, error) {
	inner, err := membershipExpr(n)
	if err != nil {
		return "", err
	}
	if n.Field.Joined() {
		// Reached only when a joined membership predicate appears outside
		// an AND's join-folding (e.g. wrapped directly in a Group); a
		// folded sibling group instead produces this same text via
		// foldedJoinNode/innerJoinedExpr.
		return "$" + n.Field.Assoc + "(" + inner + ")", nil
	}
	return inner, nil
}

func membershipExpr(n predicate.Node) (string, error) {
	op := "="
	if n.Kind == predicate.NodeNotIn {
		op = "!="
	}
	list, err := sanitize.QuoteList(n.List)
	if err != nil {
		return "", err
	}
	return n.Field.Name + ":" + op + list, nil
}

func opToken(kind predicate.NodeKind) (string, error) {
	switch kind {
	case predicate.NodeEq:
		return "=", nil
	case predicate.NodeNotEq:
		return "!=", nil
	case predicate.NodeGt:
		return ">", nil
	case predicate.NodeGte:
		return ">=", nil
	case predicate.NodeLt:
		return "<", nil
	case predicate.NodeLte:
		return "<=", nil
	default:
		return "", errs.New(errs.KindUnsupportedNode, "not a comparison node kind: %d", kind)
	}
}

// compileJoinedComparison renders a single joined predicate as
// "$assoc(field OP rhs)" — used only when it was not folded into a sibling
// group by foldJoins (e.g. a lone joined predicate outside any AND).
func compileJoinedComparison(n predicate.Node) (string, error) {
	op, err := opToken(n.Kind)
	if err != nil {
		return "", err
	}
	rhs, err := sanitize.Quote(n.Value)
	if err != nil {
		return "", err
	}
	inner := n.Field.Name + ":" + op + rhs
	return "$" + n.Field.Assoc + "(" + inner + ")", nil
}

func innerJoinedExpr(n predicate.Node) (string, error) {
	switch n.Kind {
	case predicate.NodeEq, predicate.NodeNotEq, predicate.NodeGt, predicate.NodeGte, predicate.NodeLt, predicate.NodeLte:
		op, err := opToken(n.Kind)
		if err != nil {
			return "", err
		}
		rhs, err := sanitize.Quote(n.Value)
		if err != nil {
			return "", err
		}
		return n.Field.Name + ":" + op + rhs, nil
	case predicate.NodeIn, predicate.NodeNotIn:
		return membershipExpr(n)
	default:
		return "", errs.New(errs.KindInvalidJoin, "join folding only supports comparison/membership predicates")
	}
}

// compileAnd joins children with " && ", wrapping each child that binds
// looser than AND. CompileAll folds joins only across its top-level slice,
// so compileAnd folds its own children before rendering them, at any depth.
// Folding is idempotent: a folded group is a Raw node, which is never
// joinable again.
func compileAnd(n predicate.Node, opts Options) func() (string, error) {
	return func() (string, error) {
		children, err := foldJoins(n.Children)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(children))
		for _, c := range children {
			s, err := compileNode(c, opts, precAnd)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " && "), nil
	}
}

// compileOr joins children with " || ". Per spec §4.3: "on OR, when the
// right-hand child is an AND, it is always wrapped for clarity" — we
// generalize this to every non-leftmost AND child, since OR can have more
// than two children and the rule's intent (avoid ambiguous-looking
// A || B && C) applies to all of them.
func compileOr(n predicate.Node, opts Options) func() (string, error) {
	return func() (string, error) {
		parts := make([]string, 0, len(n.Children))
		for i, c := range n.Children {
			parent := precOr
			if i > 0 && c.Kind == predicate.NodeAnd {
				parent = precAnd + 1 // force wrap regardless of AND's own precedence
			}
			s, err := compileNode(c, opts, parent)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " || "), nil
	}
}

// foldJoins merges sibling comparison/membership predicates on the same
// joined association into a single "$assoc(p1 && p2 ...)" token, emitted at
// the first position the association appeared; other children keep their
// relative positions (spec §4.3 "Join folding").
func foldJoins(nodes []predicate.Node) ([]predicate.Node, error) {
	groups := map[string][]predicate.Node{}
	order := []string{}

	out := make([]predicate.Node, 0, len(nodes))
	placeholderIdx := map[string]int{}

	for _, n := range nodes {
		if isJoinable(n) {
			assoc := n.Field.Assoc
			if _, ok := placeholderIdx[assoc]; !ok {
				out = append(out, predicate.RawNode("")) // placeholder
				placeholderIdx[assoc] = len(out) - 1
				order = append(order, assoc)
			}
			groups[assoc] = append(groups[assoc], n)
			continue
		}
		out = append(out, n)
	}

	if len(order) == 0 {
		return nodes, nil
	}

	for _, assoc := range order {
		folded, err := foldedJoinNode(assoc, groups[assoc])
		if err != nil {
			return nil, err
		}
		out[placeholderIdx[assoc]] = folded
	}
	return out, nil
}

func isJoinable(n predicate.Node) bool {
	if !n.Field.Joined() {
		return false
	}
	switch n.Kind {
	case predicate.NodeEq, predicate.NodeNotEq, predicate.NodeGt, predicate.NodeGte, predicate.NodeLt, predicate.NodeLte,
		predicate.NodeIn, predicate.NodeNotIn:
		return true
	default:
		return false
	}
}

// foldedJoinNode builds a Raw node carrying the pre-rendered
// "$assoc(inner && inner ...)" text. Rendering happens here (not deferred)
// so compileNode can treat it as an atomic Raw token during the main
// traversal, keeping that traversal free of join-specific branches.
func foldedJoinNode(assoc string, preds []predicate.Node) (predicate.Node, error) {
	inners := make([]string, 0, len(preds))
	for _, p := range preds {
		s, err := innerJoinedExpr(p)
		if err != nil {
			return predicate.Node{}, err
		}
		inners = append(inners, s)
	}
	return predicate.RawNode("$" + assoc + "(" + strings.Join(inners, " && ") + ")"), nil
}
