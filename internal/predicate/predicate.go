// Package predicate defines the immutable predicate algebra: field
// references, tagged values, and the closed set of predicate AST node
// variants (spec §3–4.1). Nodes are constructed once and never mutated;
// equality is structural.
package predicate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s matches the identifier grammar shared by
// field names, join names, and synonym/stopword ids (spec §6).
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// FieldRef names a field, optionally qualified by a joined association.
type FieldRef struct {
	Name  string
	Assoc string // empty means not joined
}

// Joined reports whether the ref targets an associated collection.
func (f FieldRef) Joined() bool { return f.Assoc != "" }

// String renders the canonical "$<assoc>.<name>" / "<name>" form.
func (f FieldRef) String() string {
	if f.Joined() {
		return fmt.Sprintf("$%s.%s", f.Assoc, f.Name)
	}
	return f.Name
}

// ParseFieldRef parses "$assoc.name" or "name" into a FieldRef.
func ParseFieldRef(s string) (FieldRef, error) {
	if strings.HasPrefix(s, "$") {
		rest := s[1:]
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			return FieldRef{}, fmt.Errorf("invalid joined field ref %q: missing '.'", s)
		}
		assoc, name := rest[:dot], rest[dot+1:]
		if !ValidIdent(assoc) || !ValidIdent(name) {
			return FieldRef{}, fmt.Errorf("invalid joined field ref %q", s)
		}
		return FieldRef{Name: name, Assoc: assoc}, nil
	}
	if !ValidIdent(s) {
		return FieldRef{}, fmt.Errorf("invalid field ref %q", s)
	}
	return FieldRef{Name: s}, nil
}

// ValueKind tags a Value's variant.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueList
)

// Value is a tagged scalar or a flat list of scalars. Nested lists are
// rejected at construction time (spec §3).
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	List  []Value
}

func Null() Value            { return Value{Kind: ValueNull} }
func Bool(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }
func Int(i int64) Value      { return Value{Kind: ValueInt, Int: i} }
func Float(f float64) Value  { return Value{Kind: ValueFloat, Float: f} }
func Str(s string) Value     { return Value{Kind: ValueString, Str: s} }

// List builds a membership list. Returns an error if it is empty, contains
// a nested list, or is mixed in an unsupported way (nested lists only; mixed
// scalars are explicitly allowed per spec §3).
func List(items ...Value) (Value, error) {
	if len(items) == 0 {
		return Value{}, fmt.Errorf("list value must be non-empty")
	}
	for _, it := range items {
		if it.Kind == ValueList {
			return Value{}, fmt.Errorf("nested lists are not allowed")
		}
	}
	return Value{Kind: ValueList, List: append([]Value(nil), items...)}, nil
}

// Equal performs structural equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueNull:
		return true
	case ValueBool:
		return v.Bool == o.Bool
	case ValueInt:
		return v.Int == o.Int
	case ValueFloat:
		return v.Float == o.Float
	case ValueString:
		return v.Str == o.Str
	case ValueList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// NodeKind tags a PredicateNode's variant (spec §3 PredicateNode sum type).
type NodeKind int

const (
	NodeEq NodeKind = iota
	NodeNotEq
	NodeGt
	NodeGte
	NodeLt
	NodeLte
	NodeIn
	NodeNotIn
	NodeMatches
	NodePrefix
	NodeAnd
	NodeOr
	NodeGroup
	NodeRaw
)

// Node is the closed predicate AST variant. Immutable after construction;
// callers must treat all fields as read-only. Equality is structural via
// Equal, matching the teacher's closed ast.Term/ast.Clause variant
// traversal style (internal/mangle/transpiler/sanitizer.go) generalized
// from Datalog atoms to comparison/boolean/membership nodes.
type Node struct {
	Kind NodeKind

	// Binary comparisons (Eq/NotEq/Gt/Gte/Lt/Lte) and Matches/Prefix.
	Field   FieldRef
	Value   Value  // comparison rhs
	Pattern string // Matches pattern
	Prefix  string // Prefix string

	// Membership (In/NotIn): Field + List (Value.Kind == ValueList).
	List Value

	// Boolean (And/Or): Children.
	Children []Node

	// Group: single child.
	Child *Node

	// Raw: opaque pass-through fragment.
	Raw string
}

func Eq(f FieldRef, v Value) Node    { return Node{Kind: NodeEq, Field: f, Value: v} }
func NotEq(f FieldRef, v Value) Node { return Node{Kind: NodeNotEq, Field: f, Value: v} }
func Gt(f FieldRef, v Value) Node    { return Node{Kind: NodeGt, Field: f, Value: v} }
func Gte(f FieldRef, v Value) Node   { return Node{Kind: NodeGte, Field: f, Value: v} }
func Lt(f FieldRef, v Value) Node    { return Node{Kind: NodeLt, Field: f, Value: v} }
func Lte(f FieldRef, v Value) Node   { return Node{Kind: NodeLte, Field: f, Value: v} }

// In builds a membership node. Returns an error if list is empty (spec §8
// boundary: in_([]) rejected).
func In(f FieldRef, list Value) (Node, error) {
	if list.Kind != ValueList || len(list.List) == 0 {
		return Node{}, fmt.Errorf("in() requires a non-empty list")
	}
	return Node{Kind: NodeIn, Field: f, List: list}, nil
}

// NotIn builds a negated membership node; same non-empty rule as In.
func NotIn(f FieldRef, list Value) (Node, error) {
	if list.Kind != ValueList || len(list.List) == 0 {
		return Node{}, fmt.Errorf("not_in() requires a non-empty list")
	}
	return Node{Kind: NodeNotIn, Field: f, List: list}, nil
}

func Matches(f FieldRef, pattern string) Node { return Node{Kind: NodeMatches, Field: f, Pattern: pattern} }
func Prefix(f FieldRef, prefix string) Node   { return Node{Kind: NodePrefix, Field: f, Prefix: prefix} }

// And builds a conjunction. A single-element And is preserved as-is (no
// flattening) so compiler traversal order stays deterministic and tests can
// rely on exact structure.
func And(children ...Node) Node { return Node{Kind: NodeAnd, Children: append([]Node(nil), children...)} }

func Or(children ...Node) Node { return Node{Kind: NodeOr, Children: append([]Node(nil), children...)} }

// Group forces explicit parenthesization of child in the compiler.
func Group(child Node) Node { return Node{Kind: NodeGroup, Child: &child} }

// RawNode is the escape hatch: an opaque fragment passed through verbatim.
func RawNode(fragment string) Node { return Node{Kind: NodeRaw, Raw: fragment} }

// Equal performs deep structural equality between two nodes.
func (n Node) Equal(o Node) bool {
	if n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case NodeEq, NodeNotEq, NodeGt, NodeGte, NodeLt, NodeLte:
		return n.Field == o.Field && n.Value.Equal(o.Value)
	case NodeIn, NodeNotIn:
		return n.Field == o.Field && n.List.Equal(o.List)
	case NodeMatches:
		return n.Field == o.Field && n.Pattern == o.Pattern
	case NodePrefix:
		return n.Field == o.Field && n.Prefix == o.Prefix
	case NodeAnd, NodeOr:
		if len(n.Children) != len(o.Children) {
			return false
		}
		for i := range n.Children {
			if !n.Children[i].Equal(o.Children[i]) {
				return false
			}
		}
		return true
	case NodeGroup:
		if n.Child == nil || o.Child == nil {
			return n.Child == o.Child
		}
		return n.Child.Equal(*o.Child)
	case NodeRaw:
		return n.Raw == o.Raw
	}
	return false
}

// Hash computes a deterministic structural hash, used by caches and tests
// (spec §4.1: "a deterministic hash are required").
func (n Node) Hash() uint64 {
	const fnvOffset, fnvPrime = 14695981039346656037, 1099511628211
	h := uint64(fnvOffset)
	mix := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= fnvPrime
		}
	}
	var mixValue func(v Value)
	mixValue = func(v Value) {
		mix(fmt.Sprintf("v%d", v.Kind))
		switch v.Kind {
		case ValueBool:
			mix(fmt.Sprintf("%v", v.Bool))
		case ValueInt:
			mix(fmt.Sprintf("%d", v.Int))
		case ValueFloat:
			mix(fmt.Sprintf("%v", v.Float))
		case ValueString:
			mix(v.Str)
		case ValueList:
			for _, it := range v.List {
				mixValue(it)
			}
		}
	}
	mix(fmt.Sprintf("k%d", n.Kind))
	mix(n.Field.String())
	switch n.Kind {
	case NodeEq, NodeNotEq, NodeGt, NodeGte, NodeLt, NodeLte:
		mixValue(n.Value)
	case NodeIn, NodeNotIn:
		mixValue(n.List)
	case NodeMatches:
		mix(n.Pattern)
	case NodePrefix:
		mix(n.Prefix)
	case NodeAnd, NodeOr:
		for _, c := range n.Children {
			mix(fmt.Sprintf("%d", c.Hash()))
		}
	case NodeGroup:
		if n.Child != nil {
			mix(fmt.Sprintf("%d", n.Child.Hash()))
		}
	case NodeRaw:
		mix(n.Raw)
	}
	return h
}

// SortedFieldNames returns the set of field names referenced transitively
// by nodes, sorted for deterministic "did you mean" suggestion ordering.
func SortedFieldNames(nodes []Node) []string {
	seen := map[string]bool{}
	var walk func(n Node)
	walk = func(n Node) {
		if n.Field.Name != "" {
			seen[n.Field.String()] = true
		}
		for _, c := range n.Children {
			walk(c)
		}
		if n.Child != nil {
			walk(*n.Child)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
