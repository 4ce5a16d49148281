// Package relation implements the immutable, copy-on-write query builder
// (spec §4.5 / C6): each chainer returns a new frozen Relation with
// deep-duplicated state. Load issues at most one search request per
// instance and memoizes its result under a mutex; Count and Exists on a
// relation that has not been loaded issue their own minimal request, which
// is not memoized.
//
// Grounded on internal/mangle/engine.go's sync.Mutex-guarded engine state
// and its double-checked "compute once, cache under lock" pattern,
// generalized from "rebuild a Datalog program" to "issue one search
// request and memoize the result".
package relation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tscore/internal/compiler"
	"tscore/internal/errs"
	"tscore/internal/predicate"
	"tscore/internal/registry"
	"tscore/internal/sanitize"
	"tscore/internal/transport"
)

// Order is one resolved sort key (spec §3 Order).
type Order struct {
	Field string
	Dir   string // "asc" | "desc"
}

// state is the frozen, deep-copyable payload every Relation wraps. It is
// never mutated after a Relation is built; chainers always clone it.
type state struct {
	wheres      []predicate.Node
	orders      []Order
	orderSeen   map[string]int // field -> index into orders, for last-occurrence-wins
	selection   []string
	selectSeen  map[string]bool
	limit       *int
	offset      *int
	page        *int
	perPage     *int
	opts        map[string]any
}

func newState() *state {
	return &state{orderSeen: map[string]int{}, selectSeen: map[string]bool{}, opts: map[string]any{}}
}

func (s *state) clone() *state {
	n := newState()
	n.wheres = append([]predicate.Node(nil), s.wheres...)
	n.orders = append([]Order(nil), s.orders...)
	for k, v := range s.orderSeen {
		n.orderSeen[k] = v
	}
	n.selection = append([]string(nil), s.selection...)
	for k, v := range s.selectSeen {
		n.selectSeen[k] = v
	}
	if s.limit != nil {
		v := *s.limit
		n.limit = &v
	}
	if s.offset != nil {
		v := *s.offset
		n.offset = &v
	}
	if s.page != nil {
		v := *s.page
		n.page = &v
	}
	if s.perPage != nil {
		v := *s.perPage
		n.perPage = &v
	}
	for k, v := range s.opts {
		n.opts[k] = v
	}
	return n
}

// Relation is an immutable query builder bound to one collection. Every
// chainer returns a brand-new *Relation; the receiver is never mutated.
type Relation struct {
	client         *transport.Client
	model          *registry.ModelDef // nil when the collection is unregistered
	collection     string
	defaultQueryBy string
	compilerOpts   compiler.Options
	st             *state

	mu     sync.Mutex
	loaded bool
	result *Result
	loadErr error
}

// New starts a fresh relation over collection. model may be nil for
// unregistered collections (selection/field validation is then skipped,
// spec §4.5 "unknown fields rejected when attributes are declared").
func New(client *transport.Client, model *registry.ModelDef, collection, defaultQueryBy string, opts compiler.Options) *Relation {
	return &Relation{
		client:         client,
		model:          model,
		collection:     collection,
		defaultQueryBy: defaultQueryBy,
		compilerOpts:   opts,
		st:             newState(),
	}
}

// clone produces a new Relation sharing immutable config fields but with
// frozen, independently-owned state and reset materialization cache.
func (r *Relation) clone() *Relation {
	return &Relation{
		client:         r.client,
		model:          r.model,
		collection:     r.collection,
		defaultQueryBy: r.defaultQueryBy,
		compilerOpts:   r.compilerOpts,
		st:             r.st.clone(),
	}
}

// Collection returns the collection (or alias) this relation targets,
// used by the multi-search collector to label per-search payloads.
func (r *Relation) Collection() string {
	return r.collection
}

func (r *Relation) knownField(name string) bool {
	if r.model == nil {
		return true
	}
	_, ok := r.model.Attribute(name)
	return ok
}

// Where parses args and appends predicates (spec §4.5 `where`). Supported
// forms: a predicate.Node, a []predicate.Node, a map[string]any (rendered
// as an implicit conjunction: scalar values become equality predicates,
// list values membership predicates, and operator maps such as
// {"gte": 30} comparison predicates), or a string — either
// a bare raw filter fragment, or a template followed by positional `?`
// args substituted via the sanitizer.
func (r *Relation) Where(args ...any) (*Relation, error) {
	nodes, err := parseWhereArgs(args)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if err := r.validateFieldNames(n); err != nil {
			return nil, err
		}
	}
	next := r.clone()
	next.st.wheres = append(next.st.wheres, nodes...)
	return next, nil
}

// Rewhere replaces all accumulated predicates with the parse of args.
func (r *Relation) Rewhere(args ...any) (*Relation, error) {
	nodes, err := parseWhereArgs(args)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if err := r.validateFieldNames(n); err != nil {
			return nil, err
		}
	}
	next := r.clone()
	next.st.wheres = append([]predicate.Node(nil), nodes...)
	return next, nil
}

func (r *Relation) validateFieldNames(n predicate.Node) error {
	for _, name := range predicate.SortedFieldNames([]predicate.Node{n}) {
		bare := strings.TrimPrefix(name, "$")
		if dot := strings.IndexByte(bare, '.'); dot >= 0 {
			bare = bare[dot+1:]
		}
		if !r.knownField(bare) {
			e := errs.New(errs.KindUnknownField, "unknown field %q", bare)
			if r.model != nil {
				e = e.WithSuggestions(r.model.KnownFieldNames()...)
			}
			return e
		}
	}
	return nil
}

// Order appends order clauses; the last occurrence of a field wins and
// keeps its original position (spec §4.5 `order`).
func (r *Relation) Order(x any) (*Relation, error) {
	orders, err := parseOrder(x)
	if err != nil {
		return nil, err
	}
	next := r.clone()
	for _, o := range orders {
		if !r.knownField(o.Field) {
			return nil, errs.New(errs.KindUnknownField, "unknown sort field %q", o.Field)
		}
		if idx, ok := next.st.orderSeen[o.Field]; ok {
			next.st.orders[idx] = o
		} else {
			next.st.orderSeen[o.Field] = len(next.st.orders)
			next.st.orders = append(next.st.orders, o)
		}
	}
	return next, nil
}

// Select appends to the projection, deduping while preserving first
// occurrence order.
func (r *Relation) Select(fields ...string) (*Relation, error) {
	return r.selectImpl(fields, false)
}

// Reselect replaces the projection entirely.
func (r *Relation) Reselect(fields ...string) (*Relation, error) {
	return r.selectImpl(fields, true)
}

func (r *Relation) selectImpl(fields []string, replace bool) (*Relation, error) {
	for _, f := range fields {
		if !r.knownField(f) {
			e := errs.New(errs.KindUnknownField, "unknown field %q", f)
			if r.model != nil {
				e = e.WithSuggestions(r.model.KnownFieldNames()...)
			}
			return nil, e
		}
	}
	next := r.clone()
	if replace {
		next.st.selection = nil
		next.st.selectSeen = map[string]bool{}
	}
	for _, f := range fields {
		if next.st.selectSeen[f] {
			continue
		}
		next.st.selectSeen[f] = true
		next.st.selection = append(next.st.selection, f)
	}
	return next, nil
}

// Limit sets the page size (spec §4.5: limit >= 1).
func (r *Relation) Limit(n int) (*Relation, error) {
	if n < 1 {
		return nil, errs.New(errs.KindInvalidParams, "limit must be >= 1, got %d", n)
	}
	next := r.clone()
	next.st.limit = &n
	return next, nil
}

// Offset sets the result offset (spec §4.5: offset >= 0).
func (r *Relation) Offset(n int) (*Relation, error) {
	if n < 0 {
		return nil, errs.New(errs.KindInvalidParams, "offset must be >= 0, got %d", n)
	}
	next := r.clone()
	next.st.offset = &n
	return next, nil
}

// Page sets the explicit page number (spec §4.5: page >= 1).
func (r *Relation) Page(n int) (*Relation, error) {
	if n < 1 {
		return nil, errs.New(errs.KindInvalidParams, "page must be >= 1, got %d", n)
	}
	next := r.clone()
	next.st.page = &n
	return next, nil
}

// PerPage sets the explicit per_page value (spec §4.5: per_page >= 1).
func (r *Relation) PerPage(n int) (*Relation, error) {
	if n < 1 {
		return nil, errs.New(errs.KindInvalidParams, "per_page must be >= 1, got %d", n)
	}
	next := r.clone()
	next.st.perPage = &n
	return next, nil
}

// Options shallow-merges h into the relation's option map (spec §4.5
// `options`). Compile reads only "q", "query_by" and "infix" from it; every
// other key, such as a cache knob, never enters the compiled params.
func (r *Relation) Options(h map[string]any) *Relation {
	next := r.clone()
	for k, v := range h {
		next.st.opts[k] = v
	}
	return next
}

// UnscopeParts are the recognized clearable state components.
const (
	UnscopeWhere   = "where"
	UnscopeOrder   = "order"
	UnscopeSelect  = "select"
	UnscopeLimit   = "limit"
	UnscopeOffset  = "offset"
	UnscopePage    = "page"
	UnscopePerPage = "per"
)

// Unscope clears the named state components (spec §4.5 `unscope`).
func (r *Relation) Unscope(parts ...string) (*Relation, error) {
	next := r.clone()
	for _, p := range parts {
		switch p {
		case UnscopeWhere:
			next.st.wheres = nil
		case UnscopeOrder:
			next.st.orders = nil
			next.st.orderSeen = map[string]int{}
		case UnscopeSelect:
			next.st.selection = nil
			next.st.selectSeen = map[string]bool{}
		case UnscopeLimit:
			next.st.limit = nil
		case UnscopeOffset:
			next.st.offset = nil
		case UnscopePage:
			next.st.page = nil
		case UnscopePerPage:
			next.st.perPage = nil
		default:
			return nil, errs.New(errs.KindInvalidParams, "unscope: unknown part %q", p)
		}
	}
	return next, nil
}

// Param is one canonical key/value pair in compiled backend params. Order
// matters: it is the wire-stable order tests and callers rely on.
type Param struct {
	Key   string
	Value string
}

// CompiledParams is the canonical, insertion-ordered compiled parameter
// set (spec §4.5 "canonical, insertion-ordered map").
type CompiledParams struct {
	Pairs []Param
}

// Map renders the pairs as a plain map, for callers that don't need order.
func (c CompiledParams) Map() map[string]string {
	out := make(map[string]string, len(c.Pairs))
	for _, p := range c.Pairs {
		out[p.Key] = p.Value
	}
	return out
}

// Compile renders the relation's accumulated state into the canonical
// backend parameter sequence: q, query_by, filter_by, sort_by,
// include_fields, page, per_page, infix (spec §4.5).
func (r *Relation) Compile() (CompiledParams, error) {
	var out CompiledParams

	q, _ := r.st.opts["q"].(string)
	if q == "" {
		q = "*"
	}
	out.Pairs = append(out.Pairs, Param{"q", q})

	queryBy, _ := r.st.opts["query_by"].(string)
	if queryBy == "" {
		queryBy = r.defaultQueryBy
	}
	if queryBy != "" {
		out.Pairs = append(out.Pairs, Param{"query_by", queryBy})
	}

	if len(r.st.wheres) > 0 {
		filterBy, err := compiler.CompileAll(r.st.wheres, r.compilerOpts)
		if err != nil {
			return CompiledParams{}, err
		}
		if filterBy != "" {
			out.Pairs = append(out.Pairs, Param{"filter_by", filterBy})
		}
	}

	if len(r.st.orders) > 0 {
		parts := make([]string, len(r.st.orders))
		for i, o := range r.st.orders {
			parts[i] = o.Field + ":" + o.Dir
		}
		out.Pairs = append(out.Pairs, Param{"sort_by", strings.Join(parts, ",")})
	}

	if len(r.st.selection) > 0 {
		out.Pairs = append(out.Pairs, Param{"include_fields", strings.Join(r.st.selection, ",")})
	}

	page, perPage := r.effectivePagination()
	if page > 0 {
		out.Pairs = append(out.Pairs, Param{"page", strconv.Itoa(page)})
	}
	if perPage > 0 {
		out.Pairs = append(out.Pairs, Param{"per_page", strconv.Itoa(perPage)})
	}

	if infix, ok := r.st.opts["infix"].(string); ok && infix != "" {
		out.Pairs = append(out.Pairs, Param{"infix", infix})
	}

	return out, nil
}

// effectivePagination implements spec §4.5: explicit page/per_page win;
// else derive page = floor(offset/limit)+1, per_page = limit when a limit
// exists; otherwise omit both.
func (r *Relation) effectivePagination() (page, perPage int) {
	if r.st.page != nil || r.st.perPage != nil {
		if r.st.page != nil {
			page = *r.st.page
		}
		if r.st.perPage != nil {
			perPage = *r.st.perPage
		}
		return
	}
	if r.st.limit != nil {
		limit := *r.st.limit
		offset := 0
		if r.st.offset != nil {
			offset = *r.st.offset
		}
		return offset/limit + 1, limit
	}
	return 0, 0
}

// bodyMap renders Compile()'s pairs into the JSON body transport.Search
// expects, excluding URL-only knobs (cache controls never enter the body,
// spec §4.5).
func (c CompiledParams) bodyMap() map[string]any {
	m := make(map[string]any, len(c.Pairs))
	for _, p := range c.Pairs {
		m[p.Key] = p.Value
	}
	return m
}

// Result is one materialized search response (spec §4.5 Materialization).
type Result struct {
	Hits  []map[string]any `json:"hits"`
	Found int              `json:"found"`
	Page  int              `json:"page"`
}

type rawHit struct {
	Document map[string]any `json:"document"`
}

type rawSearchResponse struct {
	Hits  []rawHit `json:"hits"`
	Found int      `json:"found"`
	Page  int      `json:"page"`
}

// Load executes exactly one backend request per relation instance and
// memoizes the result under a mutex (spec §4.5 Materialization).
func (r *Relation) Load(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.result, r.loadErr
	}
	result, err := r.execute(ctx, nil)
	r.loaded = true
	r.result, r.loadErr = result, err
	return result, err
}

// execute issues one search call, optionally overriding compiled params
// (used by Count/Exists to request a minimal page).
func (r *Relation) execute(ctx context.Context, override map[string]string) (*Result, error) {
	compiled, err := r.Compile()
	if err != nil {
		return nil, err
	}
	body := compiled.bodyMap()
	for k, v := range override {
		body[k] = v
	}
	resp, err := r.client.Search(ctx, r.collection, body, nil)
	if err != nil {
		return nil, err
	}
	var raw rawSearchResponse
	if err := resp.JSON(&raw); err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "decoding search response")
	}
	hits := make([]map[string]any, len(raw.Hits))
	for i, h := range raw.Hits {
		hits[i] = h.Document
	}
	return &Result{Hits: hits, Found: raw.Found, Page: raw.Page}, nil
}

// Count returns the total match count, using a minimal request
// (per_page=1, include_fields=id) when the relation has not been loaded
// yet (spec §4.5).
func (r *Relation) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.result.Found, r.loadErr
	}
	result, err := r.execute(ctx, map[string]string{"per_page": "1", "include_fields": "id"})
	if err != nil {
		return 0, err
	}
	return result.Found, nil
}

// Exists reports whether Count() > 0.
func (r *Relation) Exists(ctx context.Context) (bool, error) {
	n, err := r.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Pluck materializes the relation (if needed) and extracts fields from
// each hit, failing fast if any requested field is excluded by the
// effective selection (spec §4.5).
func (r *Relation) Pluck(ctx context.Context, fields ...string) ([]map[string]any, error) {
	if len(r.st.selection) > 0 {
		allowed := map[string]bool{}
		for _, s := range r.st.selection {
			allowed[s] = true
		}
		for _, f := range fields {
			if !allowed[f] {
				return nil, errs.New(errs.KindConflictingSelection,
					"pluck field %q is excluded by the effective selection", f)
			}
		}
	}
	result, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(result.Hits))
	for i, hit := range result.Hits {
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			row[f] = hit[f]
		}
		out[i] = row
	}
	return out, nil
}

func parseOrder(x any) ([]Order, error) {
	switch v := x.(type) {
	case string:
		return parseOrderString(v)
	case []string:
		var out []Order
		for _, s := range v {
			os, err := parseOrderString(s)
			if err != nil {
				return nil, err
			}
			out = append(out, os...)
		}
		return out, nil
	case map[string]string:
		var out []Order
		for f, d := range v {
			o, err := newOrder(f, d)
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
		return out, nil
	default:
		return nil, errs.New(errs.KindInvalidParams, "unsupported order() input type %T", x)
	}
}

func parseOrderString(s string) ([]Order, error) {
	var out []Order
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pieces := strings.SplitN(part, ":", 2)
		field := pieces[0]
		dir := "asc"
		if len(pieces) == 2 {
			dir = pieces[1]
		}
		o, err := newOrder(field, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func newOrder(field, dir string) (Order, error) {
	dir = strings.ToLower(strings.TrimSpace(dir))
	if dir != "asc" && dir != "desc" {
		return Order{}, errs.New(errs.KindInvalidParams, "order direction must be asc|desc, got %q", dir)
	}
	field = strings.TrimSpace(field)
	if !predicate.ValidIdent(field) {
		return Order{}, errs.New(errs.KindInvalidField, "invalid sort field %q", field)
	}
	return Order{Field: field, Dir: dir}, nil
}

func parseWhereArgs(args []any) ([]predicate.Node, error) {
	if len(args) == 0 {
		return nil, nil
	}
	switch first := args[0].(type) {
	case predicate.Node:
		return []predicate.Node{first}, nil
	case []predicate.Node:
		return first, nil
	case map[string]any:
		return whereHash(first)
	case string:
		if len(args) == 1 {
			return []predicate.Node{predicate.RawNode(first)}, nil
		}
		rendered, err := renderTemplate(first, args[1:])
		if err != nil {
			return nil, err
		}
		return []predicate.Node{predicate.RawNode(rendered)}, nil
	default:
		return nil, errs.New(errs.KindInvalidType, "unsupported where() input type %T", first)
	}
}

// whereHash renders a map[string]any into an implicit conjunction, sorted
// by field name for determinism: scalars become equality predicates, lists
// membership predicates, and operator maps comparison predicates.
func whereHash(h map[string]any) ([]predicate.Node, error) {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	var nodes []predicate.Node
	for _, name := range names {
		ref, err := predicate.ParseFieldRef(name)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidField, err, "where(): invalid field %q", name)
		}
		if ops, ok := h[name].(map[string]any); ok {
			opNodes, err := operatorHashNodes(ref, ops)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, opNodes...)
			continue
		}
		val, err := valueOf(h[name])
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidType, err, "where(): field %q", name)
		}
		if val.Kind == predicate.ValueList {
			n, err := predicate.In(ref, val)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidType, err, "where(): field %q", name)
			}
			nodes = append(nodes, n)
			continue
		}
		nodes = append(nodes, predicate.Eq(ref, val))
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	if len(nodes) == 1 {
		return nodes, nil
	}
	return []predicate.Node{predicate.And(nodes...)}, nil
}

// comparisonOps maps the operator-hash keys a where() value map may carry
// (e.g. {gte: 30}) to the predicate comparison constructor they compile
// to, covering spec §8 scenario 2's `{gte: 30}`-style Hash form.
var comparisonOps = map[string]func(predicate.FieldRef, predicate.Value) predicate.Node{
	"gte": predicate.Gte,
	"gt":  predicate.Gt,
	"lte": predicate.Lte,
	"lt":  predicate.Lt,
	"ne":  predicate.NotEq,
	"not": predicate.NotEq,
}

// operatorHashNodes renders one field's operator-hash value (e.g.
// {gte: 30, lt: 50}) into its comparison nodes, sorted by operator key
// for determinism.
func operatorHashNodes(ref predicate.FieldRef, ops map[string]any) ([]predicate.Node, error) {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]predicate.Node, 0, len(keys))
	for _, k := range keys {
		ctor, ok := comparisonOps[k]
		if !ok {
			return nil, errs.New(errs.KindInvalidOperator, "where(): unsupported operator %q for field %q", k, ref.Name)
		}
		val, err := valueOf(ops[k])
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidType, err, "where(): field %q operator %q", ref.Name, k)
		}
		nodes = append(nodes, ctor(ref, val))
	}
	return nodes, nil
}

func valueOf(v any) (predicate.Value, error) {
	switch t := v.(type) {
	case nil:
		return predicate.Null(), nil
	case bool:
		return predicate.Bool(t), nil
	case int:
		return predicate.Int(int64(t)), nil
	case int64:
		return predicate.Int(t), nil
	case float64:
		return predicate.Float(t), nil
	case string:
		return predicate.Str(t), nil
	case []any:
		items := make([]predicate.Value, 0, len(t))
		for _, it := range t {
			iv, err := valueOf(it)
			if err != nil {
				return predicate.Value{}, err
			}
			items = append(items, iv)
		}
		return predicate.List(items...)
	default:
		return predicate.Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func renderTemplate(template string, args []any) (string, error) {
	values := make([]predicate.Value, len(args))
	for i, a := range args {
		v, err := valueOf(a)
		if err != nil {
			return "", err
		}
		values[i] = v
	}
	return sanitize.ApplyPlaceholders(template, values)
}
