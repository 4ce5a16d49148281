// Package registry implements the process-wide model registry and schema
// DSL (spec §4.4 / C5): a copy-on-write map from collection name to model
// definition, plus the declarative attribute/join/identity/retention DSL.
//
// Grounded on the teacher's internal/config singleton-with-reload
// convention, generalized from "one global Config" to "many named
// ModelDefs published under a single copy-on-write map swap", the same
// publish-a-new-frozen-map-under-one-mutex pattern used for the registry's
// concurrency model in spec §5.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"tscore/internal/predicate"
)

// TypeDesc is the small type-descriptor enum for declared attributes (spec §3).
type TypeDesc int

const (
	TypeString TypeDesc = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeObject
	TypeArray // Inner holds the element type
)

func (t TypeDesc) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "unknown"
	}
}

// AttrOpts are per-attribute options (spec §3 Attribute.opts).
type AttrOpts struct {
	Locale         string
	Optional       bool
	Sort           bool
	Infix          bool
	EmptyFiltering bool
}

// Attribute declares one field of a model (spec §3).
type Attribute struct {
	Name  string
	Type  TypeDesc
	Inner TypeDesc // valid only when Type == TypeArray
	Opts  AttrOpts
}

// JoinDecl declares an association to another collection (spec §3).
type JoinDecl struct {
	Name       string
	Collection string
	LocalKey   string
	ForeignKey string
}

// IdentityStrategy computes a document id as a string from an arbitrary record.
type IdentityStrategy func(record any) (string, error)

// ModelDef is the compiled declaration for one collection (spec §4.4 DSL).
type ModelDef struct {
	ClassName      string // identifies the declaring type; used for idempotent re-registration
	CollectionName string
	DefaultQueryBy []string
	Attributes     []Attribute
	Joins          []JoinDecl
	DefaultPreset  string
	Identity       IdentityStrategy
	RetentionKeep  int
	StaleFilterBy  func() (string, error)

	attrIndex map[string]Attribute
	joinIndex map[string]JoinDecl
}

func newModelDef(className, collection string) *ModelDef {
	return &ModelDef{
		ClassName:      className,
		CollectionName: collection,
		RetentionKeep:  2,
		attrIndex:      map[string]Attribute{},
		joinIndex:      map[string]JoinDecl{},
	}
}

// Attribute looks up a declared attribute by name.
func (m *ModelDef) Attribute(name string) (Attribute, bool) {
	a, ok := m.attrIndex[name]
	return a, ok
}

// Join looks up a declared join by name.
func (m *ModelDef) Join(name string) (JoinDecl, bool) {
	j, ok := m.joinIndex[name]
	return j, ok
}

// KnownFieldNames returns all declared attribute names, used to compute
// "did you mean" suggestions (spec §7).
func (m *ModelDef) KnownFieldNames() []string {
	out := make([]string, 0, len(m.attrIndex))
	for n := range m.attrIndex {
		out = append(out, n)
	}
	return out
}

// KnownJoinNames returns all declared join names.
func (m *ModelDef) KnownJoinNames() []string {
	out := make([]string, 0, len(m.joinIndex))
	for n := range m.joinIndex {
		out = append(out, n)
	}
	return out
}

// Builder is the DSL entry point used to construct a ModelDef. All methods
// validate eagerly and return an error rather than panicking, per spec §4.4
// ("all validate eagerly").
type Builder struct {
	def *ModelDef
	err error
}

// NewBuilder starts declaring a model. className identifies the declaring
// Go type for idempotent re-registration (spec §4.4).
func NewBuilder(className, collection string) *Builder {
	return &Builder{def: newModelDef(className, collection)}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// DefaultQueryBy sets the canonicalized default query-by field list.
func (b *Builder) DefaultQueryBy(fields ...string) *Builder {
	if b.err != nil {
		return b
	}
	b.def.DefaultQueryBy = append([]string(nil), fields...)
	return b
}

// Attribute declares one attribute, enforcing option/type preconditions
// (spec §3 Attribute invariants: locale only for string(s); empty_filtering
// only for array types; "id" reserved).
func (b *Builder) Attribute(name string, t TypeDesc, opts AttrOpts) *Builder {
	if b.err != nil {
		return b
	}
	if !predicate.ValidIdent(name) {
		return b.fail(fmt.Errorf("invalid attribute name %q", name))
	}
	if name == "id" {
		return b.fail(fmt.Errorf("attribute name %q is reserved; use identify_by to control document identity", name))
	}
	if opts.Locale != "" && t != TypeString && !(t == TypeArray) {
		return b.fail(fmt.Errorf("attribute %q: locale is only valid on string/string[] attributes", name))
	}
	if opts.EmptyFiltering && t != TypeArray {
		return b.fail(fmt.Errorf("attribute %q: empty_filtering is only valid on array attributes", name))
	}
	attr := Attribute{Name: name, Type: t, Opts: opts}
	b.def.Attributes = append(b.def.Attributes, attr)
	b.def.attrIndex[name] = attr
	return b
}

// ArrayAttribute declares an array attribute with an explicit inner type.
func (b *Builder) ArrayAttribute(name string, inner TypeDesc, opts AttrOpts) *Builder {
	if b.err != nil {
		return b
	}
	if opts.Locale != "" && inner != TypeString {
		return b.fail(fmt.Errorf("attribute %q: locale is only valid on string/string[] attributes", name))
	}
	b.Attribute(name, TypeArray, opts)
	if b.err == nil && len(b.def.Attributes) > 0 {
		last := &b.def.Attributes[len(b.def.Attributes)-1]
		last.Inner = inner
		b.def.attrIndex[name] = *last
	}
	return b
}

// Join declares an association. Duplicates are rejected and local_key must
// already be a declared attribute (spec §3 JoinDecl invariants).
func (b *Builder) Join(j JoinDecl) *Builder {
	if b.err != nil {
		return b
	}
	if !predicate.ValidIdent(j.Name) {
		return b.fail(fmt.Errorf("invalid join name %q", j.Name))
	}
	if _, dup := b.def.joinIndex[j.Name]; dup {
		return b.fail(fmt.Errorf("join %q already declared", j.Name))
	}
	if _, ok := b.def.attrIndex[j.LocalKey]; !ok {
		return b.fail(fmt.Errorf("join %q: local_key %q is not a declared attribute", j.Name, j.LocalKey))
	}
	b.def.Joins = append(b.def.Joins, j)
	b.def.joinIndex[j.Name] = j
	return b
}

// DefaultPreset declares the model's default preset token. The effective
// name (namespaced or not) is resolved later by the relation, which has
// access to the live PresetsConfig.
func (b *Builder) DefaultPreset(token string) *Builder {
	if b.err != nil {
		return b
	}
	b.def.DefaultPreset = token
	return b
}

// IdentifyBy sets the document-id computation strategy.
func (b *Builder) IdentifyBy(strategy IdentityStrategy) *Builder {
	if b.err != nil {
		return b
	}
	b.def.Identity = strategy
	return b
}

// SchemaRetention sets how many prior physicals survive a blue/green swap.
func (b *Builder) SchemaRetention(keepLast int) *Builder {
	if b.err != nil {
		return b
	}
	if keepLast < 0 {
		return b.fail(fmt.Errorf("schema_retention keep_last must be >= 0, got %d", keepLast))
	}
	b.def.RetentionKeep = keepLast
	return b
}

// StaleFilterBy sets the function producing the delete-by-filter expression
// used by the indexer's stale-delete step.
func (b *Builder) StaleFilterBy(fn func() (string, error)) *Builder {
	if b.err != nil {
		return b
	}
	b.def.StaleFilterBy = fn
	return b
}

// Inherit snapshot-copies parent's attributes/joins/options/retention/preset/
// query-by/identity into this builder before further declarations are
// applied, implementing the subclass snapshot-inheritance invariant (spec §4.4).
func (b *Builder) Inherit(parent *ModelDef) *Builder {
	if b.err != nil || parent == nil {
		return b
	}
	b.def.Attributes = append([]Attribute(nil), parent.Attributes...)
	b.def.attrIndex = make(map[string]Attribute, len(parent.attrIndex))
	for k, v := range parent.attrIndex {
		b.def.attrIndex[k] = v
	}
	b.def.Joins = append([]JoinDecl(nil), parent.Joins...)
	b.def.joinIndex = make(map[string]JoinDecl, len(parent.joinIndex))
	for k, v := range parent.joinIndex {
		b.def.joinIndex[k] = v
	}
	b.def.DefaultQueryBy = append([]string(nil), parent.DefaultQueryBy...)
	b.def.DefaultPreset = parent.DefaultPreset
	b.def.Identity = parent.Identity
	b.def.RetentionKeep = parent.RetentionKeep
	b.def.StaleFilterBy = parent.StaleFilterBy
	return b
}

// Build finalizes the model definition, or returns the first validation
// error encountered.
func (b *Builder) Build() (*ModelDef, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.def, nil
}

// Registry is the process-wide, copy-on-write collection-name → ModelDef map.
type Registry struct {
	mu   sync.Mutex
	defs map[string]*ModelDef
}

// New constructs an empty registry. Most callers use the package-level
// Default registry instead.
func New() *Registry {
	return &Registry{defs: map[string]*ModelDef{}}
}

// Default is the process-wide singleton registry.
var Default = New()

// Register publishes def under def.CollectionName. Re-registration with the
// same ClassName is idempotent; re-registration with a different ClassName
// is rejected (spec §4.4, §8 "Registry" invariant).
func (r *Registry) Register(def *ModelDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.defs[def.CollectionName]; ok {
		if existing.ClassName != def.ClassName {
			return fmt.Errorf("collection %q is already registered by %q; refusing re-registration by %q",
				def.CollectionName, existing.ClassName, def.ClassName)
		}
	}

	next := make(map[string]*ModelDef, len(r.defs)+1)
	for k, v := range r.defs {
		next[k] = v
	}
	next[def.CollectionName] = def
	r.defs = next
	return nil
}

// Lookup returns the ModelDef for a collection name. Readers take the
// current map with no locking (spec §5 concurrency model).
func (r *Registry) Lookup(collection string) (*ModelDef, bool) {
	m := r.snapshot()
	d, ok := m[collection]
	return d, ok
}

// All returns every registered model, keyed by collection name.
func (r *Registry) All() map[string]*ModelDef {
	m := r.snapshot()
	out := make(map[string]*ModelDef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshot reads the current map reference. Because writers always publish
// a brand-new map (never mutate in place), this read needs no lock.
func (r *Registry) snapshot() map[string]*ModelDef {
	return r.defs
}

// Reset clears the registry; intended for test isolation (spec §9 design
// note: "an explicit reset for tests").
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = map[string]*ModelDef{}
}

// CanonicalPreset resolves a model's default preset token against the
// global presets config, applying the namespace prefix when enabled (spec
// §4.4 "effective name depends on global presets config").
func CanonicalPreset(token, namespace string, enabled bool) string {
	if token == "" {
		return ""
	}
	if !enabled || namespace == "" {
		return token
	}
	if strings.HasPrefix(token, namespace+"_") {
		return token
	}
	return namespace + "_" + token
}
