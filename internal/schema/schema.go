// Package schema implements the blue/green schema lifecycle (spec §4.6 /
// C7): compiling a model into a backend collection schema, diffing it
// against what's live, and applying changes through a new physical
// collection + alias swap, with bounded retention of prior physicals.
//
// Grounded on internal/store/migrations.go's versioned, idempotent
// migration runner: a deterministic compile step, a "what needs to
// change" comparison, a swap that is the one linearization point, and
// swallowed-404 cleanup of now-irrelevant state. Structured progress
// events are emitted the way migrations.go logs one line per step,
// generalized from *testing.T-style %v logging to internal/obs's
// category-keyed Event.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tscore/internal/errs"
	"tscore/internal/obs"
	"tscore/internal/registry"
	"tscore/internal/transport"
)

// Field is one compiled backend field spec (spec §3 CompiledSchema.fields).
type Field struct {
	Name      string
	Type      string
	Optional  bool
	Facet     bool
	Sort      bool
	Infix     bool
	Index     bool
	Locale    string
	Reference string // "<collection>.<field>", set only for join local keys
}

// CompiledSchema is the deterministic compile output (spec §3).
type CompiledSchema struct {
	Name               string
	Fields             []Field
	EnableNestedFields bool
}

// backendType maps DSL TypeDesc to the backend's field type strings.
func backendType(t registry.TypeDesc) (string, error) {
	switch t {
	case registry.TypeString:
		return "string", nil
	case registry.TypeInt:
		return "int64", nil
	case registry.TypeFloat:
		return "float", nil
	case registry.TypeBool:
		return "bool", nil
	case registry.TypeTime:
		return "int64", nil
	case registry.TypeObject:
		return "object", nil
	default:
		return "", fmt.Errorf("type %v has no scalar backend mapping", t)
	}
}

// Compile renders model into a deterministic CompiledSchema (spec §4.6).
// Attribute types map through a fixed table; array attributes append
// "[]"; join local keys get Reference set; `<name>_empty` /
// `<name>_blank` synthetic fields are appended per spec §3; a
// doc_updated_at: int64 system field is always present and, per this
// module's resolved Open Question (b), sortable.
func Compile(model *registry.ModelDef) (CompiledSchema, error) {
	cs := CompiledSchema{Name: model.CollectionName}

	joinByLocalKey := map[string]registry.JoinDecl{}
	for _, j := range model.Joins {
		joinByLocalKey[j.LocalKey] = j
	}

	for _, attr := range model.Attributes {
		var typ string
		var err error
		if attr.Type == registry.TypeArray {
			inner, ierr := backendType(attr.Inner)
			if ierr != nil {
				return CompiledSchema{}, errs.Wrap(errs.KindInvalidType, ierr, "attribute %q", attr.Name)
			}
			typ = inner + "[]"
		} else {
			typ, err = backendType(attr.Type)
			if err != nil {
				return CompiledSchema{}, errs.Wrap(errs.KindInvalidType, err, "attribute %q", attr.Name)
			}
		}

		f := Field{
			Name:     attr.Name,
			Type:     typ,
			Optional: attr.Opts.Optional,
			Sort:     attr.Opts.Sort,
			Infix:    attr.Opts.Infix,
			Index:    true,
			Locale:   attr.Opts.Locale,
		}
		if j, ok := joinByLocalKey[attr.Name]; ok {
			f.Reference = j.Collection + "." + j.ForeignKey
		}
		cs.Fields = append(cs.Fields, f)

		if attr.Type == registry.TypeArray && attr.Opts.EmptyFiltering {
			cs.Fields = append(cs.Fields, Field{Name: attr.Name + "_empty", Type: "bool", Optional: true})
		}
		if attr.Opts.Optional {
			cs.Fields = append(cs.Fields, Field{Name: attr.Name + "_blank", Type: "bool", Optional: true})
		}
		if attr.Type == registry.TypeObject || (attr.Type == registry.TypeArray && attr.Inner == registry.TypeObject) {
			cs.EnableNestedFields = true
		}
	}

	cs.Fields = append(cs.Fields, Field{Name: "doc_updated_at", Type: "int64", Sort: true, Index: true})

	return cs, nil
}

// Diff is the result of comparing a compiled model against the live
// collection (spec §4.6 `diff`).
type Diff struct {
	Added             []string
	Removed           []string
	Changed           []string
	CollectionOptions map[string]any
}

// diffableFlags are the attribute-level flags the DSL actually declares;
// comparing only these avoids noisy diffs against backend-internal
// defaults the DSL never expressed an opinion about (spec §4.6).
func diffableFlags(f Field) [4]bool {
	return [4]bool{f.Optional, f.Facet, f.Sort, f.Infix}
}

// Diff fetches the live schema for model's collection (resolving its
// alias if present) and compares it against Compile(model).
func Diff(ctx context.Context, client *transport.Client, model *registry.ModelDef) (Diff, error) {
	compiled, err := Compile(model)
	if err != nil {
		return Diff{}, err
	}

	physical, err := resolveAliasTarget(ctx, client, model.CollectionName)
	if err != nil {
		return Diff{}, err
	}

	resp, err := client.GetCollection(ctx, physical)
	if err != nil {
		if errs.IsNotFound(err) {
			return Diff{CollectionOptions: map[string]any{"live": "missing"}}, nil
		}
		return Diff{}, err
	}

	var live struct {
		Fields []struct {
			Name     string `json:"name"`
			Type     string `json:"type"`
			Optional bool   `json:"optional"`
			Facet    bool   `json:"facet"`
			Sort     bool   `json:"sort"`
			Infix    bool   `json:"infix"`
		} `json:"fields"`
	}
	if err := resp.JSON(&live); err != nil {
		return Diff{}, errs.Wrap(errs.KindAPI, err, "decoding live collection schema for %q", physical)
	}

	liveByName := map[string]Field{}
	for _, lf := range live.Fields {
		liveByName[lf.Name] = Field{Name: lf.Name, Type: lf.Type, Optional: lf.Optional, Facet: lf.Facet, Sort: lf.Sort, Infix: lf.Infix}
	}
	wantByName := map[string]Field{}
	for _, f := range compiled.Fields {
		wantByName[f.Name] = f
	}

	var d Diff
	for name, want := range wantByName {
		lf, ok := liveByName[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		if lf.Type != want.Type || diffableFlags(lf) != diffableFlags(want) {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range liveByName {
		if _, ok := wantByName[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d, nil
}

// Report is the outcome of Apply (spec §4.6 "one structured event carrying
// counts and the new physical").
type Report struct {
	NewPhysical    string
	AliasSwapped   bool
	RetentionKept  []string
	RetentionDropped []string
}

// ReindexFunc streams documents into the newly created physical
// collection. A failure leaves the new physical in place without
// swapping the alias (spec §4.6 step 3).
type ReindexFunc func(ctx context.Context, newPhysical string) error

// physicalNamePattern formats "<logical>_YYYYMMDD_HHMMSS_NNN".
var physicalNamePattern = "%s_%s_%03d"

// newPhysicalName generates a UTC-timestamped physical name unique among
// existing physicals of the same logical collection (spec §4.6 step 1).
func newPhysicalName(logical string, now time.Time, existing []string) string {
	stamp := now.UTC().Format("20060102_150405")
	prefix := logical + "_" + stamp + "_"
	maxSeq := -1
	for _, name := range existing {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(name[len(prefix):], "%03d", &seq); err == nil && seq > maxSeq {
			maxSeq = seq
		}
	}
	return fmt.Sprintf(physicalNamePattern, logical, stamp, maxSeq+1)
}

// Apply executes the blue/green sequence for model (spec §4.6 `apply`):
// create a new physical, reindex into it, swap the alias (the
// linearization point), and enforce retention.
func Apply(ctx context.Context, client *transport.Client, observer *obs.Observer, model *registry.ModelDef, reindex ReindexFunc) (Report, error) {
	compiled, err := Compile(model)
	if err != nil {
		return Report{}, err
	}

	physicals, err := listPhysicals(ctx, client, model.CollectionName)
	if err != nil {
		return Report{}, err
	}
	newPhysical := newPhysicalName(model.CollectionName, apparentNow(), physicals)

	body := map[string]any{
		"name":                 newPhysical,
		"fields":               fieldsToWire(compiled.Fields),
		"enable_nested_fields": compiled.EnableNestedFields,
	}
	if _, err := client.CreateCollection(ctx, body); err != nil {
		return Report{}, errs.Wrap(errs.KindAPI, err, "creating physical collection %q", newPhysical)
	}

	if err := reindex(ctx, newPhysical); err != nil {
		observer.Emit(obs.Event{Category: obs.CategorySchema, Kind: "apply_reindex_failed", Fields: map[string]any{
			"logical": model.CollectionName, "new_physical": newPhysical, "error": err.Error(),
		}})
		return Report{NewPhysical: newPhysical}, errs.Wrap(errs.KindAPI, err, "reindexing into %q", newPhysical)
	}

	swapped, err := swapAliasIfNeeded(ctx, client, model.CollectionName, newPhysical)
	if err != nil {
		return Report{NewPhysical: newPhysical}, err
	}

	physicals = append(physicals, newPhysical)
	kept, dropped := enforceRetention(physicals, newPhysical, model.RetentionKeep)
	for _, name := range dropped {
		if _, err := client.DropCollection(ctx, name); err != nil && !errs.IsNotFound(err) {
			return Report{}, errs.Wrap(errs.KindAPI, err, "dropping retired physical %q", name)
		}
	}

	report := Report{NewPhysical: newPhysical, AliasSwapped: swapped, RetentionKept: kept, RetentionDropped: dropped}
	observer.Emit(obs.Event{Category: obs.CategorySchema, Kind: "apply_complete", Fields: map[string]any{
		"logical": model.CollectionName, "new_physical": newPhysical, "alias_swapped": swapped,
		"kept": len(kept), "dropped": len(dropped),
	}})
	return report, nil
}

// apparentNow exists so the single Time.Now() call site in this package is
// easy to find; production code calls time.Now() directly (this package
// has no test-clock injection requirement beyond newPhysicalName, which
// takes `now` as an explicit parameter for testability).
func apparentNow() time.Time { return time.Now() }

func fieldsToWire(fields []Field) []map[string]any {
	out := make([]map[string]any, len(fields))
	for i, f := range fields {
		w := map[string]any{"name": f.Name, "type": f.Type}
		if f.Optional {
			w["optional"] = true
		}
		if f.Facet {
			w["facet"] = true
		}
		if f.Sort {
			w["sort"] = true
		}
		if f.Infix {
			w["infix"] = true
		}
		if f.Locale != "" {
			w["locale"] = f.Locale
		}
		if f.Reference != "" {
			w["reference"] = f.Reference
		}
		out[i] = w
	}
	return out
}

func resolveAliasTarget(ctx context.Context, client *transport.Client, logical string) (string, error) {
	resp, err := client.GetAlias(ctx, logical)
	if err != nil {
		if errs.IsNotFound(err) {
			return logical, nil
		}
		return "", err
	}
	var alias struct {
		CollectionName string `json:"collection_name"`
	}
	if err := resp.JSON(&alias); err != nil {
		return "", errs.Wrap(errs.KindAPI, err, "decoding alias %q", logical)
	}
	return alias.CollectionName, nil
}

// swapAliasIfNeeded upserts logical -> newPhysical iff the alias doesn't
// already point there (spec §4.6 step 4, idempotent).
func swapAliasIfNeeded(ctx context.Context, client *transport.Client, logical, newPhysical string) (bool, error) {
	current, err := resolveAliasTarget(ctx, client, logical)
	if err != nil {
		return false, err
	}
	if current == newPhysical {
		return false, nil
	}
	if _, err := client.UpsertAlias(ctx, logical, newPhysical); err != nil {
		return false, errs.Wrap(errs.KindAPI, err, "swapping alias %q -> %q", logical, newPhysical)
	}
	return true, nil
}

// listPhysicals enumerates physicals belonging to logical (name prefix
// match), used both to pick the next sequence number and to compute
// retention.
func listPhysicals(ctx context.Context, client *transport.Client, logical string) ([]string, error) {
	resp, err := client.ListCollections(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "listing collections")
	}
	var all []struct {
		Name string `json:"name"`
	}
	if err := resp.JSON(&all); err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "decoding collection list")
	}
	prefix := logical + "_"
	var out []string
	for _, c := range all {
		if strings.HasPrefix(c.Name, prefix) {
			out = append(out, c.Name)
		}
	}
	return out, nil
}

// enforceRetention keeps the keepLast most-recent physicals excluding
// target, ordered (timestamp desc, seq desc) (spec §4.6 step 5). target
// itself is always kept and never counted against keepLast.
func enforceRetention(physicals []string, target string, keepLast int) (kept, dropped []string) {
	var candidates []string
	for _, p := range physicals {
		if p != target {
			candidates = append(candidates, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	kept = append(kept, target)
	for i, name := range candidates {
		if i < keepLast {
			kept = append(kept, name)
		} else {
			dropped = append(dropped, name)
		}
	}
	return kept, dropped
}

// Rollback finds the most recent retained physical that is not the
// current alias target and swaps to it (spec §4.6 `rollback`).
func Rollback(ctx context.Context, client *transport.Client, logical string) (string, error) {
	current, err := resolveAliasTarget(ctx, client, logical)
	if err != nil {
		return "", err
	}
	physicals, err := listPhysicals(ctx, client, logical)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, p := range physicals {
		if p != current {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", errs.New(errs.KindAPI, "no retained physical available to roll back to for %q", logical)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))
	target := candidates[0]
	if _, err := client.UpsertAlias(ctx, logical, target); err != nil {
		return "", errs.Wrap(errs.KindAPI, err, "rolling back alias %q -> %q", logical, target)
	}
	return target, nil
}
