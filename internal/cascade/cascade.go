// Package cascade discovers the reverse reference graph between
// collections and drives cascading reindex of referrers when a source
// collection's documents change (spec §4.9 / C10).
//
// Grounded on internal/campaign/intelligence_gatherer.go's directed-edge
// dependency handling, generalized from "gather intel from dependent
// sources" to "reindex dependent collections"; the actual bounded fan-out
// for a full reindex's partitions lives in internal/indexer, which an
// adapter's ReindexFull implementation calls into.
package cascade

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"tscore/internal/errs"
	"tscore/internal/obs"
	"tscore/internal/registry"
	"tscore/internal/transport"
)

// Edge is one forward reference: Referrer declares a field referencing
// Target via LocalKey/ForeignKey (spec §4.9 "reference: <coll>.<fk>").
type Edge struct {
	Referrer   string
	Target     string
	LocalKey   string
	ForeignKey string
}

// Graph is the reverse reference graph: Target -> edges pointing at it.
// ByReferrer mirrors the same edges keyed by Referrer, used for the
// one-hop cycle check.
type Graph struct {
	ByTarget   map[string][]Edge
	ByReferrer map[string][]Edge
}

func newGraph() *Graph {
	return &Graph{ByTarget: map[string][]Edge{}, ByReferrer: map[string][]Edge{}}
}

func (g *Graph) add(e Edge) {
	g.ByTarget[e.Target] = append(g.ByTarget[e.Target], e)
	g.ByReferrer[e.Referrer] = append(g.ByReferrer[e.Referrer], e)
}

// physicalSuffix matches the blue/green timestamped suffix schema.Apply
// generates ("_YYYYMMDD_HHMMSS_NNN"), used to normalize a physical
// collection name back to its logical name (spec §4.9).
var physicalSuffix = regexp.MustCompile(`_\d{8}_\d{6}_\d{3}$`)

// NormalizeLogical strips a blue/green timestamp suffix, if present.
func NormalizeLogical(name string) string {
	return physicalSuffix.ReplaceAllString(name, "")
}

// BuildReverseGraph discovers edges by inspecting each known collection's
// live field specs. When transport enumeration fails or yields nothing,
// it falls back to the local registry's compiled joins (spec §4.9).
func BuildReverseGraph(ctx context.Context, client *transport.Client, reg *registry.Registry) (*Graph, error) {
	g, err := buildFromTransport(ctx, client)
	if err == nil && len(g.ByTarget) > 0 {
		return g, nil
	}
	return buildFromRegistry(reg), nil
}

func buildFromTransport(ctx context.Context, client *transport.Client) (*Graph, error) {
	resp, err := client.ListCollections(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "listing collections for reverse graph")
	}
	var all []struct {
		Name string `json:"name"`
	}
	if err := resp.JSON(&all); err != nil {
		return nil, errs.Wrap(errs.KindAPI, err, "decoding collection list")
	}

	g := newGraph()
	seen := map[string]bool{}
	for _, c := range all {
		logical := NormalizeLogical(c.Name)
		if seen[logical] {
			continue
		}
		seen[logical] = true

		schemaResp, err := client.GetCollection(ctx, c.Name)
		if err != nil {
			continue
		}
		var live struct {
			Fields []struct {
				Name      string `json:"name"`
				Reference string `json:"reference"`
			} `json:"fields"`
		}
		if err := schemaResp.JSON(&live); err != nil {
			continue
		}
		for _, f := range live.Fields {
			if f.Reference == "" {
				continue
			}
			coll, fk, ok := splitReference(f.Reference)
			if !ok {
				continue
			}
			g.add(Edge{Referrer: logical, Target: coll, LocalKey: f.Name, ForeignKey: fk})
		}
	}
	return g, nil
}

func buildFromRegistry(reg *registry.Registry) *Graph {
	g := newGraph()
	for _, model := range reg.All() {
		for _, j := range model.Joins {
			g.add(Edge{Referrer: model.CollectionName, Target: j.Collection, LocalKey: j.LocalKey, ForeignKey: j.ForeignKey})
		}
	}
	return g
}

func splitReference(ref string) (collection, foreignKey string, ok bool) {
	idx := strings.LastIndex(ref, ".")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}

// Mode selects whether a cascade run targets an incremental update or a
// full rebuild of each referrer (spec §4.9 "context").
type Mode string

const (
	ModeUpdate Mode = "update"
	ModeFull   Mode = "full"
)

// PartialReindexer is implemented by a referrer's source adapter when it
// accepts a {field: values} partition without a custom partitioner —
// the condition spec §4.9 requires for partial reindex eligibility.
// ReindexFull is responsible for its own partition fan-out bounded by the
// referrer's configured max_parallel (spec §4.9); cascade itself only
// decides partial-vs-full, not how a full reindex is parallelized.
type PartialReindexer interface {
	SupportsPartialReindex() bool
	ReindexPartial(ctx context.Context, localKey string, ids []string) error
	ReindexFull(ctx context.Context) error
}

// Adapters resolves a referrer collection name to its reindex adapter.
// Referrers with no adapter registered are "unknown to the registry"
// (spec §4.9) and are skipped.
type Adapters map[string]PartialReindexer

// Outcome is the per-referrer disposition recorded in a Report (spec
// §4.9 "per-outcome list").
type Outcome struct {
	Referrer string
	Kind     string // partial | full | partial_failed_full_fallback | skipped_cycle | skipped_unregistered | skipped_duplicate
	Error    string
}

// Report totals outcomes by kind (spec §4.9 "totals per mode").
type Report struct {
	Partial             int
	Full                int
	SkippedCycle        int
	SkippedUnregistered int
	SkippedDuplicate    int
	PartialFailedFullFallback int
	Outcomes            []Outcome
}

func (r *Report) record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case "partial":
		r.Partial++
	case "full":
		r.Full++
	case "skipped_cycle":
		r.SkippedCycle++
	case "skipped_unregistered":
		r.SkippedUnregistered++
	case "skipped_duplicate":
		r.SkippedDuplicate++
	case "partial_failed_full_fallback":
		r.PartialFailedFullFallback++
		r.Full++
	}
}

// CascadeReindex finds all referrers of source and reindexes each
// according to mode (spec §4.9 `cascade_reindex!`).
func CascadeReindex(ctx context.Context, observer *obs.Observer, graph *Graph, adapters Adapters, source string, ids []string, mode Mode) (Report, error) {
	var report Report
	edges := graph.ByTarget[source]

	sortedReferrers := uniqueSortedReferrers(edges)
	visited := map[string]bool{}

	for _, e := range edges {
		referrer := e.Referrer
		if visited[referrer] {
			report.record(Outcome{Referrer: referrer, Kind: "skipped_duplicate"})
			continue
		}
		visited[referrer] = true

		if isImmediateCycle(graph, source, referrer) {
			report.record(Outcome{Referrer: referrer, Kind: "skipped_cycle"})
			continue
		}

		adapter, ok := adapters[referrer]
		if !ok {
			report.record(Outcome{Referrer: referrer, Kind: "skipped_unregistered"})
			continue
		}

		outcome := reindexOne(ctx, adapter, referrer, e.LocalKey, ids, mode)
		report.record(outcome)
	}

	observer.Emit(obs.Event{Category: obs.CategoryCascade, Kind: "cascade_reindex_complete", Fields: map[string]any{
		"source":    source,
		"mode":      string(mode),
		"partial":   report.Partial,
		"full":      report.Full,
		"referrers": sortedReferrers,
	}})

	return report, nil
}

func uniqueSortedReferrers(edges []Edge) []string {
	set := map[string]bool{}
	for _, e := range edges {
		set[e.Referrer] = true
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// isImmediateCycle reports whether source also targets referrer directly
// (an A<->B pair), per spec §4.9's one-hop-only cycle detection. The edge
// that put referrer into the current run (referrer -> source) always sits
// in graph.ByReferrer[referrer]; the reverse direction we're checking for
// lives in graph.ByReferrer[source], keyed by source's own outgoing edges.
func isImmediateCycle(graph *Graph, source, referrer string) bool {
	for _, e := range graph.ByReferrer[source] {
		if e.Target == referrer {
			return true
		}
	}
	return false
}

func reindexOne(ctx context.Context, adapter PartialReindexer, referrer, localKey string, ids []string, mode Mode) Outcome {
	if mode == ModeUpdate && adapter.SupportsPartialReindex() {
		if err := adapter.ReindexPartial(ctx, localKey, ids); err != nil {
			if ferr := adapter.ReindexFull(ctx); ferr != nil {
				return Outcome{Referrer: referrer, Kind: "full", Error: ferr.Error()}
			}
			return Outcome{Referrer: referrer, Kind: "partial_failed_full_fallback"}
		}
		return Outcome{Referrer: referrer, Kind: "partial"}
	}

	if err := adapter.ReindexFull(ctx); err != nil {
		return Outcome{Referrer: referrer, Kind: "full", Error: err.Error()}
	}
	return Outcome{Referrer: referrer, Kind: "full"}
}
