// Package multisearch collects labeled relations and compiles them into
// one ordered multi_search payload, merging common params with each
// relation's own compiled params (spec §4.10 / C11).
//
// Grounded on internal/relation's own compiled-params shape (reused
// directly here) and on internal/logging/audit.go's ordered-field-
// emission convention, generalized to "preserve collector insertion
// order" for labels instead of log fields.
package multisearch

import (
	"context"
	"strings"

	"tscore/internal/errs"
	"tscore/internal/relation"
	"tscore/internal/transport"
)

// entry is one labeled relation in collector insertion order.
type entry struct {
	label string
	rel   *relation.Relation
}

// Collector assembles labeled (label, relation) entries, preserving
// insertion order, and compiles them into a multi_search request (spec
// §4.10).
type Collector struct {
	client  *transport.Client
	entries []entry
	seen    map[string]bool
}

// New builds an empty Collector bound to client (used to issue the
// compiled multi_search request).
func New(client *transport.Client) *Collector {
	return &Collector{client: client, seen: map[string]bool{}}
}

// canonicalLabel trims and lowercases a label (spec §4.10).
func canonicalLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Add registers one labeled relation. Labels must be unique after
// canonicalization (spec §4.10).
func (c *Collector) Add(label string, rel *relation.Relation) error {
	canon := canonicalLabel(label)
	if canon == "" {
		return errs.New(errs.KindInvalidParams, "multi-search label must not be blank")
	}
	if c.seen[canon] {
		return errs.New(errs.KindInvalidParams, "duplicate multi-search label %q", canon)
	}
	c.seen[canon] = true
	c.entries = append(c.entries, entry{label: canon, rel: rel})
	return nil
}

// canonicalBodyKeys are the only keys relation.Compile ever emits; any
// other key supplied via common params is a URL-only knob and must be
// stripped before it reaches a per-search payload body (spec §4.10).
var canonicalBodyKeys = map[string]bool{
	"q": true, "query_by": true, "filter_by": true, "sort_by": true,
	"include_fields": true, "page": true, "per_page": true, "infix": true,
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

// stripAndPrune keeps only canonical body keys and drops empty/blank
// values (spec §4.10 "URL-only keys are stripped... Empty/blank values
// are pruned").
func stripAndPrune(m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		if !canonicalBodyKeys[k] {
			continue
		}
		if isBlank(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// Searches is one compiled multi_search payload: an ordered list of
// per-search bodies and the ordered labels they correspond to.
type Searches struct {
	Labels   []string
	Searches []map[string]any
}

// Compile renders the collected entries into an ordered multi_search
// payload, shallow-merging common params under each relation's own
// compiled params (per-search wins on key conflicts) (spec §4.10).
func (c *Collector) Compile(common map[string]any) (Searches, error) {
	strippedCommon := stripAndPrune(common)

	out := Searches{}
	for _, e := range c.entries {
		compiled, err := e.rel.Compile()
		if err != nil {
			return Searches{}, errs.Wrap(errs.KindAPI, err, "compiling multi-search entry %q", e.label)
		}

		body := map[string]any{"collection": e.rel.Collection()}
		for k, v := range strippedCommon {
			body[k] = v
		}
		for k, v := range compiled.Map() {
			if isBlank(v) {
				continue
			}
			body[k] = v
		}

		out.Labels = append(out.Labels, e.label)
		out.Searches = append(out.Searches, body)
	}
	return out, nil
}

// ResultSet maps labels to their search results while preserving the
// collector's insertion order (spec §4.10).
type ResultSet struct {
	Labels  []string
	Results map[string]*relation.Result
}

// Get returns the result for label, canonicalized the same way Add is.
func (rs ResultSet) Get(label string) (*relation.Result, bool) {
	r, ok := rs.Results[canonicalLabel(label)]
	return r, ok
}

// rawMultiSearchResponse decodes the backend's multi_search envelope.
type rawMultiSearchResponse struct {
	Results []struct {
		Hits []struct {
			Document map[string]any `json:"document"`
		} `json:"hits"`
		Found int `json:"found"`
		Page  int `json:"page"`
	} `json:"results"`
}

// Load compiles and executes the collected searches in one multi_search
// call, returning results keyed by label in insertion order.
func (c *Collector) Load(ctx context.Context, common map[string]any) (ResultSet, error) {
	compiled, err := c.Compile(common)
	if err != nil {
		return ResultSet{}, err
	}

	resp, err := c.client.MultiSearch(ctx, map[string]any{"searches": compiled.Searches}, nil)
	if err != nil {
		return ResultSet{}, err
	}

	var raw rawMultiSearchResponse
	if err := resp.JSON(&raw); err != nil {
		return ResultSet{}, errs.Wrap(errs.KindAPI, err, "decoding multi_search response")
	}
	if len(raw.Results) != len(compiled.Labels) {
		return ResultSet{}, errs.New(errs.KindAPI, "multi_search returned %d results for %d searches", len(raw.Results), len(compiled.Labels))
	}

	rs := ResultSet{Labels: compiled.Labels, Results: map[string]*relation.Result{}}
	for i, label := range compiled.Labels {
		r := raw.Results[i]
		hits := make([]map[string]any, len(r.Hits))
		for j, h := range r.Hits {
			hits[j] = h.Document
		}
		rs.Results[label] = &relation.Result{Hits: hits, Found: r.Found, Page: r.Page}
	}
	return rs, nil
}
