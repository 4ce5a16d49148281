// Package mapper compiles a model's row → document function into a typed
// record and runs it over batches, validating required/unknown keys and
// field types, with narrow opt-in coercions and sampled diagnostics (spec
// §4.7 / C8).
//
// Grounded on internal/store/migrations.go's per-item loop that logs one
// line per outcome and accumulates applied/skipped counters — generalized
// from "column add succeeded/skipped" to "row mapped/coerced/rejected",
// and on internal/obs for the one-event-per-batch emission.
package mapper

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"tscore/internal/errs"
	"tscore/internal/obs"
	"tscore/internal/registry"
)

// MapFn transforms one source row into a document-like value (spec §4.7
// "the return must be a document-like map").
type MapFn func(row any) (any, error)

// Options configures per-mapper validation policy (spec §4.7).
type Options struct {
	StrictUnknownKeys bool
	CoercionsEnabled  bool
	MaxErrorSamples   int
}

// Mapper is the compiled { model, map_fn, schema_fields, types_by_field,
// options } record (spec §4.7).
type Mapper struct {
	Model        *registry.ModelDef
	MapFn        MapFn
	SchemaFields []string          // required keys == non-hidden declared attributes
	TypesByField map[string]string // field name -> backend type string
	Opts         Options
}

// New compiles a Mapper for model. typesByField should come from the
// corresponding schema.CompiledSchema (excluding hidden synthetic and
// system fields, which map_fn never produces).
func New(model *registry.ModelDef, mapFn MapFn, typesByField map[string]string, opts Options) *Mapper {
	fields := make([]string, 0, len(model.Attributes))
	for _, a := range model.Attributes {
		fields = append(fields, a.Name)
	}
	sort.Strings(fields)
	if opts.MaxErrorSamples <= 0 {
		opts.MaxErrorSamples = 10
	}
	return &Mapper{Model: model, MapFn: mapFn, SchemaFields: fields, TypesByField: typesByField, Opts: opts}
}

// ErrorSample is one sampled diagnostic (spec §4.7 "sampled diagnostics").
type ErrorSample struct {
	Kind    string
	Message string
}

// BatchReport summarizes one map_batch call (spec §4.7).
type BatchReport struct {
	BatchIndex       int
	RowsTotal        int
	DocsOK           int
	RowsRejected     int
	CoercionCount    int
	UnknownKeySamples []string
	Errors           []ErrorSample
}

// MapBatch runs map_fn over rows, validating each resulting document
// against required keys, unknown-key policy, and field types (spec §4.7).
// Rows that fail validation are excluded from the returned docs and
// sampled into the report rather than aborting the whole batch, so one
// bad row never blocks the rest of an import batch.
func (m *Mapper) MapBatch(rows []any, batchIndex int) ([]map[string]any, BatchReport, error) {
	report := BatchReport{BatchIndex: batchIndex, RowsTotal: len(rows)}
	docs := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		doc, err := m.mapRow(row, &report)
		if err != nil {
			report.RowsRejected++
			m.capSample(&report, err)
			continue
		}
		docs = append(docs, doc)
		report.DocsOK++
	}
	return docs, report, nil
}

func (m *Mapper) capSample(report *BatchReport, err error) {
	kind := "map_error"
	if e, ok := err.(*errs.Error); ok {
		kind = string(e.Kind)
	}
	count := 0
	for _, s := range report.Errors {
		if s.Kind == kind {
			count++
		}
	}
	if count >= m.Opts.MaxErrorSamples {
		return
	}
	report.Errors = append(report.Errors, ErrorSample{Kind: kind, Message: err.Error()})
}

func (m *Mapper) mapRow(row any, report *BatchReport) (map[string]any, error) {
	raw, err := m.MapFn(row)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, err, "map_fn failed")
	}

	doc, err := normalizeDoc(raw)
	if err != nil {
		return nil, err
	}

	for _, key := range m.SchemaFields {
		if _, ok := doc[key]; !ok {
			return nil, errs.New(errs.KindMissingField, "document missing required field %q", key)
		}
	}

	required := map[string]bool{}
	for _, k := range m.SchemaFields {
		required[k] = true
	}
	for key := range doc {
		if required[key] {
			continue
		}
		if m.Opts.StrictUnknownKeys {
			return nil, errs.New(errs.KindUnknownField, "unexpected document field %q", key)
		}
		if len(report.UnknownKeySamples) < m.Opts.MaxErrorSamples {
			report.UnknownKeySamples = append(report.UnknownKeySamples, key)
		}
	}

	for field, expected := range m.TypesByField {
		val, ok := doc[field]
		if !ok {
			continue
		}
		coerced, wasCoerced, err := coerceValue(expected, val, m.Opts.CoercionsEnabled)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidType, err, "field %q", field)
		}
		if wasCoerced {
			doc[field] = coerced
			report.CoercionCount++
		}
	}

	return doc, nil
}

// normalizeDoc accepts map[string]any directly, or converts any other
// map-shaped value via a type assertion, failing otherwise (spec §4.7
// "the return must be a document-like map... otherwise fail with
// InvalidParams").
func normalizeDoc(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out, nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			return out, nil
		}
		return nil, errs.New(errs.KindInvalidParams, "map_fn must return a document-like map, got %T", v)
	}
}

// coerceValue validates val against the backend type expected. When
// coercionsEnabled, it allows the three narrow string coercions named in
// spec §4.7: decimal-string -> int, numeric-string -> float, and a fixed
// boolean-token set -> bool.
func coerceValue(expected string, val any, coercionsEnabled bool) (any, bool, error) {
	base := strings.TrimSuffix(expected, "[]")
	isArray := strings.HasSuffix(expected, "[]")

	if isArray {
		items, ok := val.([]any)
		if !ok {
			return nil, false, fmt.Errorf("expected array for type %q, got %T", expected, val)
		}
		out := make([]any, len(items))
		coercedAny := false
		for i, it := range items {
			cv, c, err := coerceValue(base, it, coercionsEnabled)
			if err != nil {
				return nil, false, err
			}
			out[i] = cv
			coercedAny = coercedAny || c
		}
		return out, coercedAny, nil
	}

	switch base {
	case "string":
		if s, ok := val.(string); ok {
			return s, false, nil
		}
		return nil, false, fmt.Errorf("expected string, got %T", val)
	case "int64":
		switch n := val.(type) {
		case int:
			return int64(n), false, nil
		case int64:
			return n, false, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), false, nil
			}
			return nil, false, fmt.Errorf("expected int64, got non-integral float %v", n)
		case string:
			if coercionsEnabled {
				if iv, err := strconv.ParseInt(n, 10, 64); err == nil {
					return iv, true, nil
				}
			}
			return nil, false, fmt.Errorf("expected int64, got non-numeric string %q", n)
		default:
			return nil, false, fmt.Errorf("expected int64, got %T", val)
		}
	case "float":
		switch n := val.(type) {
		case float64:
			return n, false, nil
		case int:
			return float64(n), false, nil
		case int64:
			return float64(n), false, nil
		case string:
			if coercionsEnabled {
				if fv, err := strconv.ParseFloat(n, 64); err == nil {
					return fv, true, nil
				}
			}
			return nil, false, fmt.Errorf("expected float, got non-numeric string %q", n)
		default:
			return nil, false, fmt.Errorf("expected float, got %T", val)
		}
	case "bool":
		switch b := val.(type) {
		case bool:
			return b, false, nil
		case string:
			if coercionsEnabled {
				if bv, ok := parseBoolToken(b); ok {
					return bv, true, nil
				}
			}
			return nil, false, fmt.Errorf("expected bool, got non-boolean-token string %q", b)
		default:
			return nil, false, fmt.Errorf("expected bool, got %T", val)
		}
	case "object":
		if _, ok := val.(map[string]any); ok {
			return val, false, nil
		}
		return nil, false, fmt.Errorf("expected object, got %T", val)
	default:
		// Unrecognized type strings (e.g. backend-specific extensions) pass
		// through unchecked rather than rejecting documents for types this
		// package doesn't model.
		return val, false, nil
	}
}

func parseBoolToken(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// EmitReport publishes a batch's report as one structured event (spec
// §4.7 "per batch, emits one structured event with sampled diagnostics").
func EmitReport(observer *obs.Observer, collection string, report BatchReport) {
	observer.Emit(obs.Event{
		Category: obs.CategoryMapper,
		Kind:     "map_batch",
		Fields: map[string]any{
			"collection":     collection,
			"batch_index":    report.BatchIndex,
			"rows_total":     report.RowsTotal,
			"docs_ok":        report.DocsOK,
			"rows_rejected":  report.RowsRejected,
			"coercion_count": report.CoercionCount,
			"error_samples":  report.Errors,
		},
	})
}
