// Package obs provides category-keyed structured observability for tscore:
// event emission hooks and secret/filter-literal redaction. It wraps
// go.uber.org/zap the way the teacher's internal/logging package wraps a
// fixed Category enum around its own backend, except here the backend is a
// real zap.Logger instead of a hand-rolled file writer.
package obs

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Category partitions events by subsystem, mirroring the teacher's
// logging.Category constants (CategoryKernel, CategoryStore, ...).
type Category string

const (
	CategoryRelation  Category = "relation"
	CategoryCompiler  Category = "compiler"
	CategorySchema    Category = "schema"
	CategoryMapper    Category = "mapper"
	CategoryIndexer   Category = "indexer"
	CategoryCascade   Category = "cascade"
	CategoryTransport Category = "transport"
	CategorySynonyms  Category = "synonyms"
)

// Event is the structured payload passed to emission hooks (schema apply,
// batch import, cascade run), mirroring internal/logging/audit.go's
// AuditEvent shape.
type Event struct {
	Category Category
	Kind     string
	ID       string
	Fields   map[string]any
	At       time.Time
}

// Sink receives emitted events. Emission is best-effort: a Sink must never
// be allowed to panic back into the producer (spec §5, "Shared resources").
type Sink interface {
	Emit(Event)
}

// Observer is the default Sink, backed by a zap.Logger.
type Observer struct {
	logger *zap.Logger
	mu     sync.Mutex
	extra  []Sink
}

// NewObserver wraps an existing zap.Logger. Pass zap.NewNop() in tests.
func NewObserver(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger}
}

// AddSink registers an additional sink (e.g. a test collector) alongside the
// zap logger. Safe for concurrent use.
func (o *Observer) AddSink(s Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extra = append(o.extra, s)
}

// Emit logs the event through zap and fans it out to any extra sinks. It
// never panics: a failing sink is swallowed, matching the "best-effort,
// never raise back into producers" rule in spec §5.
func (o *Observer) Emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	defer func() { _ = recover() }()

	fields := make([]zap.Field, 0, len(evt.Fields)+2)
	fields = append(fields, zap.String("category", string(evt.Category)), zap.String("event_id", evt.ID))
	for k, v := range evt.Fields {
		fields = append(fields, zap.Any(k, Redact(k, v)))
	}
	o.logger.Info(evt.Kind, fields...)

	o.mu.Lock()
	sinks := append([]Sink(nil), o.extra...)
	o.mu.Unlock()
	for _, s := range sinks {
		func() {
			defer func() { _ = recover() }()
			s.Emit(evt)
		}()
	}
}

// secretFieldNames lists field keys whose values are always redacted,
// regardless of content, mirroring the teacher's api-key/token handling in
// internal/config and internal/perception clients.
var secretFieldNames = map[string]bool{
	"api_key":      true,
	"apikey":       true,
	"authorization": true,
	"password":     true,
	"secret":       true,
	"token":        true,
}

const redacted = "[REDACTED]"

// Redact masks secret-bearing fields and the backtick-quoted literals of filter strings before
// they reach a log line, per spec §1 ("redaction of secrets and filter
// literals").
func Redact(key string, value any) any {
	lk := strings.ToLower(key)
	if secretFieldNames[lk] {
		return redacted
	}
	if lk == "filter_by" || lk == "filter" {
		if s, ok := value.(string); ok {
			return RedactFilterLiterals(s)
		}
	}
	return value
}

// RedactFilterLiterals masks backtick-quoted string literals inside a
// compiled filter expression, keeping field names and operators visible for
// debugging while hiding potentially sensitive values.
func RedactFilterLiterals(filter string) string {
	var sb strings.Builder
	inLiteral := false
	for i := 0; i < len(filter); i++ {
		c := filter[i]
		switch {
		case c == '`' && (i == 0 || filter[i-1] != '\\'):
			inLiteral = !inLiteral
			sb.WriteByte(c)
			if !inLiteral {
				sb.WriteString(redacted)
			}
		case inLiteral:
			// swallow literal content; written as REDACTED above on close
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Timer measures and emits a duration when Stop is called, mirroring
// internal/logging.StartTimer/Stop.
type Timer struct {
	observer *Observer
	category Category
	kind     string
	start    time.Time
	fields   map[string]any
}

// StartTimer begins timing an operation.
func (o *Observer) StartTimer(category Category, kind string, fields map[string]any) *Timer {
	return &Timer{observer: o, category: category, kind: kind, start: time.Now(), fields: fields}
}

// Stop emits the timed event with a duration_ms field merged in.
func (t *Timer) Stop() {
	fields := make(map[string]any, len(t.fields)+1)
	for k, v := range t.fields {
		fields[k] = v
	}
	fields["duration_ms"] = time.Since(t.start).Milliseconds()
	t.observer.Emit(Event{Category: t.category, Kind: t.kind, Fields: fields})
}
