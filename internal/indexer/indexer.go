// Package indexer runs the rebuild-a-partition pipeline (spec §4.8 / C9):
// fetch rows, map them through a compiled Mapper into JSONL documents,
// bulk-import with retry/backoff and 413 bisection, and optionally delete
// now-stale documents.
//
// Grounded on internal/shards/researcher/retry.go's RetryConfig /
// WithRetry / calculateBackoff shape, generalized with symmetric jitter
// and narrowed to the Timeout/Connection/429/5xx retry class (spec §4.8),
// and on internal/campaign/intelligence_gatherer.go's errgroup.WithContext
// bounded fan-out for partition parallelism.
package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tscore/internal/config"
	"tscore/internal/errs"
	"tscore/internal/mapper"
	"tscore/internal/obs"
	"tscore/internal/transport"
)

// RowSource fetches all rows belonging to one partition. A nil partition
// means "the whole collection" (spec §4.8 step 2).
type RowSource func(ctx context.Context, partition any) ([]any, error)

// Hooks are optional before/after callbacks run once per partition (spec
// §4.8 step 2). Before is skipped when the target collection is missing or
// partition is nil.
type Hooks struct {
	Before        func(ctx context.Context, partition any) error
	After         func(ctx context.Context, partition any) error
	HookTimeout   time.Duration
}

// BatchSummary reports one batch's outcome (spec §4.8 Output).
type BatchSummary struct {
	BatchIndex     int
	DocsAttempted  int
	DocsSucceeded  int
	DocsFailed     int
	Attempts       int
	DurationMs     int64
	ErrorSamples   []string
}

// Summary is the top-level run report (spec §4.8 Output).
type Summary struct {
	Collection       string
	Status           string // "ok" | "partial" | "failed"
	BatchesTotal     int
	DocsTotal        int
	SuccessTotal     int
	FailedTotal      int
	DurationMsTotal  int64
	Batches          []BatchSummary
}

func (s *Summary) merge(b BatchSummary) {
	s.BatchesTotal++
	s.DocsTotal += b.DocsAttempted
	s.SuccessTotal += b.DocsSucceeded
	s.FailedTotal += b.DocsFailed
	s.DurationMsTotal += b.DurationMs
	s.Batches = append(s.Batches, b)
}

func (s *Summary) finalizeStatus() {
	switch {
	case s.FailedTotal == 0:
		s.Status = "ok"
	case s.SuccessTotal == 0:
		s.Status = "failed"
	default:
		s.Status = "partial"
	}
}

// Indexer executes the rebuild-a-partition pipeline for one model/mapper
// pair against one backend client.
type Indexer struct {
	Client   *transport.Client
	Observer *obs.Observer
	Mapper   *mapper.Mapper
	BatchCfg config.IndexerConfig
	RetryCfg config.RetryConfig
}

// New builds an Indexer.
func New(client *transport.Client, observer *obs.Observer, m *mapper.Mapper, batchCfg config.IndexerConfig, retryCfg config.RetryConfig) *Indexer {
	return &Indexer{Client: client, Observer: observer, Mapper: m, BatchCfg: batchCfg, RetryCfg: retryCfg}
}

// RunPartition streams rows through the pipeline for a single partition
// into collection `into` (spec §4.8 steps 2-4). rows are chunked into
// batches of BatchCfg.BatchSize.
func (idx *Indexer) RunPartition(ctx context.Context, into string, partition any, rows []any, hooks Hooks, collectionExists bool) (Summary, error) {
	summary := Summary{Collection: into}

	skipBefore := !collectionExists || partition == nil
	if hooks.Before != nil && !skipBefore {
		if err := runHook(ctx, hooks.Before, partition, hooks.HookTimeout); err != nil {
			return summary, errs.Wrap(errs.KindAPI, err, "before_partition hook failed for %q", into)
		}
	}

	batchSize := idx.BatchCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for start, batchIdx := 0, 0; start < len(rows); start, batchIdx = start+batchSize, batchIdx+1 {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		bs, err := idx.runBatch(ctx, into, chunk, batchIdx)
		summary.merge(bs)
		if err != nil && bs.DocsSucceeded == 0 {
			// A batch that failed entirely for a non-retryable reason still
			// contributes its summary; the run continues with the next batch
			// so one bad batch doesn't abort an entire partition.
			continue
		}
	}

	if hooks.After != nil {
		if err := runHook(ctx, hooks.After, partition, hooks.HookTimeout); err != nil {
			idx.Observer.Emit(obs.Event{Category: obs.CategoryIndexer, Kind: "after_partition_failed", Fields: map[string]any{
				"collection": into, "error": err.Error(),
			}})
		}
	}

	summary.finalizeStatus()
	return summary, nil
}

func runHook(ctx context.Context, fn func(ctx context.Context, partition any) error, partition any, timeout time.Duration) error {
	if timeout <= 0 {
		return fn(ctx, partition)
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(hctx, partition)
}

func (idx *Indexer) runBatch(ctx context.Context, into string, rows []any, batchIdx int) (BatchSummary, error) {
	start := time.Now()
	docs, report, err := idx.Mapper.MapBatch(rows, batchIdx)
	if err != nil {
		return BatchSummary{BatchIndex: batchIdx, DocsAttempted: len(rows), DocsFailed: len(rows)}, err
	}
	mapper.EmitReport(idx.Observer, into, report)

	now := time.Now().Unix()
	for _, d := range docs {
		d["doc_updated_at"] = now // authoritative overwrite, spec §4.8 step 3
	}

	bs, err := idx.importWithRetryAndSplit(ctx, into, docs, batchIdx)
	bs.DurationMs = time.Since(start).Milliseconds()
	bs.DocsFailed += report.RowsRejected
	return bs, err
}

// importWithRetryAndSplit imports docs with the retry policy; on a 413
// response for a multi-doc payload it bisects and retries each half
// recursively (spec §4.8 "413 split").
func (idx *Indexer) importWithRetryAndSplit(ctx context.Context, into string, docs []map[string]any, batchIdx int) (BatchSummary, error) {
	bs := BatchSummary{BatchIndex: batchIdx, DocsAttempted: len(docs)}
	if len(docs) == 0 {
		return bs, nil
	}

	jsonl, err := toJSONL(docs)
	if err != nil {
		return bs, errs.Wrap(errs.KindInvalidParams, err, "serializing batch %d", batchIdx)
	}

	var lastErr error
	attempts := 0
	err = retryWithBackoff(ctx, idx.RetryCfg, func() error {
		attempts++
		_, ierr := idx.Client.Import(ctx, into, jsonl, transport.ImportUpsert)
		if ierr == nil {
			bs.DocsSucceeded += len(docs)
			return nil
		}
		lastErr = ierr
		return ierr
	})
	bs.Attempts = attempts

	if err == nil {
		return bs, nil
	}

	if isPayloadTooLarge(err) && len(docs) > 1 {
		mid := len(docs) / 2
		left, lerr := idx.importWithRetryAndSplit(ctx, into, docs[:mid], batchIdx)
		right, rerr := idx.importWithRetryAndSplit(ctx, into, docs[mid:], batchIdx)
		bs.DocsSucceeded = left.DocsSucceeded + right.DocsSucceeded
		bs.DocsFailed = left.DocsFailed + right.DocsFailed
		bs.Attempts = left.Attempts + right.Attempts
		bs.ErrorSamples = append(left.ErrorSamples, right.ErrorSamples...)
		if lerr != nil || rerr != nil {
			return bs, errs.New(errs.KindAPI, "split batch %d had sub-batch failures", batchIdx)
		}
		return bs, nil
	}

	bs.DocsFailed += len(docs)
	if lastErr != nil {
		bs.ErrorSamples = append(bs.ErrorSamples, lastErr.Error())
	}
	return bs, lastErr
}

func isPayloadTooLarge(err error) bool {
	var e *errs.Error
	if !asErrsError(err, &e) {
		return false
	}
	return e.Kind == errs.KindAPI && e.Status == 413
}

func asErrsError(err error, target **errs.Error) bool {
	if e, ok := err.(*errs.Error); ok {
		*target = e
		return true
	}
	return false
}

func toJSONL(docs []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// retryWithBackoff retries fn per spec §4.8's policy: on
// Timeout|Connection|429|5xx, exponential backoff min(base*2^(k-1), max)
// with symmetric jitter ±exp*jitter_fraction, up to cfg.Attempts tries.
// All other errors propagate immediately without retry.
func retryWithBackoff(ctx context.Context, cfg config.RetryConfig, fn func() error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for k := 1; k <= attempts; k++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.Retryable(lastErr) {
			return lastErr
		}
		if k == attempts {
			break
		}

		backoff := backoffFor(cfg, k)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func backoffFor(cfg config.RetryConfig, attempt int) time.Duration {
	base := float64(cfg.BaseMs)
	exp := base * math.Pow(2, float64(attempt-1))
	maxMs := float64(cfg.MaxMs)
	if maxMs > 0 && exp > maxMs {
		exp = maxMs
	}
	jitterFraction := cfg.JitterFraction
	if jitterFraction > 0 {
		delta := exp * jitterFraction
		exp += (rand.Float64()*2 - 1) * delta
	}
	if exp < 0 {
		exp = 0
	}
	return time.Duration(exp) * time.Millisecond
}

// RunPartitions fans out RunPartition across partitions, bounded by
// maxParallel concurrent goroutines (spec §4.8, §5 concurrency).
func (idx *Indexer) RunPartitions(ctx context.Context, into string, partitions []any, fetch RowSource, hooks Hooks, collectionExists bool, maxParallel int) (Summary, error) {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallel)

	var mu sync.Mutex
	total := Summary{Collection: into}

	for _, p := range partitions {
		p := p
		eg.Go(func() error {
			rows, err := fetch(egCtx, p)
			if err != nil {
				return errs.Wrap(errs.KindAPI, err, "fetching partition")
			}
			result, err := idx.RunPartition(egCtx, into, p, rows, hooks, collectionExists)
			mu.Lock()
			for _, b := range result.Batches {
				total.merge(b)
			}
			mu.Unlock()
			return err
		})
	}

	err := eg.Wait()
	total.finalizeStatus()
	return total, err
}

// StaleReport is the outcome of DeleteStale (spec §4.8 "Stale deletes").
type StaleReport struct {
	Skipped     bool
	SkipReason  string
	DeletedCount int
	Duration    time.Duration
	FilterHash  string
}

// DeleteStale deletes documents matching a model-declared stale filter.
// staleFilterBy is the model's StaleFilterBy function; it may be nil.
func (idx *Indexer) DeleteStale(ctx context.Context, into string, staleFilterBy func() (string, error), enabled, strict, dryRun bool) (StaleReport, error) {
	if !enabled {
		return StaleReport{Skipped: true, SkipReason: "stale deletes globally disabled"}, nil
	}
	if staleFilterBy == nil {
		return StaleReport{Skipped: true, SkipReason: "no stale filter defined"}, nil
	}
	filter, err := staleFilterBy()
	if err != nil {
		return StaleReport{}, errs.Wrap(errs.KindAPI, err, "computing stale filter")
	}
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return StaleReport{Skipped: true, SkipReason: "resolved filter is empty"}, nil
	}
	if strict && isSuspiciousFilter(filter) {
		return StaleReport{Skipped: true, SkipReason: "filter looks suspicious (no comparator)"}, nil
	}

	sum := sha256.Sum256([]byte(filter))
	filterHash := hex.EncodeToString(sum[:])

	start := time.Now()
	if dryRun {
		resp, err := idx.Client.Search(ctx, into, map[string]any{"q": "*", "filter_by": filter, "per_page": "0"}, nil)
		if err != nil {
			return StaleReport{}, errs.Wrap(errs.KindAPI, err, "estimating stale match count")
		}
		var decoded struct {
			Found int `json:"found"`
		}
		if err := resp.JSON(&decoded); err != nil {
			return StaleReport{}, errs.Wrap(errs.KindAPI, err, "decoding stale match count for %q", into)
		}
		return StaleReport{DeletedCount: decoded.Found, Duration: time.Since(start), FilterHash: filterHash}, nil
	}

	resp, err := idx.Client.DeleteByFilter(ctx, into, filter)
	if err != nil {
		return StaleReport{}, errs.Wrap(errs.KindAPI, err, "deleting stale documents for %q", into)
	}
	var decoded struct {
		NumDeleted int `json:"num_deleted"`
	}
	if err := resp.JSON(&decoded); err != nil {
		return StaleReport{}, errs.Wrap(errs.KindAPI, err, "decoding delete response for %q", into)
	}
	return StaleReport{DeletedCount: decoded.NumDeleted, Duration: time.Since(start), FilterHash: filterHash}, nil
}

// isSuspiciousFilter flags filters a strict stale-delete policy should
// refuse to run unattended: no comparator token at all, or a bare "*"
// wildcard with no accompanying comparator (spec §4.8).
func isSuspiciousFilter(filter string) bool {
	hasComparator := strings.ContainsAny(filter, "=<>!")
	if !hasComparator {
		return true
	}
	trimmed := strings.TrimSpace(filter)
	if trimmed == "*" {
		return true
	}
	return false
}
