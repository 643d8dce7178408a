// Package engine composes the source and the store into the discover, load
// and verify passes of a sync run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infobloxopen/sheets-etl/config"
	"github.com/infobloxopen/sheets-etl/internal/grid"
	"github.com/infobloxopen/sheets-etl/internal/metrics"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/infobloxopen/sheets-etl/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes an Engine.
type Options struct {
	// DiscoverLimit caps the documents requested per discovery. Default 500.
	DiscoverLimit int
	// Concurrency bounds parallel job loads. Default 1.
	Concurrency int
	// VerifyCount is the number of documents Run re-checks. Default 1.
	VerifyCount int
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Engine runs sync passes for a fixed set of jobs.
type Engine struct {
	store   *store.Store
	source  source.Source
	jobs    []config.Job
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[jobKey]*sync.Mutex
}

// New builds an engine.
func New(st *store.Store, src source.Source, jobs []config.Job, opts Options) *Engine {
	if opts.DiscoverLimit <= 0 {
		opts.DiscoverLimit = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.VerifyCount <= 0 {
		opts.VerifyCount = 1
	}
	return &Engine{
		store:   st,
		source:  src,
		jobs:    jobs,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "engine").Logger(),
		metrics: opts.Metrics,
		locks:   make(map[jobKey]*sync.Mutex),
	}
}

// JobError is the failure of one job. Other jobs of the pass are unaffected.
type JobError struct {
	DocumentID string
	SubTable   string
	Err        error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s/%s: %v", e.DocumentID, e.SubTable, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// DiscoverResult describes one discovery pass.
type DiscoverResult struct {
	From      Watermark
	To        Watermark
	Documents []source.Document
}

// Discover records the documents modified after the current watermark as
// seen. Row data is not read.
func (e *Engine) Discover(ctx context.Context) (DiscoverResult, error) {
	from, err := NextWatermark(ctx, e.store)
	if err != nil {
		return DiscoverResult{}, err
	}
	// One extra slot so a source that repeats the boundary document still
	// yields a full page of new ones.
	listed, err := e.source.ListDocumentsModifiedSince(ctx, from.Modified, from.ID, e.opts.DiscoverLimit+1)
	if err != nil {
		return DiscoverResult{}, fmt.Errorf("failed to list documents after %s: %w", from, err)
	}
	docs := After(listed, from)
	if len(docs) > e.opts.DiscoverLimit {
		docs = docs[:e.opts.DiscoverLimit]
	}

	res := DiscoverResult{From: from, To: from}
	for _, d := range docs {
		if err := e.store.MarkDocumentSeen(ctx, d.ID, d.Modified, d.Name); err != nil {
			return res, err
		}
		e.metrics.DocumentSeen()
		res.Documents = append(res.Documents, d)
		res.To = Watermark{Modified: d.Modified, ID: d.ID}
	}

	e.logger.Info().
		Str("from", from.String()).
		Str("to", res.To.String()).
		Int("listed", len(listed)).
		Int("seen", len(res.Documents)).
		Msg("discovery finished")
	return res, nil
}

// JobOutcome is one committed job.
type JobOutcome struct {
	Job    config.Job
	Result store.LoadResult
}

// LoadReport collects the outcome of every extractable job, in
// configuration order.
type LoadReport struct {
	Loaded  []JobOutcome
	Skipped []JobOutcome
	Failed  []*JobError
}

// Err joins the job failures, or returns nil.
func (r LoadReport) Err() error {
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Load reloads every configured job whose document changed since its last
// load. Job failures are collected in the report; the returned error is
// reserved for failures of the pass itself.
func (e *Engine) Load(ctx context.Context) (LoadReport, error) {
	refs := make([]store.JobRef, len(e.jobs))
	byKey := make(map[jobKey]int, len(e.jobs))
	for i, j := range e.jobs {
		refs[i] = store.JobRef{DocumentID: j.DocumentID, SubTable: j.SubTable, TargetTable: j.TargetTable}
		byKey[jobKey{j.DocumentID, j.SubTable}] = i
	}
	extractable, err := e.store.FilterExtractable(ctx, refs)
	if err != nil {
		return LoadReport{}, err
	}
	e.logger.Info().Int("configured", len(e.jobs)).Int("extractable", len(extractable)).Msg("starting load")

	type outcome struct {
		res store.LoadResult
		err error
	}
	outcomes := make([]outcome, len(extractable))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, ref := range extractable {
		job := e.jobs[byKey[jobKey{ref.DocumentID, ref.SubTable}]]
		g.Go(func() error {
			res, err := e.LoadJob(ctx, job)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var report LoadReport
	for i, ref := range extractable {
		job := e.jobs[byKey[jobKey{ref.DocumentID, ref.SubTable}]]
		o := outcomes[i]
		switch {
		case o.err != nil:
			var jerr *JobError
			if !errors.As(o.err, &jerr) {
				jerr = &JobError{DocumentID: job.DocumentID, SubTable: job.SubTable, Err: o.err}
			}
			report.Failed = append(report.Failed, jerr)
		case o.res.Skipped:
			report.Skipped = append(report.Skipped, JobOutcome{Job: job, Result: o.res})
		default:
			report.Loaded = append(report.Loaded, JobOutcome{Job: job, Result: o.res})
		}
	}

	e.logger.Info().
		Int("loaded", len(report.Loaded)).
		Int("unchanged", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("load finished")
	return report, nil
}

// LoadJob extracts and commits one job regardless of whether its document
// changed. Concurrent calls for the same job are serialized.
func (e *Engine) LoadJob(ctx context.Context, job config.Job) (store.LoadResult, error) {
	unlock := e.lockJob(jobKey{job.DocumentID, job.SubTable})
	defer unlock()

	logger := e.logger.With().Str("document_id", job.DocumentID).Str("sub_table", job.SubTable).Logger()
	fail := func(err error) (store.LoadResult, error) {
		e.metrics.JobFailed()
		logger.Error().Err(err).Msg("job failed")
		return store.LoadResult{}, &JobError{DocumentID: job.DocumentID, SubTable: job.SubTable, Err: err}
	}

	raw, err := e.source.GetSubTableRows(ctx, job.DocumentID, job.SubTable)
	if err != nil {
		return fail(err)
	}
	g := grid.New(raw)
	cols, err := g.ResolveColumns(job.Specifiers(), job.HeaderRow)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	res, err := e.store.CommitLoad(ctx, store.LoadRequest{
		DocumentID:  job.DocumentID,
		SubTable:    job.SubTable,
		TargetTable: job.TargetTable,
		Columns:     job.OutputNames(),
		Rows:        g.SelectRows(cols, job.SkipRows),
		Fingerprint: grid.Fingerprint(raw, job.Settings()...),
	})
	if err != nil {
		return fail(err)
	}

	if res.Skipped {
		e.metrics.JobUnchanged(time.Since(start))
		logger.Info().Msg("content unchanged")
	} else {
		e.metrics.JobLoaded(res.RowsInserted, time.Since(start))
		logger.Info().
			Str("target_table", job.TargetTable).
			Int64("rows_deleted", res.RowsDeleted).
			Int64("rows_inserted", res.RowsInserted).
			Dur("duration", res.Duration).
			Msg("job loaded")
	}
	return res, nil
}

// jobKey identifies a job. Document ids may contain "/", so the pair is kept
// structured rather than joined.
type jobKey struct {
	documentID string
	subTable   string
}

func (e *Engine) lockJob(key jobKey) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// VerifyResult is the liveness state of one document.
type VerifyResult struct {
	DocumentID string
	Name       string
	Accessible bool
	// Err is the provider error when the document is not accessible.
	Err error
}

// VerifyOldest re-checks the n documents checked longest ago. Reachable
// documents get a fresh last-seen time; unreachable ones are reported and
// left in place. Either way the document moves to the back of the check
// order, so repeated calls cycle through every known document.
func (e *Engine) VerifyOldest(ctx context.Context, n int) ([]VerifyResult, error) {
	docs, err := e.store.OldestSeenDocuments(ctx, n)
	if err != nil {
		return nil, err
	}

	results := make([]VerifyResult, 0, len(docs))
	for _, d := range docs {
		meta, err := e.source.GetDocumentMetadata(ctx, d.ID)
		switch {
		case errors.Is(err, source.ErrNotAccessible):
			e.metrics.DocumentInaccessible()
			e.logger.Warn().Err(err).Str("document_id", d.ID).Str("last_seen", d.LastSeen).Msg("document no longer accessible")
			if merr := e.store.MarkDocumentChecked(ctx, d.ID); merr != nil {
				return results, merr
			}
			results = append(results, VerifyResult{DocumentID: d.ID, Name: d.Name, Err: err})
			continue
		case err != nil:
			return results, fmt.Errorf("failed to verify document %s: %w", d.ID, err)
		}

		name := meta.Name
		if name == "" {
			name = d.Name
		}
		if err := e.store.TouchDocument(ctx, d.ID, name); err != nil {
			return results, err
		}
		e.logger.Debug().Str("document_id", d.ID).Msg("document verified")
		results = append(results, VerifyResult{DocumentID: d.ID, Name: name, Accessible: true})
	}
	return results, nil
}

// RunReport is the outcome of one full pass.
type RunReport struct {
	Discover DiscoverResult
	Load     LoadReport
	Verify   []VerifyResult
}

// Run performs discovery, loading and the liveness check in sequence. A
// nil error means every pass ran; job failures are in Load.Failed.
func (e *Engine) Run(ctx context.Context) (report RunReport, err error) {
	defer func() {
		if err == nil {
			e.metrics.RunFinished(report.Load.Err())
		} else {
			e.metrics.RunFinished(err)
		}
	}()

	if report.Discover, err = e.Discover(ctx); err != nil {
		return report, fmt.Errorf("discover: %w", err)
	}
	if report.Load, err = e.Load(ctx); err != nil {
		return report, fmt.Errorf("load: %w", err)
	}
	if report.Verify, err = e.VerifyOldest(ctx, e.opts.VerifyCount); err != nil {
		return report, fmt.Errorf("verify: %w", err)
	}
	return report, nil
}
