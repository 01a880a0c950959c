// Package worker implements the single-consumer processing loop: it
// pulls submitted reports off the queue, embeds the image, queries the
// vector index for opposite-kind candidates, decides the outcome, always
// appends the new report to the index, persists the index pair, writes
// the job and result records, and propagates a matched outcome to every
// carried counterpart.
//
// One job is fully processed before the next is dequeued, so the loop is
// the only mutator of its in-memory index copy. Deletions happen in
// another process against the files; the loop picks those up through the
// reload token checked once per poll iteration.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/match"
	"github.com/FoundlyHQ/foundly-mvp/engine/vecindex"
	"github.com/FoundlyHQ/foundly-mvp/pkg/embedder"
	"github.com/FoundlyHQ/foundly-mvp/pkg/fn"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
	"github.com/FoundlyHQ/foundly-mvp/pkg/metrics"
	"github.com/FoundlyHQ/foundly-mvp/pkg/resilience"
)

// Queue is the dequeue side of the job queue. A nil payload with a nil
// error means the bounded wait elapsed.
type Queue interface {
	Dequeue(ctx context.Context, wait time.Duration) (context.Context, *domain.JobPayload, error)
}

// Deps holds the worker's collaborators.
type Deps struct {
	Queue    Queue
	Embedder embedder.Embedder
	Index    *vecindex.Handle
	Store    *jobstore.Store
	Logger   *slog.Logger
	Metrics  *metrics.Registry

	// Breaker, when set, guards the embedding call so a down sidecar
	// fails jobs fast instead of eating the full timeout each time.
	Breaker *resilience.Breaker

	// PollWait bounds each dequeue call so the reload token is checked
	// regularly. Defaults to 2s.
	PollWait time.Duration

	// EmbedTimeout bounds a single embedding call so a hung sidecar
	// cannot stall the loop forever. Defaults to 30s.
	EmbedTimeout time.Duration

	// K is the query fan-out. Defaults to match.DefaultK.
	K int
}

// Worker is the processing loop.
type Worker struct {
	deps Deps
	log  *slog.Logger

	mOutcome  func(outcome string) *metrics.Counter
	mErrors   func(stage string) *metrics.Counter
	mSkipped  *metrics.Counter
	mReloads  *metrics.Counter
	mPropFail *metrics.Counter
	mIndexLen *metrics.Gauge
	mTombs    *metrics.Gauge
	mEmbedDur *metrics.Histogram
	mSaveDur  *metrics.Histogram
}

// New creates a Worker, filling in defaults for unset Deps fields.
func New(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.PollWait <= 0 {
		deps.PollWait = 2 * time.Second
	}
	if deps.EmbedTimeout <= 0 {
		deps.EmbedTimeout = 30 * time.Second
	}
	if deps.K <= 0 {
		deps.K = match.DefaultK
	}

	met := deps.Metrics
	return &Worker{
		deps: deps,
		log:  deps.Logger,
		mOutcome: func(outcome string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("foundly_worker_jobs_total", "outcome", outcome), "Jobs processed by outcome")
		},
		mErrors: func(stage string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("foundly_worker_errors_total", "stage", stage), "Per-stage processing errors")
		},
		mSkipped:  met.Counter("foundly_worker_jobs_skipped_total", "Redelivered jobs skipped by the idempotency check"),
		mReloads:  met.Counter("foundly_worker_index_reloads_total", "In-memory index reloads triggered by the token"),
		mPropFail: met.Counter("foundly_worker_propagation_failures_total", "Counterpart updates that failed (best-effort)"),
		mIndexLen: met.Gauge("foundly_worker_index_rows", "Rows in the index, tombstones included"),
		mTombs:    met.Gauge("foundly_worker_index_tombstones", "Tombstoned rows in the index"),
		mEmbedDur: met.Histogram("foundly_worker_embed_duration_seconds", "Embedding sidecar call time", nil),
		mSaveDur:  met.Histogram("foundly_worker_persist_duration_seconds", "Index pair save time", nil),
	}
}

// Run consumes jobs until ctx is canceled. A failing job is logged and
// the loop moves on; only cancellation ends it.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "poll_wait", w.deps.PollWait, "k", w.deps.K, "dim", w.deps.Embedder.Dimension())

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return nil
		default:
		}

		w.checkReload(ctx)

		msgCtx, payload, err := w.deps.Queue.Dequeue(ctx, w.deps.PollWait)
		if err != nil {
			w.mErrors("dequeue").Inc()
			w.log.Error("dequeue failed", "error", err)
			continue
		}
		if payload == nil {
			continue
		}

		w.log.Info("processing job", "job_id", payload.JobID, "kind", payload.Kind)
		if err := w.Process(msgCtx, *payload); err != nil {
			w.log.Error("job failed", "job_id", payload.JobID, "error", err)
		}
	}
}

// checkReload compares the store's reload token against the one the
// cached index copy was loaded under, and reloads on mismatch.
func (w *Worker) checkReload(ctx context.Context) {
	token, err := w.deps.Store.ReloadToken(ctx)
	if err != nil {
		w.mErrors("reload").Inc()
		w.log.Warn("reload token read failed", "error", err)
		return
	}
	if token == w.deps.Index.Token() {
		return
	}
	if err := w.deps.Index.Reload(); err != nil {
		w.mErrors("reload").Inc()
		w.log.Error("index reload failed", "error", err)
		return
	}
	w.deps.Index.SetToken(token)
	w.mReloads.Inc()
	w.log.Info("index reloaded", "token", token, "rows", w.deps.Index.Index().Len())
}

// embeddedJob and decidedJob thread state between pipeline stages.
type embeddedJob struct {
	payload domain.JobPayload
	vec     []float32
}

type decidedJob struct {
	embeddedJob
	result  domain.Result
	carried []domain.MatchCandidate
}

// Process runs one job through validate → embed → decide → store and, on
// a matched outcome, propagates to each carried counterpart. The report
// is appended to the index regardless of outcome, so both sides of a
// match remain discoverable for future queries.
func (w *Worker) Process(ctx context.Context, p domain.JobPayload) error {
	if err := domain.ValidateJobPayload(p); err != nil {
		w.mErrors("validate").Inc()
		return err
	}

	// Idempotency guard for at-least-once delivery: a redelivered job
	// whose record already holds a terminal status is not reprocessed,
	// so it cannot insert a duplicate vector.
	if job, err := w.deps.Store.GetJob(ctx, p.JobID); err == nil {
		if job.Status == domain.StatusMatched || job.Status == domain.StatusNoMatch {
			w.mSkipped.Inc()
			w.log.Info("skipping redelivered job", "job_id", p.JobID, "status", job.Status)
			return nil
		}
	}

	embed := w.embedStage()
	if w.deps.Breaker != nil {
		embed = resilience.BreakerStage(w.deps.Breaker, embed)
	}

	pipeline := fn.Then(
		fn.TracedStage("worker.embed", embed),
		fn.Then(
			fn.TracedStage("worker.decide", w.decideStage()),
			fn.TracedStage("worker.store", w.storeStage()),
		),
	)

	result := pipeline(ctx, p)
	if result.IsErr() {
		_, err := result.Unwrap()
		return err
	}

	d, _ := result.Unwrap()
	w.mOutcome(d.result.Status).Inc()
	if d.result.Status == domain.StatusMatched {
		w.propagate(ctx, d)
	}
	return nil
}

// embedStage decodes the image and calls the sidecar under a bounded
// timeout. No result record is written on failure: the submitter's
// result stays pending, the documented behavior for dropped jobs.
func (w *Worker) embedStage() fn.Stage[domain.JobPayload, embeddedJob] {
	return func(ctx context.Context, p domain.JobPayload) fn.Result[embeddedJob] {
		image, err := base64.StdEncoding.DecodeString(p.ImageB64)
		if err != nil {
			w.mErrors("embed").Inc()
			return fn.Errf[embeddedJob]("decode image: %w", err)
		}

		embedCtx, cancel := context.WithTimeout(ctx, w.deps.EmbedTimeout)
		defer cancel()

		start := time.Now()
		vec, err := w.deps.Embedder.Embed(embedCtx, image)
		w.mEmbedDur.Since(start)
		if err != nil {
			w.mErrors("embed").Inc()
			return fn.Errf[embeddedJob]("embed job %s: %w", p.JobID, err)
		}
		return fn.Ok(embeddedJob{payload: p, vec: vec})
	}
}

// decideStage queries the opposite kind and applies the tier policy:
// any high-confidence candidate wins, else any medium, else no match.
func (w *Worker) decideStage() fn.Stage[embeddedJob, decidedJob] {
	return func(ctx context.Context, e embeddedJob) fn.Result[decidedJob] {
		p := e.payload
		cands, err := match.Query(w.deps.Index.Index(), e.vec, p.Kind.Opposite(), p.Location, w.deps.K)
		if err != nil {
			w.mErrors("query").Inc()
			return fn.Errf[decidedJob]("query for job %s: %w", p.JobID, err)
		}
		high, medium := match.Partition(cands)

		d := decidedJob{embeddedJob: e}
		switch {
		case len(high) > 0:
			d.carried = high
			d.result = domain.Result{Status: domain.StatusMatched, Matches: high, Message: domain.MsgHighMatch}
		case len(medium) > 0:
			d.carried = medium
			d.result = domain.Result{Status: domain.StatusMatched, Matches: medium, Message: domain.MsgMediumMatch}
		default:
			d.result = domain.Result{Status: domain.StatusNoMatch, Message: domain.NoMatchMessage(p.Kind)}
		}
		return fn.Ok(d)
	}
}

// storeStage appends the vector, persists the pair, and writes the job
// and result records with a fresh retention TTL.
func (w *Worker) storeStage() fn.Stage[decidedJob, decidedJob] {
	return func(ctx context.Context, d decidedJob) fn.Result[decidedJob] {
		p := d.payload
		meta := metaFromPayload(p)

		if _, err := w.deps.Index.Index().Add(d.vec, meta); err != nil {
			// Dimension mismatch means a provider/version skew; this is
			// the one non-recoverable condition in the pipeline.
			w.mErrors("insert").Inc()
			return fn.Err[decidedJob](err)
		}

		start := time.Now()
		if err := w.deps.Index.Save(); err != nil {
			w.mErrors("persist").Inc()
			return fn.Errf[decidedJob]("persist index for job %s: %w", p.JobID, err)
		}
		w.mSaveDur.Since(start)
		w.mIndexLen.Set(int64(w.deps.Index.Index().Len()))
		w.mTombs.Set(int64(w.deps.Index.Index().Tombstones()))

		if err := w.writeRecords(ctx, d); err != nil {
			w.mErrors("records").Inc()
			return fn.Err[decidedJob](err)
		}
		return fn.Ok(d)
	}
}

func (w *Worker) writeRecords(ctx context.Context, d decidedJob) error {
	p := d.payload

	job, err := w.deps.Store.GetJob(ctx, p.JobID)
	if errors.Is(err, kv.ErrNotFound) {
		// Record expired or the producer never wrote one; rebuild from
		// the payload so the status update is not lost.
		job = jobFromPayload(p)
	} else if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	job.Status = d.result.Status
	job.ProcessedAt = float64(time.Now().UnixNano()) / float64(time.Second)

	if err := w.deps.Store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("write job %s: %w", p.JobID, err)
	}
	if err := w.deps.Store.PutResult(ctx, p.JobID, d.result); err != nil {
		return fmt.Errorf("write result %s: %w", p.JobID, err)
	}
	return nil
}

// propagate makes the match visible from the other side: each carried
// counterpart's job record flips to matched with a kind-specific message
// and a refreshed TTL, and its result record is overwritten with one
// synthetic entry referencing the current job. Failures are logged and
// never roll back the primary job's writes.
func (w *Worker) propagate(ctx context.Context, d decidedJob) {
	self := metaFromPayload(d.payload)

	for _, c := range d.carried {
		counterpart := c.Meta.JobID
		job, err := w.deps.Store.GetJob(ctx, counterpart)
		if err != nil {
			w.mPropFail.Inc()
			w.log.Warn("propagation: load counterpart failed", "job_id", counterpart, "error", err)
			continue
		}

		job.Status = domain.StatusMatched
		job.Message = domain.CounterpartMessage(job.Kind)
		if err := w.deps.Store.PutJob(ctx, job); err != nil {
			w.mPropFail.Inc()
			w.log.Warn("propagation: write counterpart job failed", "job_id", counterpart, "error", err)
			continue
		}

		res := domain.Result{
			Status:  domain.StatusMatched,
			Matches: []domain.MatchCandidate{{Meta: self, Score: c.Score}},
			Message: job.Message,
		}
		if err := w.deps.Store.PutResult(ctx, counterpart, res); err != nil {
			w.mPropFail.Inc()
			w.log.Warn("propagation: write counterpart result failed", "job_id", counterpart, "error", err)
		}
	}
}

func metaFromPayload(p domain.JobPayload) domain.VectorMeta {
	ts := p.Timestamp
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	return domain.VectorMeta{
		JobID:         p.JobID,
		Kind:          p.Kind,
		Location:      p.Location,
		Date:          p.Date,
		ItemName:      p.ItemName,
		SubmitterID:   p.SubmitterID,
		SubmitterName: p.SubmitterName,
		Timestamp:     ts,
	}
}

func jobFromPayload(p domain.JobPayload) domain.Job {
	return domain.Job{
		JobID:         p.JobID,
		Kind:          p.Kind,
		Location:      p.Location,
		Date:          p.Date,
		ItemName:      p.ItemName,
		SubmitterID:   p.SubmitterID,
		SubmitterName: p.SubmitterName,
		Timestamp:     p.Timestamp,
		Status:        domain.StatusQueued,
	}
}
