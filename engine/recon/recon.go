// Package recon keeps the three stores honest around deletions and
// record expiry. Job and result records expire on their retention TTL;
// index rows and tracking-set members do not expire on their own, and
// result records may keep referencing a report after it is deleted.
// Reconciliation closes those gaps: an explicit delete flow that
// tombstones the index row and scrubs stale references, plus a lazy
// read path that prunes tracking sets whose records have lapsed and
// repairs results still referencing tombstoned rows.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/vecindex"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
)

// Reconciler runs in the request-serving process. It never holds a
// cached index; every index operation loads the persisted pair fresh and
// signals long-lived holders through the reload token afterwards.
type Reconciler struct {
	store     *jobstore.Store
	indexPath string
	metaPath  string
	dim       int
	log       *slog.Logger
}

// New creates a Reconciler over the given store and index pair.
func New(store *jobstore.Store, indexPath, metaPath string, dim int, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, indexPath: indexPath, metaPath: metaPath, dim: dim, log: log}
}

// DeleteJob removes every trace of a report: its job and result records,
// its tracking-set memberships, and its index row (tombstoned, then the
// pair is rewritten and the reload token bumped). Scrubbing other
// reports' results that reference the deleted id is best-effort; a
// partial scrub only leaves stale references, which a later delete or
// record expiry clears.
func (r *Reconciler) DeleteJob(ctx context.Context, id string) error {
	job, err := r.store.GetJob(ctx, id)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("recon: load job %s: %w", id, err)
	}
	if errors.Is(err, kv.ErrNotFound) {
		// Record already expired; the index row and set members may
		// still exist, so the rest of the flow proceeds with what we
		// know. Kind defaults to lost so the lost set is cleared too.
		job = domain.Job{JobID: id, Kind: domain.KindLost}
	}

	if err := r.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("recon: delete job %s: %w", id, err)
	}
	if err := r.store.DeleteResult(ctx, id); err != nil {
		return fmt.Errorf("recon: delete result %s: %w", id, err)
	}
	if err := r.store.Untrack(ctx, job); err != nil {
		return fmt.Errorf("recon: untrack %s: %w", id, err)
	}

	if err := r.tombstone(ctx, id); err != nil {
		return err
	}

	r.scrubReferences(ctx, id)
	return nil
}

// tombstone soft-deletes the report's row in a freshly loaded copy of
// the pair, persists it, and bumps the reload token. No artifacts on
// disk means no row to delete.
func (r *Reconciler) tombstone(ctx context.Context, id string) error {
	ix, err := vecindex.Load(r.indexPath, r.metaPath, r.dim)
	if errors.Is(err, vecindex.ErrNoArtifacts) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recon: load index: %w", err)
	}
	if !ix.SoftDelete(id) {
		return nil
	}
	if err := ix.Save(r.indexPath, r.metaPath); err != nil {
		return fmt.Errorf("recon: persist index: %w", err)
	}
	if _, err := r.store.BumpReload(ctx); err != nil {
		return fmt.Errorf("recon: bump reload token: %w", err)
	}
	return nil
}

// scrubReferences walks every tracked job and strips match entries that
// reference the deleted id from its result record. A result left with no
// matches is downgraded to a no-match outcome for its own kind.
func (r *Reconciler) scrubReferences(ctx context.Context, deleted string) {
	ids, err := r.store.AllJobIDs(ctx)
	if err != nil {
		r.log.Warn("scrub: list jobs failed", "error", err)
		return
	}

	for _, id := range ids {
		if id == deleted {
			continue
		}
		res, err := r.store.GetResult(ctx, id)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			r.log.Warn("scrub: load result failed", "job_id", id, "error", err)
			continue
		}

		kept := res.Matches[:0]
		for _, m := range res.Matches {
			if m.Meta.JobID != deleted {
				kept = append(kept, m)
			}
		}
		if len(kept) == len(res.Matches) {
			continue
		}
		res.Matches = kept

		if len(res.Matches) == 0 && res.Status == domain.StatusMatched {
			res.Status = domain.StatusNoMatch
			kind := domain.KindLost
			if job, err := r.store.GetJob(ctx, id); err == nil {
				kind = job.Kind
			}
			res.Message = domain.NoMatchMessage(kind)

			if job, err := r.store.GetJob(ctx, id); err == nil {
				job.Status = domain.StatusNoMatch
				job.Message = res.Message
				if err := r.store.PutJob(ctx, job); err != nil {
					r.log.Warn("scrub: downgrade job failed", "job_id", id, "error", err)
				}
			}
		}

		if err := r.store.PutResult(ctx, id, res); err != nil {
			r.log.Warn("scrub: rewrite result failed", "job_id", id, "error", err)
		}
	}
}

// UserJobs returns the live job records for one submitter, pruning set
// members whose records have expired.
func (r *Reconciler) UserJobs(ctx context.Context, uid string) ([]domain.Job, error) {
	ids, err := r.store.UserJobIDs(ctx, uid)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, ids, uid)
}

// AllJobs returns every live job record, pruning expired members.
func (r *Reconciler) AllJobs(ctx context.Context) ([]domain.Job, error) {
	ids, err := r.store.AllJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, ids, "")
}

// LostJobs returns every live lost-report record, pruning expired members.
func (r *Reconciler) LostJobs(ctx context.Context) ([]domain.Job, error) {
	ids, err := r.store.LostJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, ids, "")
}

// collect resolves ids to records. An id whose record has expired is
// removed from the tracking sets on the way past; failures there only
// delay the next pruning pass. Matched records are additionally checked
// against the live index rows, a backstop for deletions whose scrub
// never ran.
func (r *Reconciler) collect(ctx context.Context, ids []string, uid string) ([]domain.Job, error) {
	var (
		live       map[string]bool
		liveFailed bool
	)
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.store.GetJob(ctx, id)
		if errors.Is(err, kv.ErrNotFound) {
			stale := domain.Job{JobID: id, Kind: domain.KindLost, SubmitterID: uid}
			if err := r.store.Untrack(ctx, stale); err != nil {
				r.log.Warn("prune: untrack failed", "job_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == domain.StatusMatched && !liveFailed {
			if live == nil {
				if live, err = r.liveIDs(); err != nil {
					r.log.Warn("repair: load index failed", "error", err)
					liveFailed = true
				}
			}
			if !liveFailed {
				job = r.repair(ctx, job, live)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// liveIDs returns the job ids with a non-tombstoned row in a freshly
// loaded copy of the pair. No artifacts means nothing is matchable.
func (r *Reconciler) liveIDs() (map[string]bool, error) {
	ix, err := vecindex.Load(r.indexPath, r.metaPath, r.dim)
	if errors.Is(err, vecindex.ErrNoArtifacts) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, ix.Len())
	for i := 0; i < ix.Len(); i++ {
		if m := ix.Meta(i); !m.Deleted {
			live[m.JobID] = true
		}
	}
	return live, nil
}

// repair strips match entries whose referenced report no longer has a
// live index row, downgrading the record pair when nothing survives.
// Write failures are logged; the next listing retries.
func (r *Reconciler) repair(ctx context.Context, job domain.Job, live map[string]bool) domain.Job {
	res, err := r.store.GetResult(ctx, job.JobID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			r.log.Warn("repair: load result failed", "job_id", job.JobID, "error", err)
		}
		return job
	}

	kept := res.Matches[:0]
	for _, m := range res.Matches {
		if live[m.Meta.JobID] {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(res.Matches) {
		return job
	}
	res.Matches = kept

	if len(res.Matches) == 0 {
		res.Status = domain.StatusNoMatch
		res.Message = domain.NoMatchMessage(job.Kind)
		job.Status = domain.StatusNoMatch
		job.Message = res.Message
		if err := r.store.PutJob(ctx, job); err != nil {
			r.log.Warn("repair: downgrade job failed", "job_id", job.JobID, "error", err)
		}
	}
	if err := r.store.PutResult(ctx, job.JobID, res); err != nil {
		r.log.Warn("repair: rewrite result failed", "job_id", job.JobID, "error", err)
	}
	return job
}

// Items lists the live (non-tombstoned) index metadata of one kind from
// a fresh load of the persisted pair. No artifacts reads as empty.
func (r *Reconciler) Items(kind domain.ReportKind) ([]domain.VectorMeta, error) {
	ix, err := vecindex.Load(r.indexPath, r.metaPath, r.dim)
	if errors.Is(err, vecindex.ErrNoArtifacts) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recon: load index: %w", err)
	}

	var items []domain.VectorMeta
	for i := 0; i < ix.Len(); i++ {
		m := ix.Meta(i)
		if m.Deleted || m.Kind != kind {
			continue
		}
		items = append(items, m)
	}
	return items, nil
}
