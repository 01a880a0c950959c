// Package jobstore persists job and result records, per-submitter and
// global tracking sets, and the index reload token, over the pkg/kv
// contract.
//
// Key scheme (inherited from the system's original deployment, so stored
// data stays readable across versions): "job:{id}", "result:{id}",
// "user:jobs:{uid}:{id}", "jobs:all:{id}", "jobs:lost_all:{id}" and the
// singleton counter "faiss:reload". Record bodies are JSON; job and
// result records carry the bounded retention TTL, tracking sets and the
// reload token do not expire.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
)

// DefaultTTL is the bounded retention window for job and result records.
const DefaultTTL = 72 * time.Hour

func jobKey(id string) kv.Key    { return kv.Key{"job", id} }
func resultKey(id string) kv.Key { return kv.Key{"result", id} }

var (
	allSet    = kv.Key{"jobs", "all"}
	lostSet   = kv.Key{"jobs", "lost_all"}
	reloadKey = kv.Key{"faiss", "reload"}
)

func userSet(uid string) kv.Key { return kv.Key{"user", "jobs", uid} }

// Store wraps a kv.Store with the record layout above.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// New creates a Store. A zero ttl falls back to DefaultTTL.
func New(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

// TTL returns the configured retention window.
func (s *Store) TTL() time.Duration { return s.ttl }

// PutJob writes (or overwrites) a job record with a fresh TTL.
func (s *Store) PutJob(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode job %s: %w", job.JobID, err)
	}
	return s.kv.SetTTL(ctx, jobKey(job.JobID), data, s.ttl)
}

// GetJob reads a job record. Absent records return kv.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	data, err := s.kv.Get(ctx, jobKey(id))
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("jobstore: decode job %s: %w", id, err)
	}
	return job, nil
}

// DeleteJob removes a job record.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, jobKey(id))
}

// PutResult writes (or overwrites) a result record with a fresh TTL.
func (s *Store) PutResult(ctx context.Context, id string, res domain.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("jobstore: encode result %s: %w", id, err)
	}
	return s.kv.SetTTL(ctx, resultKey(id), data, s.ttl)
}

// GetResult reads a result record. Absent records return kv.ErrNotFound,
// which clients read as "still pending".
func (s *Store) GetResult(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	data, err := s.kv.Get(ctx, resultKey(id))
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("jobstore: decode result %s: %w", id, err)
	}
	return res, nil
}

// DeleteResult removes a result record.
func (s *Store) DeleteResult(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, resultKey(id))
}

// Track adds the job to the global set, the lost set when applicable,
// and the submitter's set when a submitter is known.
func (s *Store) Track(ctx context.Context, job domain.Job) error {
	member := []byte("1")
	if err := s.kv.Set(ctx, allSet.Append(job.JobID), member); err != nil {
		return err
	}
	if job.Kind == domain.KindLost {
		if err := s.kv.Set(ctx, lostSet.Append(job.JobID), member); err != nil {
			return err
		}
	}
	if job.SubmitterID != "" {
		if err := s.kv.Set(ctx, userSet(job.SubmitterID).Append(job.JobID), member); err != nil {
			return err
		}
	}
	return nil
}

// Untrack removes the job from every tracking set it may belong to.
func (s *Store) Untrack(ctx context.Context, job domain.Job) error {
	if err := s.kv.Delete(ctx, allSet.Append(job.JobID)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, lostSet.Append(job.JobID)); err != nil {
		return err
	}
	if job.SubmitterID != "" {
		if err := s.kv.Delete(ctx, userSet(job.SubmitterID).Append(job.JobID)); err != nil {
			return err
		}
	}
	return nil
}

// AllJobIDs lists every tracked job id.
func (s *Store) AllJobIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, allSet)
}

// LostJobIDs lists tracked lost-report job ids.
func (s *Store) LostJobIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, lostSet)
}

// UserJobIDs lists the job ids submitted by one user.
func (s *Store) UserJobIDs(ctx context.Context, uid string) ([]string, error) {
	return s.members(ctx, userSet(uid))
}

func (s *Store) members(ctx context.Context, set kv.Key) ([]string, error) {
	var ids []string
	for entry, err := range s.kv.List(ctx, set) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, entry.Key[len(entry.Key)-1])
	}
	return ids, nil
}

// ReloadToken reads the index reload counter. Absent reads as zero.
func (s *Store) ReloadToken(ctx context.Context) (uint64, error) {
	data, err := s.kv.Get(ctx, reloadKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jobstore: reload token: %w", err)
	}
	return v, nil
}

// BumpReload increments the reload counter and returns the new value.
// The token is a monotonic version, not a boolean flag, so a cached index
// holder can compare instead of racing a clear. The read-modify-write is
// unguarded across processes; a lost increment still leaves the token
// moved, which is all the poller checks for.
func (s *Store) BumpReload(ctx context.Context) (uint64, error) {
	cur, err := s.ReloadToken(ctx)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := s.kv.Set(ctx, reloadKey, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}
