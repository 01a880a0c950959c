package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/vecindex"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
)

const testDim = 4

// fakeQueue hands out queued payloads one per call, then reports an
// empty poll.
type fakeQueue struct {
	payloads []domain.JobPayload
}

func (q *fakeQueue) Dequeue(ctx context.Context, _ time.Duration) (context.Context, *domain.JobPayload, error) {
	if len(q.payloads) == 0 {
		return ctx, nil, nil
	}
	p := q.payloads[0]
	q.payloads = q.payloads[1:]
	return ctx, &p, nil
}

// fakeEmbedder maps image bytes straight to canned vectors.
type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, image []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vecs[string(image)]
	if !ok {
		return nil, errors.New("no vector for image")
	}
	return v, nil
}

func (f *fakeEmbedder) Dimension() int { return testDim }

type fixture struct {
	worker    *Worker
	store     *jobstore.Store
	handle    *vecindex.Handle
	embed     *fakeEmbedder
	queue     *fakeQueue
	indexPath string
	metaPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	store := jobstore.New(mem, 0)

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "items.index")
	metaPath := filepath.Join(dir, "items.meta")
	handle, err := vecindex.Open(indexPath, metaPath, testDim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	embed := &fakeEmbedder{vecs: map[string][]float32{
		"red-umbrella":  {1, 0, 0, 0},
		"blue-backpack": {0, 1, 0, 0},
		"faded-photo":   {0.6667, 0.7454, 0, 0},
	}}
	queue := &fakeQueue{}

	w := New(Deps{
		Queue:    queue,
		Embedder: embed,
		Index:    handle,
		Store:    store,
		PollWait: 10 * time.Millisecond,
	})
	return &fixture{
		worker: w, store: store, handle: handle, embed: embed, queue: queue,
		indexPath: indexPath, metaPath: metaPath,
	}
}

func payload(id string, kind domain.ReportKind, image, location string) domain.JobPayload {
	return domain.JobPayload{
		JobID:       id,
		Kind:        kind,
		ImageB64:    base64.StdEncoding.EncodeToString([]byte(image)),
		Location:    location,
		SubmitterID: "u-" + id,
		Timestamp:   1700000000,
	}
}

func TestFirstReportNoMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.worker.Process(ctx, payload("l1", domain.KindLost, "red-umbrella", "library")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	res, err := f.store.GetResult(ctx, "l1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.Status != domain.StatusNoMatch || res.Message != domain.MsgNoMatchLost {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Matches) != 0 {
		t.Fatalf("no-match result carries matches: %+v", res.Matches)
	}

	job, err := f.store.GetJob(ctx, "l1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != domain.StatusNoMatch || job.ProcessedAt == 0 {
		t.Fatalf("job = %+v", job)
	}

	// The report is appended regardless of outcome, and persisted.
	if f.handle.Index().Len() != 1 {
		t.Fatalf("index rows = %d, want 1", f.handle.Index().Len())
	}
	if err := f.handle.Reload(); err != nil {
		t.Fatalf("reload from disk: %v", err)
	}
	if f.handle.Index().Len() != 1 {
		t.Fatal("index was not persisted")
	}
}

func TestHighMatchAndPropagation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.worker.Process(ctx, payload("f1", domain.KindFound, "red-umbrella", "library")); err != nil {
		t.Fatalf("Process f1: %v", err)
	}
	if err := f.worker.Process(ctx, payload("l1", domain.KindLost, "red-umbrella", "library")); err != nil {
		t.Fatalf("Process l1: %v", err)
	}

	res, err := f.store.GetResult(ctx, "l1")
	if err != nil {
		t.Fatalf("GetResult l1: %v", err)
	}
	if res.Status != domain.StatusMatched || res.Message != domain.MsgHighMatch {
		t.Fatalf("l1 result = %+v", res)
	}
	if len(res.Matches) != 1 || res.Matches[0].Meta.JobID != "f1" {
		t.Fatalf("l1 matches = %+v", res.Matches)
	}
	if res.Matches[0].Score != 1.0 {
		t.Fatalf("identical image and location should score 1.0, got %v", res.Matches[0].Score)
	}

	// Propagation: the earlier found report now sees the match too.
	counterpart, err := f.store.GetJob(ctx, "f1")
	if err != nil {
		t.Fatalf("GetJob f1: %v", err)
	}
	if counterpart.Status != domain.StatusMatched {
		t.Fatalf("counterpart status = %s", counterpart.Status)
	}
	if counterpart.Message != domain.MsgCounterpartFound {
		t.Fatalf("counterpart message = %q", counterpart.Message)
	}

	counterRes, err := f.store.GetResult(ctx, "f1")
	if err != nil {
		t.Fatalf("GetResult f1: %v", err)
	}
	if counterRes.Status != domain.StatusMatched {
		t.Fatalf("counterpart result = %+v", counterRes)
	}
	if len(counterRes.Matches) != 1 || counterRes.Matches[0].Meta.JobID != "l1" {
		t.Fatalf("counterpart matches = %+v", counterRes.Matches)
	}

	// Both reports stay in the index for future queries.
	if f.handle.Index().Len() != 2 {
		t.Fatalf("index rows = %d, want 2", f.handle.Index().Len())
	}
}

func TestSameKindNeverMatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.worker.Process(ctx, payload("l1", domain.KindLost, "red-umbrella", "library"))
	if err := f.worker.Process(ctx, payload("l2", domain.KindLost, "red-umbrella", "library")); err != nil {
		t.Fatalf("Process l2: %v", err)
	}

	res, _ := f.store.GetResult(ctx, "l2")
	if res.Status != domain.StatusNoMatch {
		t.Fatalf("same-kind reports matched: %+v", res)
	}
}

func TestMediumMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.worker.Process(ctx, payload("f1", domain.KindFound, "red-umbrella", ""))
	// "faded-photo" sits at raw similarity ~0.667 against "red-umbrella",
	// a combined score of ~0.80 with the neutral location prior.
	if err := f.worker.Process(ctx, payload("l1", domain.KindLost, "faded-photo", "")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	res, _ := f.store.GetResult(ctx, "l1")
	if res.Status != domain.StatusMatched || res.Message != domain.MsgMediumMatch {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Matches) != 1 || res.Matches[0].Meta.JobID != "f1" {
		t.Fatalf("matches = %+v", res.Matches)
	}
	if s := res.Matches[0].Score; s < 0.72 || s >= 0.92 {
		t.Fatalf("score %v outside the medium band", s)
	}
}

func TestRedeliveredTerminalJobSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := payload("l1", domain.KindLost, "red-umbrella", "library")
	if err := f.worker.Process(ctx, p); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.worker.Process(ctx, p); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.handle.Index().Len() != 1 {
		t.Fatalf("redelivery inserted a duplicate row: %d", f.handle.Index().Len())
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := payload("l1", domain.KindLost, "red-umbrella", "")
	p.ImageB64 = ""
	if err := f.worker.Process(ctx, p); !errors.Is(err, domain.ErrMissingImage) {
		t.Fatalf("want ErrMissingImage, got %v", err)
	}
	if f.handle.Index().Len() != 0 {
		t.Fatal("invalid payload reached the index")
	}
}

func TestEmbedFailureLeavesResultPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.embed.err = errors.New("sidecar down")
	if err := f.worker.Process(ctx, payload("l1", domain.KindLost, "red-umbrella", "")); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := f.store.GetResult(ctx, "l1"); err != kv.ErrNotFound {
		t.Fatalf("failed job must not get a result record, got %v", err)
	}
	if f.handle.Index().Len() != 0 {
		t.Fatal("failed job reached the index")
	}
}

func TestReloadOnTokenBump(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.worker.Process(ctx, payload("l1", domain.KindLost, "red-umbrella", "")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Another process tombstones the row on disk and bumps the token.
	ix, err := vecindex.Load(f.indexPath, f.metaPath, testDim)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ix.SoftDelete("l1")
	if err := ix.Save(f.indexPath, f.metaPath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.store.BumpReload(ctx); err != nil {
		t.Fatalf("BumpReload: %v", err)
	}

	if f.handle.Index().Tombstones() != 0 {
		t.Fatal("cached copy should not see the tombstone yet")
	}

	f.worker.checkReload(ctx)

	if f.handle.Index().Tombstones() != 1 {
		t.Fatal("reload did not pick up the tombstone")
	}
	if f.handle.Token() != 1 {
		t.Fatalf("token = %d, want 1", f.handle.Token())
	}

	// Unchanged token: no further reload happens.
	f.worker.checkReload(ctx)
	if f.handle.Token() != 1 {
		t.Fatalf("token drifted to %d", f.handle.Token())
	}
}

func TestRunConsumesQueueUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.queue.payloads = []domain.JobPayload{
		payload("f1", domain.KindFound, "blue-backpack", "gym"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := f.store.GetResult(context.Background(), "f1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for job to be processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
