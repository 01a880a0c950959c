package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/engine/jobstore"
	"github.com/FoundlyHQ/foundly-mvp/engine/recon"
	"github.com/FoundlyHQ/foundly-mvp/pkg/kv"
)

// maxPhotoBytes caps an uploaded photo (and the whole multipart form).
const maxPhotoBytes = 16 << 20

// enqueuer is the submit side of the job queue.
type enqueuer interface {
	Enqueue(ctx context.Context, p domain.JobPayload) error
}

type server struct {
	store *jobstore.Store
	rec   *recon.Reconciler
	queue enqueuer
	log   *slog.Logger
}

// routes binds the API endpoints. The /metrics endpoint is added by the
// caller, which owns the registry.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/lost", s.handleSubmitLost)
	mux.HandleFunc("POST /api/found", s.handleSubmitFound)
	mux.HandleFunc("GET /api/results/{id}", s.handleResult)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/jobs", s.handleAllJobs)
	mux.HandleFunc("GET /api/user/jobs", s.handleUserJobs)
	mux.HandleFunc("GET /api/items/lost", s.handleItemsLost)
	mux.HandleFunc("GET /api/items/found", s.handleItemsFound)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the JSON submission body. Multipart submissions carry
// the same fields as form values with the photo as a file part.
type submitRequest struct {
	ImageB64      string `json:"image_b64"`
	Location      string `json:"location"`
	Date          string `json:"date"`
	ItemName      string `json:"item_name"`
	SubmitterName string `json:"submitter_name"`
}

func (s *server) handleSubmitLost(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, domain.KindLost)
}

func (s *server) handleSubmitFound(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, domain.KindFound)
}

// handleSubmit accepts a report, writes its queued job record and
// tracking-set members, and enqueues it for the worker. The response is
// a 202 with the job id; the outcome arrives later via /api/results.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request, kind domain.ReportKind) {
	req, err := parseSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	payload := domain.JobPayload{
		JobID:         uuid.NewString(),
		Kind:          kind,
		ImageB64:      req.ImageB64,
		Location:      req.Location,
		Date:          req.Date,
		ItemName:      req.ItemName,
		SubmitterID:   r.Header.Get("X-User-ID"),
		SubmitterName: req.SubmitterName,
		Timestamp:     now,
	}
	if err := domain.ValidateJobPayload(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := domain.Job{
		JobID:         payload.JobID,
		Kind:          kind,
		Location:      payload.Location,
		Date:          payload.Date,
		ItemName:      payload.ItemName,
		SubmitterID:   payload.SubmitterID,
		SubmitterName: payload.SubmitterName,
		Timestamp:     now,
		Status:        domain.StatusQueued,
	}
	if err := s.store.PutJob(r.Context(), job); err != nil {
		s.log.Error("write job record failed", "job_id", job.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}
	if err := s.store.Track(r.Context(), job); err != nil {
		s.log.Error("track job failed", "job_id", job.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}
	if err := s.queue.Enqueue(r.Context(), payload); err != nil {
		s.log.Error("enqueue failed", "job_id", job.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": domain.StatusQueued,
	})
}

// parseSubmit reads either a JSON body or a multipart form with a
// "photo" file part.
func parseSubmit(r *http.Request) (submitRequest, error) {
	var req submitRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPhotoBytes)).Decode(&req); err != nil {
			return req, domain.NewValidationError("body", "", err)
		}
		return req, nil
	}

	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		return req, domain.NewValidationError("form", "", err)
	}
	file, _, err := r.FormFile("photo")
	if err != nil {
		return req, domain.NewValidationError("photo", "", domain.ErrMissingImage)
	}
	defer file.Close()
	photo, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes))
	if err != nil {
		return req, domain.NewValidationError("photo", "", err)
	}

	req.ImageB64 = base64.StdEncoding.EncodeToString(photo)
	req.Location = r.FormValue("location")
	req.Date = r.FormValue("date")
	req.ItemName = r.FormValue("item_name")
	req.SubmitterName = r.FormValue("submitter_name")
	return req, nil
}

// handleResult returns the outcome of a processed report. An absent
// record reads as still pending, which also covers records expired
// before pickup.
func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.store.GetResult(r.Context(), id)
	if errors.Is(err, kv.ErrNotFound) {
		writeJSON(w, http.StatusOK, domain.Result{
			Status:  domain.StatusPending,
			Message: "Result not yet ready, check back soon.",
		})
		return
	}
	if err != nil {
		s.log.Error("read result failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, kv.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("read job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDelete removes a report everywhere: records, tracking sets, its
// index row, and match references held by other reports' results.
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rec.DeleteJob(r.Context(), id); err != nil {
		s.log.Error("delete job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "deleted"})
}

func (s *server) handleAllJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.rec.AllJobs(r.Context())
	if err != nil {
		s.log.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *server) handleUserJobs(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get("X-User-ID")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}
	jobs, err := s.rec.UserJobs(r.Context(), uid)
	if err != nil {
		s.log.Error("list user jobs failed", "user_id", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *server) handleItemsLost(w http.ResponseWriter, r *http.Request) {
	s.handleItems(w, domain.KindLost)
}

func (s *server) handleItemsFound(w http.ResponseWriter, r *http.Request) {
	s.handleItems(w, domain.KindFound)
}

// handleItems lists live index entries of one kind straight from the
// persisted pair, the catalogue staff browse.
func (s *server) handleItems(w http.ResponseWriter, kind domain.ReportKind) {
	items, err := s.rec.Items(kind)
	if err != nil {
		s.log.Error("list items failed", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if items == nil {
		items = []domain.VectorMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}
