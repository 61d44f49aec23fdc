package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/mirror"
	"github.com/italolelis/seedbox_mirror/internal/registry"
	"github.com/italolelis/seedbox_mirror/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// JobService admits and cancels jobs.
type JobService interface {
	Admit(ctx context.Context, uri string, req registry.Requester, archive bool) (registry.Job, error)
	Cancel(ctx context.Context, id, by string) error
}

// StatusRenderer renders the combined status of a channel.
type StatusRenderer interface {
	ComputeAggregateStatus(ctx context.Context, channelID int64) string
}

// AdmitRequest is the body of POST /jobs.
type AdmitRequest struct {
	URI       string `json:"uri" validate:"required,uri"`
	Archive   bool   `json:"archive"`
	OwnerID   int64  `json:"owner_id"`
	OwnerName string `json:"owner_name" validate:"required,max=128"`
	ChannelID int64  `json:"channel_id" validate:"required"`
	MessageID int64  `json:"message_id"`
}

// JobResponse is the API view of a tracked job.
type JobResponse struct {
	ID            string    `json:"id"`
	OwnerName     string    `json:"owner_name"`
	ChannelID     int64     `json:"channel_id"`
	MessageID     int64     `json:"message_id"`
	Archive       bool      `json:"archive"`
	IsDownloading bool      `json:"is_downloading"`
	IsUploading   bool      `json:"is_uploading"`
	StartedAt     time.Time `json:"started_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type JobsHandler struct {
	username  string
	password  string
	jobs      JobService
	registry  *registry.Registry
	status    StatusRenderer
	history   storage.HistoryReadRepository
	validator *validator.Validate
}

// NewJobsHandler creates the jobs API. Basic auth is enforced when username
// is set.
func NewJobsHandler(
	username, password string,
	jobs JobService,
	reg *registry.Registry,
	status StatusRenderer,
	history storage.HistoryReadRepository,
	v *validator.Validate,
) *JobsHandler {
	if v == nil {
		v = validator.New()
	}

	return &JobsHandler{
		username:  username,
		password:  password,
		jobs:      jobs,
		registry:  reg,
		status:    status,
		history:   history,
		validator: v,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.Admit)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Cancel)
	})
	r.Get("/channels/{channelID}/status", h.ChannelStatus)
	r.Delete("/channels/{channelID}/messages/{messageID}", h.CancelByMessage)
	r.Get("/history", h.History)

	return r
}

// Admit handles POST /jobs.
func (h *JobsHandler) Admit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := h.validator.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))

		return
	}

	job, err := h.jobs.Admit(r.Context(), req.URI, registry.Requester{
		OwnerID:   req.OwnerID,
		OwnerName: req.OwnerName,
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
	}, req.Archive)
	if err != nil {
		if errors.Is(err, mirror.ErrFilteredDomain) {
			writeError(w, http.StatusForbidden, err.Error())

			return
		}

		logger.ErrorContext(r.Context(), "failed to admit job", "err", err)
		writeError(w, http.StatusBadGateway, "failed to add download")

		return
	}

	writeJSON(w, http.StatusCreated, toResponse(job))
}

// List handles GET /jobs.
func (h *JobsHandler) List(w http.ResponseWriter, _ *http.Request) {
	jobs := make([]JobResponse, 0, h.registry.Len())

	h.registry.ForEachJob(func(job registry.Job) {
		jobs = append(jobs, toResponse(job))
	})

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})

	writeJSON(w, http.StatusOK, jobs)
}

// Get handles GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, mirror.ErrJobNotFound.Error())

		return
	}

	writeJSON(w, http.StatusOK, toResponse(job))
}

// Cancel handles DELETE /jobs/{id}?by=<name>.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("by"))
	if errors.Is(err, mirror.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())

		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelByMessage handles DELETE /channels/{channelID}/messages/{messageID}?by=<name>,
// cancelling the job that the message requested.
func (h *JobsHandler) CancelByMessage(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")

		return
	}

	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")

		return
	}

	job, ok := h.registry.GetByOriginMessage(channelID, messageID)
	if !ok {
		writeError(w, http.StatusNotFound, mirror.ErrJobNotFound.Error())

		return
	}

	err = h.jobs.Cancel(r.Context(), job.ID, r.URL.Query().Get("by"))
	if errors.Is(err, mirror.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())

		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChannelStatus handles GET /channels/{channelID}/status.
func (h *JobsHandler) ChannelStatus(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.status.ComputeAggregateStatus(r.Context(), channelID)))
}

// History handles GET /history?limit=&channel_id=.
func (h *JobsHandler) History(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	q := r.URL.Query()

	limit := defaultHistoryLimit

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	var (
		records []storage.JobRecord
		err     error
	)

	if v := q.Get("channel_id"); v != "" {
		channelID, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")

			return
		}

		records, err = h.history.ListJobsForChannel(r.Context(), channelID, limit)
	} else {
		records, err = h.history.ListJobs(r.Context(), limit)
	}

	if err != nil {
		logger.ErrorContext(r.Context(), "failed to list history", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")

		return
	}

	if records == nil {
		records = []storage.JobRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *JobsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toResponse(job registry.Job) JobResponse {
	return JobResponse{
		ID:            job.ID,
		OwnerName:     job.OwnerName,
		ChannelID:     job.ChannelID,
		MessageID:     job.MessageID,
		Archive:       job.Archive,
		IsDownloading: job.IsDownloading,
		IsUploading:   job.IsUploading,
		StartedAt:     job.StartedAt,
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "validation failed"
	}

	fe := verrs[0]

	return "invalid " + fe.Field() + ": failed " + fe.Tag()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
