package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/jobs"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

const (
	maxUploadBytes  = 512 << 20
	multipartMemory = 32 << 20
)

var uploadInputs = []string{models.InputImagery, models.InputShapefile, models.InputDEM}

// JobService is the job subsystem as seen by the HTTP layer.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, p models.Principal, filter store.JobFilter) ([]*models.Job, int, error)
	Detections(ctx context.Context, p models.Principal, id uuid.UUID) ([]*models.Detection, error)
	Status(ctx context.Context, p models.Principal, id uuid.UUID) (string, error)
}

// FileSaver persists an uploaded artifact under key and returns its path.
type FileSaver interface {
	Save(ctx context.Context, key string, r io.Reader) (string, error)
}

type JobsHandler struct {
	svc   JobService
	files FileSaver
}

func NewJobsHandler(svc JobService, files FileSaver) *JobsHandler {
	return &JobsHandler{svc: svc, files: files}
}

// SubmitUpload handles POST /api/v1/jobs/detection with multipart imagery,
// shapefile and dem parts plus an optional notes field.
func (h *JobsHandler) SubmitUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart body", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	jobID := uuid.New()
	files := make(map[string]string)
	for _, name := range uploadInputs {
		f, hdr, err := r.FormFile(name)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable upload: "+name, nil)
			return
		}
		key := jobID.String() + "/" + name + strings.ToLower(filepath.Ext(hdr.Filename))
		path, err := h.files.Save(r.Context(), key, f)
		f.Close()
		if err != nil {
			slog.Error("saving upload", "job_id", jobID, "input", name, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store upload", nil)
			return
		}
		files[name] = path
	}
	if len(files) == 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"At least one of imagery, shapefile or dem is required", nil)
		return
	}

	h.submit(w, r, jobs.SubmitRequest{
		ID:   jobID,
		Kind: models.JobKindDetection,
		Inputs: models.JobInputs{
			Files: files,
			Notes: r.FormValue("notes"),
		},
	})
}

type submitURLRequest struct {
	ImageryURL string `json:"imagery_url" validate:"required,http_url"`
	Notes      string `json:"notes" validate:"max=2000"`
}

// SubmitURL handles POST /api/v1/jobs/detection/url.
func (h *JobsHandler) SubmitURL(w http.ResponseWriter, r *http.Request) {
	var req submitURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.submit(w, r, jobs.SubmitRequest{
		Kind:   models.JobKindDetection,
		Inputs: models.JobInputs{ImageryURL: req.ImageryURL, Notes: req.Notes},
	})
}

type submitBBoxRequest struct {
	BBox      []float64 `json:"bbox" validate:"required,bbox"`
	Notes     string    `json:"notes" validate:"max=2000"`
	OlderDate string    `json:"older_date" validate:"omitempty,datetime=2006-01-02"`
}

// SubmitBBox handles POST /api/v1/jobs/detection/bbox.
func (h *JobsHandler) SubmitBBox(w http.ResponseWriter, r *http.Request) {
	var req submitBBoxRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.submit(w, r, jobs.SubmitRequest{
		Kind: models.JobKindDetection,
		Inputs: models.JobInputs{
			BBox:      req.BBox,
			Notes:     req.Notes,
			OlderDate: req.OlderDate,
		},
	})
}

type submitReportRequest struct {
	BBox  []float64       `json:"bbox" validate:"omitempty,bbox"`
	AOI   json.RawMessage `json:"aoi"`
	DEM   string          `json:"dem" validate:"max=1024"`
	Notes string          `json:"notes" validate:"max=2000"`
}

// SubmitReport handles POST /api/v1/jobs/report. Either bbox or a GeoJSON
// polygon aoi is required.
func (h *JobsHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.BBox) == 0 && len(req.AOI) == 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "bbox or aoi is required", nil)
		return
	}
	if len(req.AOI) > 0 {
		if _, ok := detect.BoundsOf(req.AOI); !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"aoi must be a GeoJSON Polygon, MultiPolygon, Feature or FeatureCollection", nil)
			return
		}
	}

	inputs := models.JobInputs{BBox: req.BBox, AOI: req.AOI, Notes: req.Notes}
	if req.DEM != "" {
		inputs.Files = map[string]string{models.InputDEM: req.DEM}
	}
	h.submit(w, r, jobs.SubmitRequest{Kind: models.JobKindMiningReport, Inputs: inputs})
}

func (h *JobsHandler) submit(w http.ResponseWriter, r *http.Request, req jobs.SubmitRequest) {
	req.Owner = mw.GetPrincipal(r).Subject

	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrBrokerUnavailable):
			response.Error(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
				"The job queue is not reachable", nil)
		case errors.Is(err, store.ErrDuplicateKey):
			response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "Job already exists", nil)
		default:
			slog.Error("submitting job", "kind", req.Kind, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
		return
	}
	response.Accepted(w, job)
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, chi.URLParam(r, "jobID"), "jobID")
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), mw.GetPrincipal(r), id)
	if err != nil {
		writeJobError(w, id, err)
		return
	}
	response.JSON(w, job)
}

// Status handles GET /api/v1/jobs/{jobID}/status.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, chi.URLParam(r, "jobID"), "jobID")
	if !ok {
		return
	}
	status, err := h.svc.Status(r.Context(), mw.GetPrincipal(r), id)
	if err != nil {
		writeJobError(w, id, err)
		return
	}
	response.JSON(w, map[string]string{"job_id": id.String(), "status": status})
}

// Detections handles GET /api/v1/jobs/{jobID}/detections.
func (h *JobsHandler) Detections(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, chi.URLParam(r, "jobID"), "jobID")
	if !ok {
		return
	}
	dets, err := h.svc.Detections(r.Context(), mw.GetPrincipal(r), id)
	if err != nil {
		writeJobError(w, id, err)
		return
	}
	response.JSON(w, dets)
}

// List handles GET /api/v1/jobs?start&end&user&kind&limit&skip.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(r, "limit", store.DefaultJobLimit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	limit = store.NormalizeLimit(limit, store.DefaultJobLimit, store.MaxJobLimit)
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	filter := store.JobFilter{
		Owner:  q.Get("user"),
		Kind:   q.Get("kind"),
		Limit:  limit,
		Offset: skip,
	}
	if filter.Kind != "" && filter.Kind != models.JobKindDetection && filter.Kind != models.JobKindMiningReport {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind must be detection or mining_report", nil)
		return
	}
	if filter.CreatedFrom, err = parseTimeParam(q.Get("start"), false); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start must be RFC3339 or YYYY-MM-DD", nil)
		return
	}
	if filter.CreatedTo, err = parseTimeParam(q.Get("end"), true); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "end must be RFC3339 or YYYY-MM-DD", nil)
		return
	}

	list, total, err := h.svc.List(r.Context(), mw.GetPrincipal(r), filter)
	if err != nil {
		slog.Error("listing jobs", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.Collection(w, list, response.Page(limit, skip, len(list), total))
}

// parseTimeParam accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func writeJobError(w http.ResponseWriter, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Job belongs to another user", nil)
	default:
		slog.Error("reading job", "job_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
