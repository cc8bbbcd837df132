package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// reportCacheTTL bounds how long a report stays in cache after an API read.
const reportCacheTTL = 30 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo           domain.Repository
	cache          domain.Cache
	runner         *pipeline.Runner
	engine         *rules.Engine
	outputDir      string
	version        string
	maxUploadBytes int64
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, runner *pipeline.Runner, engine *rules.Engine, outputDir, version string, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	return &Handler{
		repo:           repo,
		cache:          cache,
		runner:         runner,
		engine:         engine,
		outputDir:      outputDir,
		version:        version,
		maxUploadBytes: maxUploadBytes,
	}
}

// Process handles POST /process requests with a multipart CSV upload.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid multipart upload: " + err.Error(),
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file field is required",
		})
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "only .csv files are accepted",
		})
		return
	}

	job, report, err := h.runner.ProcessReader(ctx, tenantID, header.Filename, file)
	h.respondProcessed(w, job, report, err)
}

// ProcessPathRequest is the request body for POST /process-path.
type ProcessPathRequest struct {
	FilePath string `json:"file_path"`
}

// ProcessPath handles POST /process-path requests for server-local files.
func (h *Handler) ProcessPath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ProcessPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file_path is required",
		})
		return
	}

	if _, err := os.Stat(req.FilePath); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "file not found: " + req.FilePath,
		})
		return
	}

	job, report, err := h.runner.ProcessFile(ctx, tenantID, req.FilePath)
	h.respondProcessed(w, job, report, err)
}

// respondProcessed writes the outcome of a pipeline run.
func (h *Handler) respondProcessed(w http.ResponseWriter, job *domain.Job, report *domain.Report, err error) {
	if err != nil {
		if job == nil {
			// Feed never parsed, no job was created
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "failed to parse CSV: " + err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "processing failed: " + err.Error(),
			"jobId": job.ID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":         job.ID,
		"status":        job.Status,
		"recordCount":   job.RecordCount,
		"scoredCsv":     job.ScoredCSV,
		"qualityScore":  report.Health.QualityScore,
		"overallStatus": report.Health.OverallStatus,
		"tierCounts":    report.TierCounts,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetJob retrieves a job by ID.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "id")

	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "job id is required",
		})
		return
	}

	job, err := h.repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get job", "id", jobID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListJobs returns recent jobs for the tenant.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	jobs, err := h.repo.ListJobs(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list jobs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list jobs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetReport retrieves a processing report by job ID, cache first.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "job_id")

	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "job id is required",
		})
		return
	}

	if h.cache != nil {
		if report, err := h.cache.GetReport(ctx, tenantID, jobID); err == nil && report != nil {
			writeJSON(w, http.StatusOK, report)
			return
		}
	}

	report, err := h.repo.GetReport(ctx, tenantID, jobID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get report", "job_id", jobID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "report not found",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetReport(ctx, tenantID, jobID, report, reportCacheTTL); err != nil {
			slog.Warn("failed to cache report", "job_id", jobID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// DownloadCSV serves a scored CSV artifact from the output directory.
func (h *Handler) DownloadCSV(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if name == "" || name != filepath.Base(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid file name",
		})
		return
	}

	path := filepath.Join(h.outputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "file not found",
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

// GlobalTenantID is used for segment rules that apply to all tenants.
const GlobalTenantID = "*"

// ListSegments returns all loaded segment rules from the engine.
// Segments are loaded from the database at startup and can be reloaded
// via POST /segments/reload.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedSegments()

	writeJSON(w, http.StatusOK, map[string]any{
		"segments": loaded,
		"count":    len(loaded),
		"source":   "database",
	})
}

// CreateSegmentRequest is the request body for creating a segment rule.
type CreateSegmentRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Expression  string               `json:"expression"`
	Bands       []domain.SegmentBand `json:"bands"`
	Enabled     bool                 `json:"enabled"`
}

// CreateSegment creates a new segment rule and saves it to the database.
// Segments are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /segments/reload to hot-reload into the engine.
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	segConfig := &domain.SegmentConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadSegment(segConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveSegmentConfig(ctx, GlobalTenantID, segConfig); err != nil {
		slog.Error("failed to save segment config", "id", segConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save segment",
		})
		return
	}

	slog.Info("segment created", "id", segConfig.ID, "name", segConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"segment": segConfig,
		"message": "Segment created. Call POST /segments/reload to apply changes.",
	})
}

// DeleteSegment disables a segment rule in the database.
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	segID := chi.URLParam(r, "id")

	if segID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "segment id is required",
		})
		return
	}

	if err := h.repo.DeleteSegmentConfig(ctx, GlobalTenantID, segID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "segment not found",
			})
			return
		}
		slog.Error("failed to delete segment config", "id", segID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete segment",
		})
		return
	}

	slog.Info("segment deleted", "id", segID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Segment disabled. Call POST /segments/reload to apply changes.",
	})
}

// ReloadSegments reloads all segment rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbSegments, err := h.repo.ListSegmentConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list segments from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load segments from database",
		})
		return
	}

	if err := h.engine.ReloadSegments(dbSegments); err != nil {
		slog.Error("failed to reload segments into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload segments: " + err.Error(),
		})
		return
	}

	slog.Info("segments reloaded from database", "count", len(dbSegments))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "segments reloaded successfully",
		"count":   len(dbSegments),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
