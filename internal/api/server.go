// Package api exposes the HTTP surface: batch intake, review actions, job
// control and report downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/config"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/job"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/report"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/review"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/signing"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/validate"
)

// Blobs stores raw upload bytes.
type Blobs interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}

// Server exposes HTTP endpoints over the review workflow and job
// orchestrator.
type Server struct {
	cfg          *config.Config
	workflow     *review.Workflow
	orchestrator *job.Orchestrator
	blobs        Blobs
	signer       *signing.Signer
	logger       *slog.Logger
	server       *http.Server
	once         sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, workflow *review.Workflow, orchestrator *job.Orchestrator, blobs Blobs, signer *signing.Signer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		workflow:     workflow,
		orchestrator: orchestrator,
		blobs:        blobs,
		signer:       signer,
		logger:       logger,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/batches", s.handleBatches)
	mux.HandleFunc("/batches/", s.handleBatchRoute)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobRoute)
	mux.HandleFunc("/download", s.handleDownload)
	return corsMiddleware(s.loggingMiddleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- batches ---

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBatch(w, r)
	case http.MethodGet:
		batches, err := s.workflow.ListBatches(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, batches)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string     `json:"name"`
		CreatedBy string     `json:"createdBy"`
		Deadline  *time.Time `json:"deadline,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	b, err := s.workflow.CreateBatch(r.Context(), req.Name, req.CreatedBy, req.Deadline)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBatchRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/batches/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	batchID := parts[0]
	switch {
	case len(parts) == 1:
		s.handleBatchInfo(w, r, batchID)
	case parts[1] == "files" && len(parts) == 2:
		s.handleBatchFiles(w, r, batchID)
	case parts[1] == "files" && len(parts) == 4:
		s.handleReviewAction(w, r, batchID, parts[2], parts[3])
	case parts[1] == "bulk-approve" && len(parts) == 2:
		s.handleBulkApprove(w, r, batchID)
	case parts[1] == "bulk-reject" && len(parts) == 2:
		s.handleBulkReject(w, r, batchID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleBatchInfo(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := s.workflow.GetBatch(r.Context(), batchID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	files, err := s.workflow.BatchFiles(r.Context(), batchID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"batch":  b,
		"report": report.BuildBatch(b, files),
	})
}

func (s *Server) handleBatchFiles(w http.ResponseWriter, r *http.Request, batchID string) {
	switch r.Method {
	case http.MethodGet:
		files, err := s.workflow.BatchFiles(r.Context(), batchID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, files)
	case http.MethodPost:
		s.handleUpload(w, r, batchID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpload ingests one file into a batch: hash, classify, store the raw
// bytes, record it pending review. Corrupt and unsupported files still get
// records so reviewers see them.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()

	data, err := readLimited(part, s.cfg.MaxFileSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filename := part.FileName()
	if filename == "" {
		http.Error(w, "filename required", http.StatusBadRequest)
		return
	}

	cls := validate.Inspect(data, filename)
	fileID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", fileID, filepath.Base(filename))
	if err := s.blobs.UploadRaw(ctx, objectKey, bytes.NewReader(data), int64(len(data)), cls.MIMEType); err != nil {
		s.logger.Error("raw upload failed", "file", fileID, "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	rec := &model.FileRecord{
		ID:           fileID,
		OriginalName: filename,
		SizeBytes:    cls.SizeBytes,
		ContentHash:  cls.ContentHash,
		DetectedType: cls.Type,
		MIMEType:     cls.MIMEType,
		Integrity:    cls.Status,
		Detail:       cls.Detail,
		ObjectKey:    objectKey,
	}
	if err := s.workflow.AddFile(ctx, batchID, rec); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request, batchID, fileID, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		By       string `json:"by"`
		Note     string `json:"note"`
		Reason   string `json:"reason"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	var err error
	switch action {
	case "approve":
		err = s.workflow.Approve(r.Context(), batchID, fileID, req.By, req.Note, req.Priority)
	case "reject":
		err = s.workflow.Reject(r.Context(), batchID, fileID, req.By, req.Reason)
	case "reopen":
		err = s.workflow.Reopen(r.Context(), batchID, fileID, req.By)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	rec, err := s.workflow.GetFile(r.Context(), fileID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		By       string `json:"by"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	res, err := s.workflow.BulkApprove(r.Context(), batchID, req.By, req.Priority)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBulkReject(w http.ResponseWriter, r *http.Request, batchID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	res, err := s.workflow.BulkReject(r.Context(), batchID, req.By, req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// --- jobs ---

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		jobs, err := s.orchestrator.List(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, jobs)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID string          `json:"batchId"`
		Config  model.JobConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Config.OutputDir == "" {
		req.Config.OutputDir = s.cfg.OutputDir
	}
	if req.Config.Numbering.Prefix == "" {
		req.Config.Numbering = s.cfg.Numbering
	}
	jobID, err := s.orchestrator.Submit(r.Context(), req.BatchID, req.Config)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     jobID,
		"status": string(model.JobQueued),
	})
}

func (s *Server) handleJobRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]
	if len(parts) == 1 {
		s.handleJobStatus(w, r, jobID)
		return
	}
	switch parts[1] {
	case "cancel":
		s.handleJobCancel(w, r, jobID)
	case "report":
		s.handleJobReport(w, r, jobID)
	case "verify":
		s.handleJobVerify(w, r, jobID)
	case "artifact-url":
		s.handleArtifactURL(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orchestrator.Cancel(r.Context(), jobID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": jobID})
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	files, err := s.workflow.BatchFiles(r.Context(), info.Job.BatchID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	rep := report.BuildJob(info.Job, files, info.Results)
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if err := rep.WriteCSV(w); err != nil {
			s.logger.Error("write csv report", "job", jobID, "error", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := rep.WriteJSON(w); err != nil {
		s.logger.Error("write json report", "job", jobID, "error", err)
	}
}

// handleJobVerify runs the post-production audit over a finished job's
// volume.
func (s *Server) handleJobVerify(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep, err := s.orchestrator.Verify(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// handleArtifactURL issues a short-lived signed link for one artifact of a
// finished job, served by /download.
func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		http.Error(w, "invalid artifact path", http.StatusBadRequest)
		return
	}
	if _, err := s.orchestrator.Status(r.Context(), jobID); err != nil {
		s.respondError(w, err)
		return
	}
	expiry := time.Now().Add(15 * time.Minute).Unix()
	signature := s.signer.Sign(jobID, rel, expiry)
	q := url.Values{}
	q.Set("job", jobID)
	q.Set("path", rel)
	q.Set("expires", strconv.FormatInt(expiry, 10))
	q.Set("signature", signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     "/download?" + q.Encode(),
		"expires": strconv.FormatInt(expiry, 10),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := r.URL.Query().Get("job")
	rel := r.URL.Query().Get("path")
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if jobID == "" || rel == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.signer.Validate(jobID, rel, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	info, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	full := filepath.Join(info.Job.Config.OutputDir, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		http.Error(w, "artifact unavailable", http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(rel)+"\"")
	http.ServeContent(w, r, filepath.Base(rel), stat.ModTime(), f)
}

// --- helpers ---

// respondError maps domain errors onto HTTP statuses: unknown ids are 404,
// transition conflicts are 409, persistence trouble is 500 and everything
// else is a caller mistake.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var conflict *pipeline.StateConflictError
	var persistence *pipeline.PersistenceError
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &conflict):
		http.Error(w, conflict.Error(), http.StatusConflict)
	case errors.As(err, &persistence):
		s.logger.Error("persistence failure", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func readLimited(part *multipart.Part, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds limit (%d bytes)", limit)
	}
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}
	return data, nil
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
