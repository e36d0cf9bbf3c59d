package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/ledger"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/orchestrator"
	"import-orchestrator/internal/security"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
)

const (
	principalHeader = "X-Principal"
	multipartMemory = 32 << 20
	sseHeartbeat    = 15 * time.Second
)

// Server wires HTTP handlers for the import API.
type Server struct {
	cfg    config.Config
	svc    *orchestrator.Service
	logger *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, svc *orchestrator.Service, l *zap.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, logger: logger.OrNop(l)}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/imports", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleStream)
		r.Get("/{id}/audit", s.handleAudit)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/rollback", s.handleRollback)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Post("/", s.handleCreateSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})
	r.Get("/locks", s.handleLocks)
	r.Get("/templates/*", s.handleTemplate)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	EntityType  string          `json:"entity_type"`
	SourceKind  string          `json:"source_kind"`
	Priority    string          `json:"priority"`
	Records     json.RawMessage `json:"records"`
	Location    string          `json:"location"`
	Filename    string          `json:"filename"`
	Template    string          `json:"template"`
	Delimiter   string          `json:"delimiter"`
	ChunkSize   int             `json:"chunk_size"`
	Concurrency int             `json:"concurrency"`
}

// handleEnqueue accepts a multipart file upload or a JSON body carrying either
// inline records or a source location.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit())

	var (
		req     orchestrator.EnqueueRequest
		err     error
		discard = func() {}
	)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mt == "multipart/form-data" && s.cfg.SpoolUploads:
		req, discard, err = s.spoolMultipart(r)
	case mt == "multipart/form-data":
		req, err = s.decodeMultipart(r)
	default:
		req, err = decodeJSONEnqueue(r.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, &security.AdmissionError{
				Code:     security.CodeSizeLimit,
				Severity: security.CodeSizeLimit.Severity(),
				Message:  fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req.Principal = principal(r)

	job, err := s.svc.EnqueueImport(r.Context(), req)
	if err != nil {
		discard()
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) bodyLimit() int64 {
	limit := s.cfg.MaxDelimitedBytes
	if s.cfg.MaxStructuredBytes > limit {
		limit = s.cfg.MaxStructuredBytes
	}
	if limit <= 0 {
		return math.MaxInt64
	}
	// Room for multipart framing and form fields.
	return limit + 1<<20
}

func (s *Server) decodeMultipart(r *http.Request) (orchestrator.EnqueueRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("file field: %w", err)
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("read upload: %w", err)
	}

	req, err := formRequest(r.FormValue, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		return orchestrator.EnqueueRequest{}, err
	}
	req.Payload = payload
	return req, nil
}

// formRequest reads the enqueue fields shared by both multipart paths.
func formRequest(field func(string) string, filename, contentType string) (orchestrator.EnqueueRequest, error) {
	kind, err := sourceKind(field("source_kind"), filename)
	if err != nil {
		return orchestrator.EnqueueRequest{}, err
	}
	prio, err := models.ParsePriority(field("priority"))
	if err != nil {
		return orchestrator.EnqueueRequest{}, err
	}
	chunk, err := optionalInt(field("chunk_size"))
	if err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("chunk_size: %w", err)
	}
	conc, err := optionalInt(field("concurrency"))
	if err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("concurrency: %w", err)
	}
	return orchestrator.EnqueueRequest{
		EntityType:  field("entity_type"),
		SourceKind:  kind,
		Priority:    prio,
		Filename:    filename,
		ContentType: contentType,
		Template:    field("template"),
		Delimiter:   field("delimiter"),
		ChunkSize:   chunk,
		Concurrency: conc,
	}, nil
}

func decodeJSONEnqueue(body io.Reader) (orchestrator.EnqueueRequest, error) {
	var in enqueueRequest
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return orchestrator.EnqueueRequest{}, fmt.Errorf("invalid json: %w", err)
	}
	prio, err := models.ParsePriority(in.Priority)
	if err != nil {
		return orchestrator.EnqueueRequest{}, err
	}
	out := orchestrator.EnqueueRequest{
		EntityType:  in.EntityType,
		Priority:    prio,
		Filename:    in.Filename,
		Template:    in.Template,
		Delimiter:   in.Delimiter,
		ChunkSize:   in.ChunkSize,
		Concurrency: in.Concurrency,
	}
	hasRecords := len(in.Records) > 0 && string(in.Records) != "null"
	switch {
	case hasRecords && in.Location != "":
		return orchestrator.EnqueueRequest{}, errors.New("records and location are mutually exclusive")
	case hasRecords:
		out.SourceKind = models.SourceRecords
		out.Payload = in.Records
		out.ContentType = "application/json"
	case in.Location != "":
		out.Location = in.Location
		name := in.Filename
		if name == "" {
			name = in.Location
		}
		if out.SourceKind, err = sourceKind(in.SourceKind, name); err != nil {
			return orchestrator.EnqueueRequest{}, err
		}
	default:
		return orchestrator.EnqueueRequest{}, errors.New("records or location is required")
	}
	return out, nil
}

// sourceKind honours an explicit kind and otherwise infers it from the file extension.
func sourceKind(explicit, name string) (models.SourceKind, error) {
	if explicit != "" {
		return models.ParseSourceKind(explicit)
	}
	if strings.EqualFold(filepath.Ext(name), ".json") {
		return models.SourceRecords, nil
	}
	return models.SourceDelimited, nil
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type listResponse struct {
	Jobs     []models.JobSummary `json:"jobs"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{EntityType: q.Get("entity_type"), Principal: q.Get("principal")}
	if v := q.Get("state"); v != "" {
		st, err := models.ParseJobState(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		f.State = &st
	}
	var err error
	if f.Page, err = optionalInt(q.Get("page")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid page"})
		return
	}
	if f.PageSize, err = optionalInt(q.Get("page_size")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid page_size"})
		return
	}

	jobs, total, err := s.svc.ListQueue(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobSummary{}
	}
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 500 {
		size = 50
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Total: total, Page: page, PageSize: size})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type auditResponse struct {
	Events  []models.JobEvent   `json:"events"`
	Changes []models.AuditEntry `json:"changes"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	evs, err := s.svc.JobEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changes, err := s.svc.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []models.JobEvent{}
	}
	if changes == nil {
		changes = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: evs, Changes: changes})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "id"), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if job.State == models.StateRunning {
		code = http.StatusAccepted
	}
	writeJSON(w, code, job)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	res, err := s.svc.RollbackJob(r.Context(), chi.URLParam(r, "id"), principal(r), req.Reason, req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type scheduleRequest struct {
	Name          string `json:"name"`
	Cron          string `json:"cron"`
	EntityType    string `json:"entity_type"`
	SourceKind    string `json:"source_kind"`
	Location      string `json:"location"`
	Template      string `json:"template"`
	Priority      string `json:"priority"`
	OverlapPolicy string `json:"overlap_policy"`
	Disabled      bool   `json:"disabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	kind, err := sourceKind(in.SourceKind, in.Location)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	prio, err := models.ParsePriority(in.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	overlap, err := models.ParseOverlapPolicy(in.OverlapPolicy)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	def, err := s.svc.CreateScheduledImport(r.Context(), orchestrator.ScheduleRequest{
		Name:       in.Name,
		CronExpr:   in.Cron,
		EntityType: in.EntityType,
		SourceKind: kind,
		Location:   in.Location,
		Template:   in.Template,
		Priority:   prio,
		Overlap:    overlap,
		Principal:  principal(r),
		Disabled:   in.Disabled,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	defs, err := s.svc.ListScheduledImports(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if defs == nil {
		defs = []models.ScheduledImport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": defs})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteScheduledImport(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockView struct {
	ResourceKey string     `json:"resource_key"`
	Locked      bool       `json:"locked"`
	HeldBy      string     `json:"held_by,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func viewOf(l models.ResourceLock) lockView {
	return lockView{ResourceKey: l.ResourceKey, Locked: true, HeldBy: l.JobID, Since: &l.AcquiredAt, ExpiresAt: &l.ExpiresAt}
}

// handleLocks lists held locks, or reports one entity's lock with ?entity_type=.
func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if entity := r.URL.Query().Get("entity_type"); entity != "" {
		l, held, err := s.svc.ResourceLock(r.Context(), entity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !held {
			writeJSON(w, http.StatusOK, lockView{ResourceKey: models.ResourceKeyFor(entity)})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(l))
		return
	}

	locks, err := s.svc.GetResourceLockStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, viewOf(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid template name"})
		return
	}
	rc, err := s.svc.OpenTemplate(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(name)}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream template", zap.String("template", name), zap.Error(err))
	}
}

func principal(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(principalHeader)); v != "" {
		return v
	}
	return "anonymous"
}

type errorBody struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Severity  float64           `json:"severity,omitempty"`
	Conflicts []ledger.Conflict `json:"conflicts,omitempty"`
}

// writeError maps service errors to status codes. Unexpected errors are logged
// and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		admErr      *security.AdmissionError
		rateErr     *orchestrator.RateLimitError
		conflictErr *ledger.ConflictError
	)
	switch {
	case errors.As(err, &admErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: admErr.Message, Code: string(admErr.Code), Severity: admErr.Severity})
	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Conflicts: conflictErr.Conflicts})
	case errors.Is(err, orchestrator.ErrUnknownEntity), errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrNotCancellable), errors.Is(err, ledger.ErrNotRollbackable),
		errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrDuplicateKey):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
