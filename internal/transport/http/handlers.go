package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-monitor/cleaning/internal/alerting"
	"fleet-monitor/cleaning/internal/classifier"
	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/pipeline"
	"fleet-monitor/cleaning/internal/store"
)

type Ingestor interface {
	Analyze(ctx context.Context, image []byte) (classifier.Result, []string)
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error)
	ResolveAlert(ctx context.Context, id int64, actor, notes string) (domain.Alert, error)
}

type Reader interface {
	GetEvent(ctx context.Context, id int64) (domain.CleaningEvent, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]domain.CleaningEvent, error)
	GetAlert(ctx context.Context, id int64) (domain.Alert, error)
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]domain.Alert, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Ingestor       Ingestor
	Reader         Reader
	Health         map[string]Pinger
	MaxUploadBytes int64
	Timeout        time.Duration
	Logger         *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type analyzeRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type analyzeResponse struct {
	classifier.Result
	Suggestions []string `json:"suggestions"`
}

type eventRequest struct {
	VehicleID    string   `json:"vehicle_id"`
	Verdict      string   `json:"verdict"`
	ImageBase64  string   `json:"image_base64"`
	Confidence   *float64 `json:"confidence"`
	Issues       []string `json:"issues"`
	Origin       string   `json:"origin"`
	Notes        string   `json:"notes"`
	ThumbnailURL string   `json:"thumbnail_url"`
}

type alertFailure struct {
	Stage       string             `json:"stage"`
	Message     string             `json:"message"`
	FailedRules []domain.AlertKind `json:"failed_rules,omitempty"`
}

type eventResponse struct {
	*pipeline.IngestResult
	AlertError *alertFailure `json:"alert_error,omitempty"`
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/analyze", h.handleAnalyze)
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.handleEventCreate)
		r.Get("/", h.handleEventList)
		r.Get("/{id}", h.handleEventGet)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.handleAlertList)
		r.Get("/{id}", h.handleAlertGet)
		r.Patch("/{id}/resolve", h.handleAlertResolve)
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.Discard()
	}
	return h.Logger
}

func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	image, err := h.readImage(w, r)
	if err != nil {
		writeError(w, statusForBodyError(err), err.Error())
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	res, suggestions := h.Ingestor.Analyze(ctx, image)
	writeJSON(w, http.StatusOK, analyzeResponse{Result: res, Suggestions: suggestions})
}

// readImage accepts a multipart upload in the "file" field or a JSON body
// with image_base64.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("file field: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return decodeImage(req.ImageBase64)
}

func (h *Handler) handleEventCreate(w http.ResponseWriter, r *http.Request) {
	req, image, err := h.readEvent(w, r)
	if err != nil {
		writeError(w, statusForBodyError(err), err.Error())
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	res, err := h.Ingestor.Ingest(ctx, pipeline.IngestRequest{
		VehicleID:    strings.TrimSpace(req.VehicleID),
		Image:        image,
		Verdict:      domain.Verdict(req.Verdict),
		Confidence:   req.Confidence,
		Issues:       req.Issues,
		Origin:       domain.Origin(req.Origin),
		InspectorID:  Subject(r.Context()),
		Notes:        req.Notes,
		ThumbnailURL: req.ThumbnailURL,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, eventResponse{IngestResult: res})
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case res != nil:
		// The event is stored; only alert evaluation failed.
		writeJSON(w, http.StatusCreated, eventResponse{IngestResult: res, AlertError: describeAlertFailure(err)})
	default:
		h.logger().Error("ingest failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "event could not be stored")
	}
}

// readEvent accepts a JSON body or a multipart form whose optional "file"
// part is the inspection image.
func (h *Handler) readEvent(w http.ResponseWriter, r *http.Request) (eventRequest, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)

	var req eventRequest
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := decodeJSON(r, &req); err != nil {
			return req, nil, err
		}
		image, err := decodeImage(req.ImageBase64)
		return req, image, err
	}

	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		return req, nil, err
	}
	req.VehicleID = r.FormValue("vehicle_id")
	req.Verdict = r.FormValue("verdict")
	req.Origin = r.FormValue("origin")
	req.Notes = r.FormValue("notes")
	req.ThumbnailURL = r.FormValue("thumbnail_url")
	req.Issues = r.MultipartForm.Value["issues"]
	if v := r.FormValue("confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, nil, fmt.Errorf("invalid confidence %q", v)
		}
		req.Confidence = &c
	}

	f, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return req, nil, fmt.Errorf("file field: %w", err)
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	return req, image, err
}

func describeAlertFailure(err error) *alertFailure {
	f := &alertFailure{Message: err.Error()}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		f.Stage = string(se.Stage)
	}
	var pf *alerting.PartialFailureError
	if errors.As(err, &pf) {
		f.FailedRules = pf.FailedRules()
	}
	return f
}

func (h *Handler) handleEventList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{VehicleID: q.Get("vehicle_id")}
	if v := q.Get("verdict"); v != "" {
		verdict, err := domain.ParseVerdict(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Verdict = verdict
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if filter.Limit, filter.Offset, err = parsePage(q.Get("limit"), q.Get("skip")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	events, err := h.Reader.ListEvents(ctx, filter)
	if err != nil {
		h.logger().Error("list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleEventGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	ev, err := h.Reader.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger().Error("get event failed", slog.Int64("event_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleAlertList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{VehicleID: q.Get("vehicle_id")}
	if k := q.Get("kind"); k != "" {
		kind := domain.AlertKind(k)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid kind %q", k))
			return
		}
		filter.Kind = kind
	}
	if s := q.Get("severity"); s != "" {
		filter.Severity = domain.AlertSeverity(s)
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolved flag")
			return
		}
		filter.Resolved = &resolved
	}
	var err error
	if filter.Limit, filter.Offset, err = parsePage(q.Get("limit"), q.Get("skip")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	alerts, err := h.Reader.ListAlerts(ctx, filter)
	if err != nil {
		h.logger().Error("list alerts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	a, err := h.Reader.GetAlert(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		h.logger().Error("get alert failed", slog.Int64("alert_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	a, err := h.Ingestor.ResolveAlert(ctx, id, Subject(r.Context()), req.Notes)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, http.StatusBadRequest, "alert already resolved")
	default:
		h.logger().Error("resolve alert failed", slog.Int64("alert_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
	}
}

// Healthz pings every dependency and reports each one.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Health))
	for name, p := range h.Health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parsePage(limitStr, skipStr string) (limit, skip int, err error) {
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > store.MaxListLimit {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", store.MaxListLimit)
		}
	}
	if skipStr != "" {
		skip, err = strconv.Atoi(skipStr)
		if err != nil || skip < 0 {
			return 0, 0, errors.New("skip must be >= 0")
		}
	}
	return limit, skip, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("image_base64 is not valid base64")
	}
	return b, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func statusForBodyError(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
