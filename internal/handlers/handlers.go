package handlers

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Brownie44l1/agricure-api/internal/detector"
	"github.com/Brownie44l1/agricure-api/internal/history"
	"github.com/Brownie44l1/agricure-api/internal/model"
)

const (
	serviceName = "BioAgriCure API"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// allowedExtensions is checked case-insensitively against the upload name.
var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
}

//go:embed templates/*.html
var templateFS embed.FS

// Detector runs uploads through the prediction pipeline.
type Detector interface {
	DetectBatch(ctx context.Context, items []detector.Item, opts ...detector.CallOption) []detector.Outcome
}

// ModelState reports and forces the model load.
type ModelState interface {
	Loaded() bool
	Warmup() model.WarmupReport
}

// HistoryReader lists recent predictions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

type Handler struct {
	detector       Detector
	model          ModelState
	history        HistoryReader
	pages          *template.Template
	maxUploadBytes int64
	logger         *slog.Logger
}

type Option func(*Handler)

// WithHistory enables GET /api/history.
func WithHistory(h HistoryReader) Option {
	return func(hd *Handler) { hd.history = h }
}

func WithMaxUploadBytes(n int64) Option {
	return func(hd *Handler) { hd.maxUploadBytes = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(hd *Handler) { hd.logger = logger }
}

func NewHandler(det Detector, state ModelState, opts ...Option) (*Handler, error) {
	pages, err := template.New("").Funcs(template.FuncMap{
		"percent": func(v float64) string { return strconv.FormatFloat(v*100, 'f', 1, 64) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	h := &Handler{
		detector:       det,
		model:          state,
		pages:          pages,
		maxUploadBytes: 16 << 20,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", EnableCORS(h.Health))
	mux.HandleFunc("/api/health", EnableCORS(h.Health))
	mux.HandleFunc("/api/detect", EnableCORS(h.Detect))
	mux.HandleFunc("/api/warmup", EnableCORS(h.Warmup))
	mux.HandleFunc("/api/history", EnableCORS(h.History))
	mux.HandleFunc("/upload", h.Upload)
	mux.HandleFunc("/", h.Index)
	return mux
}

// EnableCORS allows browser clients on other origins to call the API.
func EnableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	ModelLoaded bool   `json:"model_loaded"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Service:     serviceName,
		ModelLoaded: h.model.Loaded(),
	})
}

// detectEntry is one element of the detect response: a result with its
// filename, or an error.
type detectEntry struct {
	Filename string `json:"filename,omitempty"`
	*model.InferenceResult
	Error string `json:"error,omitempty"`
}

type detectResponse struct {
	RequestID string        `json:"request_id"`
	Results   []detectEntry `json:"results"`
}

func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	files, status, msg := h.parseUploads(w, r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)

	entries := make([]detectEntry, len(files))
	var items []detector.Item
	var slots []int
	for i, fh := range files {
		switch {
		case fh.Filename == "":
			entries[i] = detectEntry{Error: "No file selected"}
		case !allowedFile(fh.Filename):
			entries[i] = detectEntry{Filename: fh.Filename, Error: "Invalid file type"}
		default:
			item, err := readItem(fh)
			if err != nil {
				entries[i] = detectEntry{Filename: fh.Filename, Error: err.Error()}
				continue
			}
			items = append(items, item)
			slots = append(slots, i)
		}
	}

	ctx := detector.ContextWithRequestID(r.Context(), requestID)
	for j, o := range h.detector.DetectBatch(ctx, items) {
		entries[slots[j]] = entryFor(o)
	}

	writeJSON(w, http.StatusOK, detectResponse{RequestID: requestID, Results: entries})
}

func entryFor(o detector.Outcome) detectEntry {
	if o.Err != nil {
		return detectEntry{Filename: o.Filename, Error: o.Err.Error()}
	}
	return detectEntry{Filename: o.Filename, InferenceResult: o.Result}
}

type warmupResponse struct {
	Loaded         bool   `json:"loaded"`
	LoadDurationMS int64  `json:"load_duration_ms"`
	Error          string `json:"error,omitempty"`
}

// Warmup forces the model load so the first real request does not pay for it.
func (h *Handler) Warmup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rep := h.model.Warmup()
	resp := warmupResponse{Loaded: rep.Loaded, LoadDurationMS: rep.LoadDuration.Milliseconds()}
	if rep.Err != nil {
		resp.Error = rep.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Records []history.Record `json:"records"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "History is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "History unavailable")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}

// parseUploads reads the multipart form and returns the "files" parts, or the
// single "file" part when "files" is absent. A non-zero status means the
// request was rejected with msg.
func (h *Handler) parseUploads(w http.ResponseWriter, r *http.Request) (files []*multipart.FileHeader, status int, msg string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, http.StatusRequestEntityTooLarge, "File too large"
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			return nil, http.StatusBadRequest, "No file provided"
		default:
			h.logger.Warn("multipart parse failed", "err", err)
			return nil, http.StatusBadRequest, "Failed to parse form"
		}
	}
	if files := r.MultipartForm.File["files"]; len(files) > 0 {
		return files, 0, ""
	}
	return r.MultipartForm.File["file"], 0, ""
}

func readItem(fh *multipart.FileHeader) (detector.Item, error) {
	f, err := fh.Open()
	if err != nil {
		return detector.Item{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return detector.Item{}, err
	}
	return detector.Item{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func allowedFile(name string) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	return allowedExtensions[strings.ToLower(ext[1:])]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
