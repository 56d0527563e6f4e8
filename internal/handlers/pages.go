package handlers

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/google/uuid"

	"github.com/Brownie44l1/agricure-api/internal/detector"
	"github.com/Brownie44l1/agricure-api/internal/model"
)

const (
	noFileMessage      = "No file selected. Please choose an image or take a photo."
	invalidTypeMessage = "Invalid file type. Accepted formats: PNG, JPG, JPEG and GIF."
)

type uploadPage struct {
	Message string
}

type resultCard struct {
	Filename     string
	ImageDataURI template.URL
	Result       *model.InferenceResult
	Error        string
}

type resultPage struct {
	RequestID string
	Results   []resultCard
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.render(w, http.StatusOK, "index.html", nil)
}

// Upload serves the form on GET and the result page on POST. Uploaded bytes
// are shown inline and never written to disk.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.render(w, http.StatusOK, "upload.html", uploadPage{})
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, status, msg := h.parseUploads(w, r)
	if status != 0 && status != http.StatusBadRequest {
		h.render(w, status, "upload.html", uploadPage{Message: msg})
		return
	}

	var items []detector.Item
	rejected := 0
	for _, fh := range files {
		if fh.Filename == "" {
			continue
		}
		if !allowedFile(fh.Filename) {
			rejected++
			continue
		}
		item, err := readItem(fh)
		if err != nil {
			h.logger.Warn("upload unreadable", "filename", fh.Filename, "err", err)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		msg := noFileMessage
		if rejected > 0 {
			msg = invalidTypeMessage
		}
		h.render(w, http.StatusBadRequest, "upload.html", uploadPage{Message: msg})
		return
	}

	requestID := uuid.NewString()
	ctx := detector.ContextWithRequestID(r.Context(), requestID)
	outcomes := h.detector.DetectBatch(ctx, items, detector.WithImages())

	page := resultPage{RequestID: requestID, Results: make([]resultCard, len(outcomes))}
	for i, o := range outcomes {
		// DataURI sniffs the media type from the bytes and only emits image types.
		card := resultCard{Filename: o.Filename, ImageDataURI: template.URL(o.ImageDataURI), Result: o.Result}
		if o.Err != nil {
			card.Error = o.Err.Error()
		}
		page.Results[i] = card
	}
	h.render(w, http.StatusOK, "result.html", page)
}

// render executes into a buffer first so a template failure can still become
// a clean 500.
func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.pages.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("template render failed", "template", name, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
