package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/agricure-api/internal/detector"
	"github.com/Brownie44l1/agricure-api/internal/history"
	"github.com/Brownie44l1/agricure-api/internal/logging"
	"github.com/Brownie44l1/agricure-api/internal/model"
	"github.com/Brownie44l1/agricure-api/internal/preprocess"
	"github.com/Brownie44l1/agricure-api/internal/testimage"
)

type fakePredictor struct{ scores []float32 }

func (p fakePredictor) Predict(preprocess.Tensor) ([]float32, error) {
	return append([]float32(nil), p.scores...), nil
}

func (fakePredictor) Close() error { return nil }

type fakeHistory struct {
	records []history.Record
	limit   int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	f.limit = limit
	return f.records, nil
}

type part struct {
	field    string
	filename string
	data     []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func newTestHandler(t *testing.T, loadErr error, opts ...Option) (*Handler, *model.Engine) {
	t.Helper()
	logger := logging.Discard()
	engine := model.NewEngine(func() (model.Predictor, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		return fakePredictor{scores: []float32{0.1, 0.9}}, nil
	}, model.WithLogger(logger))
	formatter := model.NewFormatter(
		model.NewLabelTable([]string{"Healthy Maize", "Wheat Scab"}),
		nil, model.DefaultPolicy(), logger)
	svc := detector.New(engine, formatter, preprocess.NewNormalizer(resize.NearestNeighbor),
		detector.WithLogger(logger), detector.WithWorkers(2))

	h, err := NewHandler(svc, engine, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, engine
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h, engine := newTestHandler(t, nil)

	for _, path := range []string{"/health", "/api/health"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		body := decode[map[string]any](t, rec)
		if body["status"] != "healthy" || body["service"] != "BioAgriCure API" || body["model_loaded"] != false {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}

	engine.Warmup()
	body := decode[map[string]any](t, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)))
	if body["model_loaded"] != true {
		t.Fatalf("expected model_loaded after warmup, got %v", body)
	}
}

func TestHealthDoesNotLoadModel(t *testing.T) {
	h, engine := newTestHandler(t, nil)
	serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if engine.Loaded() {
		t.Fatal("health check triggered a model load")
	}
}

func TestDetectNoFiles(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t)
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["error"] != "No file provided" {
		t.Fatalf("unexpected body %v", got)
	}

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d, want 400", rec.Code)
	}
}

func TestDetectMixedBatchKeepsOrder(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t,
		part{"files", "leaf.png", testimage.PNG(30, 30, color.RGBA{G: 200, A: 255})},
		part{"files", "notes.txt", []byte("hello")},
		part{"files", "broken.jpg", testimage.Corrupt()},
		part{"files", "LEAF.JPEG", testimage.JPEG(30, 30, color.White)},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	resp := decode[struct {
		RequestID string           `json:"request_id"`
		Results   []map[string]any `json:"results"`
	}](t, rec)

	if resp.RequestID == "" {
		t.Fatal("missing request_id")
	}
	if len(resp.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(resp.Results))
	}

	first := resp.Results[0]
	if first["filename"] != "leaf.png" || first["disease"] != "Wheat Scab" {
		t.Fatalf("result 0 = %v", first)
	}
	for _, key := range []string{"confidence", "symptoms", "cure"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("result 0 missing %q: %v", key, first)
		}
	}
	if _, ok := first["error"]; ok {
		t.Fatalf("result 0 has error: %v", first)
	}

	if second := resp.Results[1]; second["error"] != "Invalid file type" || second["filename"] != "notes.txt" {
		t.Fatalf("result 1 = %v", second)
	}
	if third := resp.Results[2]; third["error"] == nil || third["filename"] != "broken.jpg" || third["disease"] != nil {
		t.Fatalf("result 2 = %v", third)
	}
	if fourth := resp.Results[3]; fourth["disease"] != "Wheat Scab" {
		t.Fatalf("result 3 = %v", fourth)
	}
}

func TestDetectSingleFileField(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t, part{"file", "leaf.gif", testimage.GIF(12, 12)})
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	resp := decode[struct {
		Results []map[string]any `json:"results"`
	}](t, rec)
	if len(resp.Results) != 1 || resp.Results[0]["disease"] != "Wheat Scab" {
		t.Fatalf("unexpected results %v", resp.Results)
	}
}

func TestDetectEmptyFilename(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t, part{"files", "", []byte{}})
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	// An unnamed part is not a file to mime/multipart, so nothing was sent.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDetectModelUnavailable(t *testing.T) {
	h, _ := newTestHandler(t, errors.New("model missing"))

	body, ct := multipartBody(t, part{"files", "leaf.png", testimage.PNG(8, 8, color.White)})
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	resp := decode[struct {
		Results []map[string]any `json:"results"`
	}](t, rec)
	if len(resp.Results) != 1 {
		t.Fatalf("unexpected results %v", resp.Results)
	}
	if got := resp.Results[0]; got["disease"] != "Model Not Available" || got["confidence"] != 0.0 {
		t.Fatalf("unexpected placeholder %v", got)
	}
}

func TestDetectTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, nil, WithMaxUploadBytes(1024))

	body, ct := multipartBody(t, part{"files", "big.png", bytes.Repeat([]byte{1}, 4096)})
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestDetectMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/detect", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := serve(h, httptest.NewRequest(http.MethodOptions, "/api/detect", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestWarmup(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/warmup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["loaded"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["load_duration_ms"]; !ok {
		t.Fatalf("missing load_duration_ms: %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("unexpected error field: %v", body)
	}
}

func TestWarmupFailure(t *testing.T) {
	h, _ := newTestHandler(t, errors.New("model missing"))

	body := decode[map[string]any](t, serve(h, httptest.NewRequest(http.MethodPost, "/api/warmup", nil)))
	if body["loaded"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "model missing") {
		t.Fatalf("error = %q", msg)
	}
}

func TestHistoryDisabled(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHistoryLimit(t *testing.T) {
	fh := &fakeHistory{records: []history.Record{{
		ID: "1", RequestID: "r", Filename: "a.png", Disease: "Wheat Scab", Confidence: 0.9, CreatedAt: time.Now(),
	}}}
	h, _ := newTestHandler(t, nil, WithHistory(fh))

	tests := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{"", http.StatusOK, 20},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=5000", http.StatusOK, 200},
		{"?limit=abc", http.StatusBadRequest, 0},
		{"?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		fh.limit = 0
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/history"+tt.query, nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%q: status = %d, want %d", tt.query, rec.Code, tt.wantCode)
			continue
		}
		if fh.limit != tt.wantLimit {
			t.Errorf("%q: limit = %d, want %d", tt.query, fh.limit, tt.wantLimit)
		}
	}

	body := decode[historyResponse](t, serve(h, httptest.NewRequest(http.MethodGet, "/api/history", nil)))
	if len(body.Records) != 1 || body.Records[0].Disease != "Wheat Scab" {
		t.Fatalf("unexpected records %+v", body.Records)
	}
}

func TestIndexAndUploadForm(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Plant disease detection") {
		t.Fatalf("index: status %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/upload", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `name="files"`) {
		t.Fatalf("upload form: status %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/about", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown page status = %d, want 404", rec.Code)
	}
}

func TestUploadRendersInlineImages(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t,
		part{"files", "leaf.png", testimage.PNG(16, 16, color.RGBA{G: 150, A: 255})},
		part{"files", "skip.bmp", []byte("ignored")},
	)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, `src="data:image/png;base64,`) {
		t.Fatal("result page has no inline image")
	}
	if !strings.Contains(page, "Wheat Scab") {
		t.Fatal("result page has no disease name")
	}
	if strings.Contains(page, "skip.bmp") {
		t.Fatal("disallowed file was processed")
	}
}

func TestUploadWithoutFiles(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No file selected") {
		t.Fatal("form re-rendered without a message")
	}
}

func TestUploadOnlyDisallowedFiles(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	body, ct := multipartBody(t,
		part{"files", "scan.bmp", []byte("BM")},
		part{"files", "notes.txt", []byte("hello")},
	)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "Invalid file type") {
		t.Fatal("form re-rendered without the invalid type message")
	}
	if strings.Contains(page, "No file selected") {
		t.Fatal("rejected uploads reported as no file selected")
	}
}

func TestAllowedFile(t *testing.T) {
	tests := map[string]bool{
		"leaf.png":     true,
		"LEAF.JPG":     true,
		"a.b.jpeg":     true,
		"anim.gif":     true,
		"scan.bmp":     false,
		"noextension":  false,
		"trailingdot.": false,
	}
	for name, want := range tests {
		if got := allowedFile(name); got != want {
			t.Errorf("allowedFile(%q) = %v, want %v", name, got, want)
		}
	}
}
