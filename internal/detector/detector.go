// Package detector runs uploaded images through the prediction pipeline:
// cache, model, formatter, history and metrics.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/agricure-api/internal/cache"
	"github.com/Brownie44l1/agricure-api/internal/history"
	"github.com/Brownie44l1/agricure-api/internal/metrics"
	"github.com/Brownie44l1/agricure-api/internal/model"
	"github.com/Brownie44l1/agricure-api/internal/preprocess"
)

// Item is one uploaded image.
type Item struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outcome is the per-item result or error. Exactly one of Result and Err is
// set.
type Outcome struct {
	Filename     string
	Result       *model.InferenceResult
	Err          error
	ImageDataURI string
	Cached       bool
}

// Engine is the part of model.Engine the service needs.
type Engine interface {
	EnsureLoaded() (model.Predictor, error)
	Predict(t preprocess.Tensor) ([]float32, error)
}

// Recorder counts predictions by outcome.
type Recorder interface {
	Prediction(outcome string)
}

// HistoryStore persists served predictions.
type HistoryStore interface {
	Insert(ctx context.Context, rec history.Record) error
}

// Service is application scoped and safe for concurrent use.
type Service struct {
	engine     Engine
	formatter  *model.Formatter
	normalizer *preprocess.Normalizer
	cache      cache.Cache
	namespace  string
	history    HistoryStore
	recorder   Recorder
	workers    int
	logger     *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithCacheNamespace prefixes every cache key, typically with a
// cache.Fingerprint of the model and policy settings.
func WithCacheNamespace(ns string) Option {
	return func(s *Service) { s.namespace = ns }
}

func WithHistory(h HistoryStore) Option {
	return func(s *Service) { s.history = h }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithWorkers bounds how many items of one batch run at once. 1 processes
// items sequentially.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service.
func New(engine Engine, formatter *model.Formatter, normalizer *preprocess.Normalizer, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		formatter:  formatter,
		normalizer: normalizer,
		cache:      cache.Nop{},
		workers:    1,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

// CallOption adjusts a single Detect or DetectBatch call.
type CallOption func(*call)

type call struct {
	images bool
}

// WithImages attaches each item's bytes to its Outcome as a data: URI.
func WithImages() CallOption {
	return func(c *call) { c.images = true }
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx so history records can be grouped by request.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by ContextWithRequestID, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// DetectBatch runs every item and returns outcomes in input order. A failing
// item never affects the others.
func (s *Service) DetectBatch(ctx context.Context, items []Item, opts ...CallOption) []Outcome {
	if RequestID(ctx) == "" {
		ctx = ContextWithRequestID(ctx, uuid.NewString())
	}

	out := make([]Outcome, len(items))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, item := range items {
		g.Go(func() error {
			out[i] = s.Detect(ctx, item, opts...)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Detect runs one item through the pipeline.
func (s *Service) Detect(ctx context.Context, item Item, opts ...CallOption) Outcome {
	var c call
	for _, opt := range opts {
		opt(&c)
	}

	o := s.detect(ctx, item)
	if c.images && o.Err == nil {
		o.ImageDataURI = preprocess.DataURI(item.Data)
	}
	return o
}

func (s *Service) detect(ctx context.Context, item Item) Outcome {
	o := Outcome{Filename: item.Filename}

	if err := ctx.Err(); err != nil {
		o.Err = err
		return o
	}

	key := cache.Key(item.Data)
	if s.namespace != "" {
		key = s.namespace + ":" + key
	}
	if res, ok := s.cache.Get(ctx, key); ok {
		s.record(metrics.OutcomeCached)
		o.Result, o.Cached = &res, true
		return o
	}

	if _, err := s.engine.EnsureLoaded(); err != nil {
		res := model.Unavailable()
		s.record(metrics.OutcomeModelUnavailable)
		o.Result = &res
		return o
	}

	tensor, err := s.normalizer.Normalize(item.Data)
	if err != nil {
		s.logger.Warn("image rejected", "filename", item.Filename, "content_type", item.ContentType, "err", err)
		s.record(metrics.OutcomeDecodeError)
		o.Err = err
		return o
	}

	raw, err := s.engine.Predict(tensor)
	if err != nil {
		if errors.Is(err, model.ErrModelUnavailable) {
			res := model.Unavailable()
			s.record(metrics.OutcomeModelUnavailable)
			o.Result = &res
			return o
		}
		s.logger.Error("inference failed", "filename", item.Filename, "err", err)
		o.Err = fmt.Errorf("detector: %w", err)
		return o
	}

	res := s.formatter.Format(raw)
	s.cache.Set(ctx, key, res)
	s.save(ctx, item.Filename, res)
	s.record(string(res.Kind))

	o.Result = &res
	return o
}

// save writes a history record. Failures are logged, never returned.
func (s *Service) save(ctx context.Context, filename string, res model.InferenceResult) {
	if s.history == nil {
		return
	}
	rec := history.Record{
		ID:         uuid.NewString(),
		RequestID:  RequestID(ctx),
		Filename:   filename,
		Disease:    res.Disease,
		Confidence: res.Confidence,
	}
	if err := s.history.Insert(ctx, rec); err != nil {
		s.logger.Warn("history insert failed", "filename", filename, "err", err)
	}
}

func (s *Service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.Prediction(outcome)
	}
}
