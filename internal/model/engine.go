package model

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/agricure-api/internal/preprocess"
)

var (
	// ErrModelUnavailable is returned for every prediction once a load has
	// failed. Loads are never retried within an Engine's lifetime.
	ErrModelUnavailable = errors.New("model: not available")

	// ErrShape reports a tensor that is not (1, 224, 224, 3).
	ErrShape = errors.New("model: unexpected input shape")
)

// Loader creates the model handle. It is called at most once per Engine.
type Loader func() (Predictor, error)

// LoadObserver is notified once, after the single load attempt finishes.
type LoadObserver func(elapsed time.Duration, err error)

// Engine owns the lazily loaded model handle.
type Engine struct {
	load      Loader
	logger    *slog.Logger
	observers []LoadObserver

	once      sync.Once
	done      atomic.Bool
	predictor Predictor
	err       error
	elapsed   time.Duration
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLoadObserver registers fn to run after the load attempt.
func WithLoadObserver(fn LoadObserver) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an Engine. Nothing is loaded until first use.
func NewEngine(load Loader, opts ...EngineOption) *Engine {
	e := &Engine{load: load, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureLoaded loads the model on first call. Concurrent first callers wait
// for the single load and all observe its outcome.
func (e *Engine) EnsureLoaded() (Predictor, error) {
	e.once.Do(e.doLoad)
	if e.err != nil {
		return nil, e.err
	}
	return e.predictor, nil
}

func (e *Engine) doLoad() {
	start := time.Now()
	p, err := e.load()
	e.elapsed = time.Since(start)

	switch {
	case err != nil:
		e.err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		e.logger.Error("model load failed; predictions will return the placeholder result",
			"err", err, "elapsed", e.elapsed)
	case p == nil:
		e.err = fmt.Errorf("%w: loader returned no model", ErrModelUnavailable)
		e.logger.Error("model load returned no model")
	default:
		e.predictor = p
		e.logger.Info("model loaded", "elapsed", e.elapsed)
	}

	for _, fn := range e.observers {
		fn(e.elapsed, e.err)
	}
	e.done.Store(true)
}

// Loaded reports whether a model is in memory. It never triggers a load.
func (e *Engine) Loaded() bool {
	return e.done.Load() && e.err == nil
}

// Predict runs the model on t. It returns ErrModelUnavailable when the model
// could not be loaded; callers substitute Unavailable().
func (e *Engine) Predict(t preprocess.Tensor) ([]float32, error) {
	p, err := e.EnsureLoaded()
	if err != nil {
		return nil, err
	}
	if t.Shape != preprocess.InputShape || len(t.Data) != preprocess.Size*preprocess.Size*preprocess.Channels {
		return nil, fmt.Errorf("%w: got %v with %d values", ErrShape, t.Shape, len(t.Data))
	}
	return p.Predict(t)
}

// WarmupReport describes the outcome of a warm-up call.
type WarmupReport struct {
	Loaded       bool
	LoadDuration time.Duration
	Err          error
}

// Warmup forces the load and reports how long the single load took. Calling
// it again returns the same report without reloading.
func (e *Engine) Warmup() WarmupReport {
	_, err := e.EnsureLoaded()
	return WarmupReport{Loaded: err == nil, LoadDuration: e.elapsed, Err: err}
}

// Close releases the model. A closed Engine never loads afterwards.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.err = fmt.Errorf("%w: engine closed", ErrModelUnavailable)
		e.done.Store(true)
	})
	if e.predictor != nil {
		return e.predictor.Close()
	}
	return nil
}
