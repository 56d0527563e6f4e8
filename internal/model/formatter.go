package model

import (
	"log/slog"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Brownie44l1/agricure-api/internal/diseaseinfo"
)

// plantSeparator splits "Plant___Condition" style labels.
const plantSeparator = "___"

// InfoSource answers symptom/cure lookups by raw label.
type InfoSource interface {
	Lookup(name string) (diseaseinfo.Record, bool)
}

// Policy holds the tunable decision constants of the formatter.
type Policy struct {
	// Threshold is the minimum top score reported as a detection.
	Threshold float64
	// RequireSymptomAndCure uses a side-table row only when it has at least
	// one symptom and one cure. When false, any populated field is enough and
	// the missing side falls back to the generic text.
	RequireSymptomAndCure bool
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 0.5, RequireSymptomAndCure: true}
}

// Formatter turns raw score vectors into InferenceResults.
type Formatter struct {
	policy Policy
	labels LabelTable
	info   InfoSource
	logger *slog.Logger
}

// NewFormatter creates a Formatter. A nil info source never matches.
func NewFormatter(labels LabelTable, info InfoSource, policy Policy, logger *slog.Logger) *Formatter {
	if info == nil {
		info = diseaseinfo.Empty()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Formatter{policy: policy, labels: labels, info: info, logger: logger}
}

// Format maps the highest score to a labelled result.
func (f *Formatter) Format(raw []float32) InferenceResult {
	idx, conf := Argmax(raw)
	conf = clamp01(conf)

	if idx < 0 || conf < f.policy.Threshold {
		return lowConfidence(conf)
	}

	label, ok := f.labels.Label(idx)
	if !ok {
		f.logger.Warn("class index outside label table; model and labels disagree",
			"index", idx, "labels", f.labels.Len(), "outputs", len(raw))
		return unknownClass(conf)
	}

	symptoms, cure := f.describe(label)
	return InferenceResult{
		Disease:    FormatName(label),
		Confidence: conf,
		Symptoms:   symptoms,
		Cure:       cure,
		Kind:       KindDetected,
	}
}

// describe looks up the raw label, before any display formatting.
func (f *Formatter) describe(label string) (symptoms, cure []string) {
	rec, ok := f.info.Lookup(label)
	if !ok {
		return clone(infoUnavailableSymptoms), clone(infoUnavailableCure)
	}

	hasSymptoms, hasCures := len(rec.Symptoms) > 0, len(rec.Cures) > 0
	if hasSymptoms && hasCures {
		return clone(rec.Symptoms), clone(rec.Cures)
	}
	if f.policy.RequireSymptomAndCure || (!hasSymptoms && !hasCures) {
		return clone(infoUnavailableSymptoms), clone(infoUnavailableCure)
	}

	symptoms, cure = clone(infoUnavailableSymptoms), clone(infoUnavailableCure)
	if hasSymptoms {
		symptoms = clone(rec.Symptoms)
	}
	if hasCures {
		cure = clone(rec.Cures)
	}
	return symptoms, cure
}

// Argmax returns the index and value of the largest score. Ties resolve to
// the lowest index; NaN scores are ignored. It returns -1 when no score is
// usable.
func Argmax(raw []float32) (int, float64) {
	idx, best := -1, math.Inf(-1)
	for i, v := range raw {
		if float64(v) > best {
			idx, best = i, float64(v)
		}
	}
	if idx < 0 {
		return -1, 0
	}
	return idx, best
}

// FormatName renders a raw label for display. "Apple___Apple_scab" becomes
// "Apple - Apple Scab"; other labels get underscores replaced by spaces and
// every word capitalized.
func FormatName(raw string) string {
	if plant, condition, ok := strings.Cut(raw, plantSeparator); ok {
		return titleWords(plant) + " - " + titleWords(condition)
	}
	return titleWords(raw)
}

func titleWords(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	// Casers carry state, so one per call.
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
