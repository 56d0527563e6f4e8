package model

import (
	"github.com/Brownie44l1/agricure-api/internal/preprocess"
)

// Metadata describes an exported model. It is optional: when present its
// class list replaces the built-in label table.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// Predictor runs the classifier on one normalized image and returns the raw
// per-class scores.
type Predictor interface {
	Predict(t preprocess.Tensor) ([]float32, error)
	Close() error
}

// Kind classifies how a result was produced.
type Kind string

const (
	KindDetected         Kind = "detected"
	KindLowConfidence    Kind = "low_confidence"
	KindUnknownClass     Kind = "unknown_class"
	KindModelUnavailable Kind = "model_unavailable"
)

// InferenceResult is the user-facing prediction for one image.
type InferenceResult struct {
	Disease    string   `json:"disease"`
	Confidence float64  `json:"confidence"`
	Symptoms   []string `json:"symptoms"`
	Cure       []string `json:"cure"`
	Kind       Kind     `json:"-"`
}

const (
	DiseaseUnableToDetect    = "Unable to Detect Disease"
	DiseaseUnknown           = "Unknown Disease"
	DiseaseModelNotAvailable = "Model Not Available"
)

var (
	infoUnavailableSymptoms = []string{"Symptoms and cure information not available."}
	infoUnavailableCure     = []string{"Please consult an agricultural expert for accurate diagnosis and treatment."}
)

// Unavailable is the fixed result returned while no model is loaded.
func Unavailable() InferenceResult {
	return InferenceResult{
		Disease:    DiseaseModelNotAvailable,
		Confidence: 0,
		Symptoms:   []string{"The disease detection model is not loaded. Please train the model first."},
		Cure:       []string{"Train the model with the offline training script, export it to ONNX and restart the service."},
		Kind:       KindModelUnavailable,
	}
}

func lowConfidence(conf float64) InferenceResult {
	return InferenceResult{
		Disease:    DiseaseUnableToDetect,
		Confidence: conf,
		Symptoms: []string{
			"The model is not confident about this image",
			"Please upload a clearer image of the affected plant",
		},
		Cure: []string{
			"Ensure good lighting and focus",
			"Take a close-up photo of the diseased area",
			"Consult a local agricultural expert if needed",
		},
		Kind: KindLowConfidence,
	}
}

func unknownClass(conf float64) InferenceResult {
	return InferenceResult{
		Disease:    DiseaseUnknown,
		Confidence: conf,
		Symptoms:   clone(infoUnavailableSymptoms),
		Cure:       clone(infoUnavailableCure),
		Kind:       KindUnknownClass,
	}
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
