package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/agricure-api/internal/preprocess"
)

// ortEnv guards the process-wide ONNX Runtime environment.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// Server runs the exported classifier through ONNX Runtime. Each call gets
// its own tensors, so Predict is safe for concurrent use.
type Server struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	numClasses int64
	Metadata   Metadata
}

// NewServer loads the model at modelPath. metadataPath and libPath are
// optional.
func NewServer(modelPath, metadataPath, libPath string) (*Server, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	var metadata Metadata
	if metadataPath != "" {
		m, err := LoadMetadata(metadataPath)
		if err != nil {
			return nil, err
		}
		metadata = m
	}

	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("expected one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}
	if err := checkInputDims(inputs[0].Dimensions); err != nil {
		return nil, err
	}

	outDims := outputs[0].Dimensions
	numClasses := int64(-1)
	if len(outDims) > 0 {
		numClasses = outDims[len(outDims)-1]
	}
	if numClasses <= 0 && len(metadata.OutputShape) > 0 {
		numClasses = metadata.OutputShape[len(metadata.OutputShape)-1]
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("cannot determine class count from output shape %v", outDims)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		numClasses: numClasses,
		Metadata:   metadata,
	}, nil
}

// LoadMetadata reads the JSON sidecar written next to an exported model.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

// checkInputDims accepts [batch, 224, 224, 3] with a fixed or dynamic batch.
func checkInputDims(dims ort.Shape) error {
	want := preprocess.InputShape
	if len(dims) != len(want) {
		return fmt.Errorf("expected 4D NHWC input, got %v", dims)
	}
	if dims[0] != want[0] && dims[0] > 0 {
		return fmt.Errorf("expected batch size 1, got %v", dims)
	}
	for i := 1; i < len(want); i++ {
		if dims[i] > 0 && dims[i] != want[i] {
			return fmt.Errorf("expected input shape %v, got %v", want, dims)
		}
	}
	return nil
}

// NumClasses is the width of the model's output vector.
func (s *Server) NumClasses() int {
	return int(s.numClasses)
}

func (s *Server) Predict(t preprocess.Tensor) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(t.Shape[:]...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, s.numClasses))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := s.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := make([]float32, s.numClasses)
	copy(scores, out.GetData())
	return scores, nil
}

func (s *Server) Close() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// ResolveLabels picks the label table for a model: the metadata class list
// when one is configured and non-empty, otherwise the built-in table.
func ResolveLabels(metadataPath string) (LabelTable, error) {
	if metadataPath == "" {
		return DefaultLabels(), nil
	}
	m, err := LoadMetadata(metadataPath)
	if err != nil {
		return DefaultLabels(), err
	}
	if len(m.Classes) == 0 {
		return DefaultLabels(), nil
	}
	return NewLabelTable(m.Classes), nil
}
