package model

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/rustyeddy/fxengine/market"
)

var ortOnce struct {
	sync.Once
	err error
}

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = "/usr/lib/libonnxruntime.so"
			switch runtime.GOOS {
			case "windows":
				libPath = "onnxruntime.dll"
			case "darwin":
				libPath = "libonnxruntime.dylib"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		ortOnce.err = ort.InitializeEnvironment()
	})
	return ortOnce.err
}

// ONNXPredictor runs a classifier exported with one input named "input" of
// shape [1, window, 6] and one output named "output" of shape [1, 3] holding
// short, flat and long logits.
type ONNXPredictor struct {
	mu      sync.Mutex
	window  int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewONNXPredictor(modelPath, libPath string, window int) (*ONNXPredictor, error) {
	if window <= 0 {
		return nil, fmt.Errorf("model window must be positive, got %d", window)
	}
	if err := InitRuntime(libPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(window), FeaturesPerBar), make([]float32, window*FeaturesPerBar))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}
	return &ONNXPredictor{window: window, session: session, input: input, output: output}, nil
}

func (p *ONNXPredictor) Predict(ctx context.Context, instrument string, series market.Series) (Prediction, error) {
	features, err := Features(series, p.window)
	if err != nil {
		return Prediction{}, err
	}
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	// tensors are bound to the session, so one inference at a time
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.input.GetData(), features)
	if err := p.session.Run(); err != nil {
		return Prediction{}, fmt.Errorf("inference %s: %w", instrument, err)
	}
	probs := softmax(p.output.GetData())
	return Prediction{Short: probs[0], Flat: probs[1], Long: probs[2]}, nil
}

func (p *ONNXPredictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Destroy()
	}
	if p.input != nil {
		p.input.Destroy()
	}
	if p.output != nil {
		p.output.Destroy()
	}
}
