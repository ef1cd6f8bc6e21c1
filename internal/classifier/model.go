package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/metrics"
)

var (
	ErrDecode      = errors.New("image decode failed")
	ErrInference   = errors.New("inference failed")
	ErrOutputShape = errors.New("unexpected model output shape")
)

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrOutputShape):
		return "shape"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "inference"
	}
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

type Inferencer interface {
	Infer(ctx context.Context, input Tensor) ([]float32, error)
}

type ModelOptions struct {
	InputSize int
	Mean      [3]float32
	Std       [3]float32

	// OutputsProbabilities skips softmax when the model already ends in one.
	OutputsProbabilities bool

	Timeout time.Duration

	// MaxPixels defaults to DefaultMaxImagePixels.
	MaxPixels int
}

type Model struct {
	infer Inferencer
	opts  ModelOptions
}

func NewModel(infer Inferencer, opts ModelOptions) *Model {
	if opts.InputSize <= 0 {
		opts.InputSize = 224
	}
	return &Model{infer: infer, opts: opts}
}

func (m *Model) TryClassify(ctx context.Context, data []byte) (Result, error) {
	img, err := decode(data, m.opts.MaxPixels)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.infer == nil {
		return Result{}, fmt.Errorf("%w: no inferencer", ErrInference)
	}

	input := Preprocess(img, m.opts.InputSize, m.opts.Mean, m.opts.Std)

	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := m.infer.Infer(ctx, input)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(out) != len(domain.Verdicts) {
		return Result{}, fmt.Errorf("%w: got %d outputs, want %d", ErrOutputShape, len(out), len(domain.Verdicts))
	}

	probs := out
	if !m.opts.OutputsProbabilities {
		probs = softmax(out)
	}
	idx := argmax(probs)
	confidence := float64(probs[idx])
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v out of range", ErrOutputShape, confidence)
	}

	verdict := domain.Verdicts[idx]
	return Result{
		Verdict:    verdict,
		Confidence: domain.Float(confidence),
		Issues:     DetectIssues(img, verdict),
		Strategy:   StrategyModel,
	}, nil
}

// Preprocess resizes img to size x size and returns a [1,3,size,size] tensor
// scaled to [0,1] and normalized per channel.
func Preprocess(img image.Image, size int, mean, std [3]float32) Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[off+c]) / 255
				data[c*plane+i] = (v - mean[c]) / std[c]
			}
		}
	}
	return Tensor{Shape: []int{1, 3, size, size}, Data: data}
}

func softmax(logits []float32) []float32 {
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// argmax returns the first index of the maximum value.
func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
