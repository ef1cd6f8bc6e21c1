// Package classifier turns inspection images into a cleaning verdict with a
// confidence and an ordered list of human-readable issues.
//
// Classification is total: every strategy returns a usable Result, and
// failures inside a strategy are resolved to an Uncertain verdict or handed to
// a fallback strategy instead of being returned to the caller.
package classifier

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/metrics"
)

const (
	StrategyHeuristic = "heuristic"
	StrategyModel     = "model"
)

type Result struct {
	Verdict    domain.Verdict `json:"verdict"`
	Confidence *float64       `json:"confidence,omitempty"`
	Issues     []string       `json:"issues"`
	Strategy   string         `json:"strategy"`

	// LowConfidence is informational only; alert rules never read it.
	LowConfidence bool `json:"low_confidence"`
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) Result
}

// fallible is a strategy that can fail; Chain makes it total.
type fallible interface {
	TryClassify(ctx context.Context, image []byte) (Result, error)
}

// Chain runs primary and falls back on any error.
type Chain struct {
	primary  fallible
	fallback Classifier
	logger   *slog.Logger
}

func NewChain(primary fallible, fallback Classifier, logger *slog.Logger) *Chain {
	return &Chain{primary: primary, fallback: fallback, logger: logger}
}

func (c *Chain) Classify(ctx context.Context, image []byte) Result {
	res, err := c.primary.TryClassify(ctx, image)
	if err == nil {
		return res
	}
	reason := fallbackReason(err)
	metrics.ModelFallbacks.WithLabelValues(reason).Inc()
	c.logger.Warn("model classification failed, using heuristic",
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return c.fallback.Classify(ctx, image)
}

type Thresholds struct {
	Clean float64
	Dirty float64
}

type Options struct {
	Mode       string
	Model      ModelOptions
	Thresholds Thresholds
	Seed       uint64

	// MaxImagePixels bounds decoding for every strategy.
	MaxImagePixels int
}

// Service is the classifier handed to the rest of the process. The strategy
// is picked once in New.
type Service struct {
	inner      Classifier
	strategy   string
	thresholds Thresholds
}

func New(ctx context.Context, opts Options, infer Inferencer, logger *slog.Logger) *Service {
	heuristic := NewHeuristic(opts.Seed, WithMaxPixels(opts.MaxImagePixels))
	if opts.Model.MaxPixels == 0 {
		opts.Model.MaxPixels = opts.MaxImagePixels
	}
	svc := &Service{inner: heuristic, strategy: StrategyHeuristic, thresholds: opts.Thresholds}

	if opts.Mode != StrategyModel {
		return svc
	}
	if infer == nil {
		logger.Warn("classifier mode is model but no model endpoint is configured, using heuristic")
		return svc
	}
	if r, ok := infer.(interface{ Ready(context.Context) error }); ok {
		readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ready(readyCtx); err != nil {
			logger.Warn("model not ready, using heuristic", slog.String("error", err.Error()))
			return svc
		}
	}

	svc.inner = NewChain(NewModel(infer, opts.Model), heuristic, logger)
	svc.strategy = StrategyModel
	logger.Info("model classifier enabled", slog.Int("input_size", opts.Model.InputSize))
	return svc
}

func (s *Service) Strategy() string { return s.strategy }

func (s *Service) Classify(ctx context.Context, image []byte) Result {
	res := s.inner.Classify(ctx, image)
	res.LowConfidence = s.lowConfidence(res)
	metrics.Classifications.WithLabelValues(res.Strategy, string(res.Verdict)).Inc()
	return res
}

func (s *Service) lowConfidence(r Result) bool {
	if r.Confidence == nil {
		return true
	}
	switch r.Verdict {
	case domain.VerdictClean:
		return *r.Confidence < s.thresholds.Clean
	case domain.VerdictDirty:
		return *r.Confidence < s.thresholds.Dirty
	default:
		return true
	}
}
