package classifier

import (
	"context"
	"math/rand/v2"
	"sync"

	"fleet-monitor/cleaning/internal/domain"
)

const IssueImageUnreadable = "image unreadable"

var dirtyIssues = []string{
	"paper or trash visible on the floor",
	"windows with stains or fingerprints",
	"seats with dust or residue",
	"dirty handrails",
}

var uncertainIssues = []string{
	"check rear windows",
	"check corners and edges",
	"check hard-to-reach areas",
}

type tier struct {
	verdict    domain.Verdict
	base       float64
	jitter     float64
	vocabulary []string
	minIssues  int
	maxIssues  int
}

var (
	tierClean     = tier{verdict: domain.VerdictClean, base: 0.85, jitter: 0.10}
	tierDirty     = tier{verdict: domain.VerdictDirty, base: 0.70, jitter: 0.15, vocabulary: dirtyIssues, minIssues: 1, maxIssues: 3}
	tierUncertain = tier{verdict: domain.VerdictUncertain, base: 0.55, jitter: 0.15, vocabulary: uncertainIssues, minIssues: 1, maxIssues: 2}
)

func tierFor(brightness, variance float64) tier {
	switch {
	case brightness > 180 && variance < 2000:
		return tierClean
	case brightness < 100 || variance > 4000:
		return tierDirty
	default:
		return tierUncertain
	}
}

// Tier is the verdict the heuristic assigns to an image with the given
// brightness and variance. It does not depend on the random jitter.
func Tier(brightness, variance float64) domain.Verdict {
	return tierFor(brightness, variance).verdict
}

// Heuristic classifies from brightness and variance alone. Confidence carries
// bounded random jitter and the issue list is sampled from a fixed vocabulary.
type Heuristic struct {
	mu        sync.Mutex
	rng       *rand.Rand
	maxPixels int
}

type HeuristicOption func(*Heuristic)

// WithMaxPixels sets the decode limit; larger images are unreadable.
func WithMaxPixels(n int) HeuristicOption {
	return func(h *Heuristic) { h.maxPixels = n }
}

func NewHeuristic(seed uint64, opts ...HeuristicOption) *Heuristic {
	h := &Heuristic{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxPixels: DefaultMaxImagePixels,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heuristic) Classify(_ context.Context, image []byte) Result {
	img, err := decode(image, h.maxPixels)
	if err != nil {
		return unreadable()
	}
	stats := computeStats(img)
	return h.fromStats(stats)
}

func (h *Heuristic) fromStats(stats imageStats) Result {
	t := tierFor(stats.Brightness, stats.Variance)

	h.mu.Lock()
	confidence := t.base + h.rng.Float64()*t.jitter
	issues := h.sample(t)
	h.mu.Unlock()

	if confidence > 1 {
		confidence = 1
	}
	return Result{
		Verdict:    t.verdict,
		Confidence: domain.Float(confidence),
		Issues:     issues,
		Strategy:   StrategyHeuristic,
	}
}

// sample picks between minIssues and maxIssues distinct entries. Caller holds h.mu.
func (h *Heuristic) sample(t tier) []string {
	if len(t.vocabulary) == 0 {
		return []string{}
	}
	k := t.minIssues + h.rng.IntN(t.maxIssues-t.minIssues+1)
	perm := h.rng.Perm(len(t.vocabulary))
	issues := make([]string, 0, k)
	for _, i := range perm[:k] {
		issues = append(issues, t.vocabulary[i])
	}
	return issues
}

func unreadable() Result {
	return Result{
		Verdict:    domain.VerdictUncertain,
		Confidence: domain.Float(0.5),
		Issues:     []string{IssueImageUnreadable},
		Strategy:   StrategyHeuristic,
	}
}
