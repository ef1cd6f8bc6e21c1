package classifier

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"fleet-monitor/cleaning/internal/domain"
)

func TestTierDecisionTable(t *testing.T) {
	cases := []struct {
		name       string
		brightness float64
		variance   float64
		want       domain.Verdict
	}{
		{"bright and smooth", 200, 1000, domain.VerdictClean},
		{"bright boundary is not clean", 180, 1000, domain.VerdictUncertain},
		{"bright but variance at limit", 200, 2000, domain.VerdictUncertain},
		{"dark", 99, 100, domain.VerdictDirty},
		{"dark boundary is not dirty", 100, 100, domain.VerdictUncertain},
		{"noisy", 150, 4001, domain.VerdictDirty},
		{"bright but noisy", 200, 4500, domain.VerdictDirty},
		{"middle", 140, 3000, domain.VerdictUncertain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Tier(tc.brightness, tc.variance); got != tc.want {
				t.Fatalf("Tier(%v, %v) = %s, want %s", tc.brightness, tc.variance, got, tc.want)
			}
		})
	}
}

func TestHeuristicVerdictIndependentOfJitter(t *testing.T) {
	stats := imageStats{Brightness: 50, Variance: 10}
	for seed := uint64(0); seed < 50; seed++ {
		res := NewHeuristic(seed).fromStats(stats)
		if res.Verdict != domain.VerdictDirty {
			t.Fatalf("seed %d: expected dirty, got %s", seed, res.Verdict)
		}
	}
}

func TestHeuristicConfidenceAndIssueBounds(t *testing.T) {
	h := NewHeuristic(42)
	cases := []struct {
		stats      imageStats
		verdict    domain.Verdict
		minConf    float64
		maxConf    float64
		minIssues  int
		maxIssues  int
		vocabulary []string
	}{
		{imageStats{Brightness: 220, Variance: 100}, domain.VerdictClean, 0.85, 0.95, 0, 0, nil},
		{imageStats{Brightness: 40, Variance: 100}, domain.VerdictDirty, 0.70, 0.85, 1, 3, dirtyIssues},
		{imageStats{Brightness: 140, Variance: 3000}, domain.VerdictUncertain, 0.55, 0.70, 1, 2, uncertainIssues},
	}
	for _, tc := range cases {
		for i := 0; i < 200; i++ {
			res := h.fromStats(tc.stats)
			if res.Verdict != tc.verdict {
				t.Fatalf("expected %s, got %s", tc.verdict, res.Verdict)
			}
			if res.Confidence == nil || *res.Confidence < tc.minConf || *res.Confidence > tc.maxConf {
				t.Fatalf("%s confidence %v outside [%v,%v]", tc.verdict, res.Confidence, tc.minConf, tc.maxConf)
			}
			if len(res.Issues) < tc.minIssues || len(res.Issues) > tc.maxIssues {
				t.Fatalf("%s issue count %d outside [%d,%d]", tc.verdict, len(res.Issues), tc.minIssues, tc.maxIssues)
			}
			seen := map[string]bool{}
			for _, issue := range res.Issues {
				if seen[issue] {
					t.Fatalf("duplicate issue %q", issue)
				}
				seen[issue] = true
				if !contains(tc.vocabulary, issue) {
					t.Fatalf("issue %q not in vocabulary", issue)
				}
			}
		}
	}
}

func TestHeuristicClassifiesEncodedImages(t *testing.T) {
	h := NewHeuristic(7)
	cases := []struct {
		name string
		img  image.Image
		want domain.Verdict
	}{
		{"bright uniform", uniformGray(220, 32), domain.VerdictClean},
		{"dark uniform", uniformGray(30, 32), domain.VerdictDirty},
		{"mid uniform", uniformGray(140, 32), domain.VerdictUncertain},
		{"high variance", stripes(32), domain.VerdictDirty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.Classify(context.Background(), encodePNG(t, tc.img))
			if res.Verdict != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res.Verdict)
			}
			if res.Strategy != StrategyHeuristic {
				t.Fatalf("unexpected strategy %q", res.Strategy)
			}
		})
	}
}

func TestHeuristicUnreadableImage(t *testing.T) {
	h := NewHeuristic(1)
	for i := 0; i < 3; i++ {
		res := h.Classify(context.Background(), []byte("definitely not an image"))
		if res.Verdict != domain.VerdictUncertain {
			t.Fatalf("expected uncertain, got %s", res.Verdict)
		}
		if res.Confidence == nil || *res.Confidence != 0.5 {
			t.Fatalf("expected confidence 0.5, got %v", res.Confidence)
		}
		if len(res.Issues) != 1 || res.Issues[0] != IssueImageUnreadable {
			t.Fatalf("unexpected issues %v", res.Issues)
		}
	}
}

func TestComputeStatsRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	stats := computeStats(img)
	if stats.Brightness != 127.5 {
		t.Fatalf("expected brightness 127.5, got %v", stats.Brightness)
	}
	if stats.Variance != 127.5*127.5 {
		t.Fatalf("expected variance %v, got %v", 127.5*127.5, stats.Variance)
	}
}

func TestComputeStatsIgnoresAlphaAndExpandsPalette(t *testing.T) {
	rgba := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(rgba.Pix); i += 4 {
		rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2], rgba.Pix[i+3] = 170, 170, 170, 255
	}
	stats := computeStats(rgba)
	if stats.Brightness != 170 || stats.Variance != 0 {
		t.Fatalf("rgba stats = %+v, want brightness 170 variance 0", stats)
	}
	if Tier(stats.Brightness, stats.Variance) != domain.VerdictUncertain {
		t.Fatalf("opaque RGB=170 should be uncertain")
	}

	paletted := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Gray{Y: 200}})
	stats = computeStats(paletted)
	if stats.Brightness != 200 {
		t.Fatalf("paletted brightness = %v, want colour value 200", stats.Brightness)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDecodeRejectsOversizedImageBeforeDecoding(t *testing.T) {
	data := pngHeaderOnly(60000, 60000)
	if len(data) > 64 {
		t.Fatalf("header-only png unexpectedly large: %d bytes", len(data))
	}
	_, err := decode(data, 0)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	if _, err := decode(pngHeaderOnly(100, 100), 0); err == nil || errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("small header-only png should pass the limit and fail decoding, got %v", err)
	}
}

func TestHeuristicHighlyCompressedImageOverLimitIsUnreadable(t *testing.T) {
	// 4000x4000 zeros compress to a few KiB.
	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 4000, 4000)))
	if len(data) > 1<<20 {
		t.Fatalf("expected a small encoded image, got %d bytes", len(data))
	}

	res := NewHeuristic(1, WithMaxPixels(1_000_000)).Classify(context.Background(), data)
	if res.Verdict != domain.VerdictUncertain || *res.Confidence != 0.5 || res.Issues[0] != IssueImageUnreadable {
		t.Fatalf("expected unreadable result, got %+v", res)
	}

	res = NewHeuristic(1, WithMaxPixels(16_000_000)).Classify(context.Background(), data)
	if res.Verdict != domain.VerdictDirty {
		t.Fatalf("image at the limit should classify, got %+v", res)
	}
}
