package classifier

import (
	"image"
	"math"

	"fleet-monitor/cleaning/internal/domain"
)

const (
	IssueVisibleObjects   = "visible objects on the floor or seats"
	IssueLowLight         = "low light on windows or surfaces, possible dirt"
	IssueIrregularSurface = "stains or irregular patterns on surfaces"
	IssueGeneralReview    = "review general cleanliness of the vehicle"
)

const (
	edgeLowThreshold  = 50
	edgeHighThreshold = 150
	edgeDensityLimit  = 0.15
	darkBrightness    = 80
	textureVariance   = 5000
)

// DetectIssues derives findings from structural image signals. Clean verdicts
// never carry issues; a Dirty verdict always carries at least one.
func DetectIssues(img image.Image, verdict domain.Verdict) []string {
	if verdict == domain.VerdictClean {
		return []string{}
	}

	issues := []string{}
	plane, w, h := luma(img)

	if edgeDensity(plane, w, h) > edgeDensityLimit {
		issues = append(issues, IssueVisibleObjects)
	}
	mean, variance := meanVariance(plane)
	if mean < darkBrightness {
		issues = append(issues, IssueLowLight)
	}
	if variance > textureVariance {
		issues = append(issues, IssueIrregularSurface)
	}

	if len(issues) == 0 && verdict == domain.VerdictDirty {
		issues = append(issues, IssueGeneralReview)
	}
	return issues
}

// edgeDensity is the share of pixels marked as edges by a Sobel gradient with
// double-threshold hysteresis: strong pixels are edges, weak pixels are edges
// when they touch a strong one.
func edgeDensity(plane []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	mag := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			p := func(dx, dy int) float64 { return plane[(y+dy)*w+x+dx] }
			gx := -p(-1, -1) - 2*p(-1, 0) - p(-1, 1) + p(1, -1) + 2*p(1, 0) + p(1, 1)
			gy := -p(-1, -1) - 2*p(0, -1) - p(1, -1) + p(-1, 1) + 2*p(0, 1) + p(1, 1)
			mag[y*w+x] = math.Abs(gx) + math.Abs(gy)
		}
	}

	edges := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			m := mag[y*w+x]
			switch {
			case m >= edgeHighThreshold:
				edges++
			case m >= edgeLowThreshold && hasStrongNeighbour(mag, w, x, y):
				edges++
			}
		}
	}
	return float64(edges) / float64(w*h)
}

func hasStrongNeighbour(mag []float64, w, x, y int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if (dx != 0 || dy != 0) && mag[(y+dy)*w+x+dx] >= edgeHighThreshold {
				return true
			}
		}
	}
	return false
}

func meanVariance(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return mean, sq / float64(len(v))
}
