package classifier

import (
	"reflect"
	"testing"

	"fleet-monitor/cleaning/internal/domain"
)

func TestDetectIssues(t *testing.T) {
	cases := []struct {
		name    string
		verdict domain.Verdict
		dark    bool
		striped bool
		want    []string
	}{
		{"clean never has issues", domain.VerdictClean, false, true, []string{}},
		{"dark dirty image", domain.VerdictDirty, true, false, []string{IssueLowLight}},
		{"textured dirty image", domain.VerdictDirty, false, true, []string{IssueVisibleObjects, IssueIrregularSurface}},
		{"plain dirty image gets fallback", domain.VerdictDirty, false, false, []string{IssueGeneralReview}},
		{"plain uncertain image stays empty", domain.VerdictUncertain, false, false, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			img := uniformGray(140, 24)
			if tc.dark {
				img = uniformGray(40, 24)
			}
			if tc.striped {
				img = stripes(24)
			}
			got := DetectIssues(img, tc.verdict)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DetectIssues = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEdgeDensityUniformIsZero(t *testing.T) {
	plane, w, h := luma(uniformGray(90, 10))
	if d := edgeDensity(plane, w, h); d != 0 {
		t.Fatalf("expected no edges, got %v", d)
	}
}
