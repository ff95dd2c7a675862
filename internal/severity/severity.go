// Package severity scores and orders code issues by expected impact.
package severity

import (
	"math"
	"sort"
	"strings"

	"github.com/seanblong/codeqa/pkg/models"
)

var categoryWeights = map[models.Category]float64{
	models.CategorySecurity:        10.0,
	models.CategoryPerformance:     7.0,
	models.CategoryCodeQuality:     5.0,
	models.CategoryMaintainability: 6.0,
	models.CategoryTesting:         8.0,
	models.CategoryDocumentation:   3.0,
}

var severityMultipliers = map[models.Severity]float64{
	models.SeverityCritical: 1.0,
	models.SeverityHigh:     0.8,
	models.SeverityMedium:   0.6,
	models.SeverityLow:      0.4,
	models.SeverityInfo:     0.2,
}

var highImpactKeywords = []string{
	"injection", "vulnerability", "security", "exploit",
	"deadlock", "memory leak", "crash", "exception",
	"performance", "bottleneck", "slow", "timeout",
}

// ImpactScore estimates the impact of an issue on a 0-10 scale, rounded to
// two decimals.
func ImpactScore(issue models.Issue) float64 {
	base, ok := categoryWeights[issue.Category]
	if !ok {
		base = 5.0
	}
	mult, ok := severityMultipliers[issue.Severity]
	if !ok {
		mult = 0.6
	}
	conf := issue.Confidence
	if conf <= 0 {
		conf = 0.5
	}

	var bonus float64
	text := strings.ToLower(issue.Title + " " + issue.Description)
	for _, kw := range highImpactKeywords {
		if strings.Contains(text, kw) {
			bonus++
		}
	}

	lineFactor := 1.0
	switch {
	case issue.Line <= 0:
	case issue.Line <= 100:
		lineFactor = 1.2
	case issue.Line <= 500:
		lineFactor = 1.0
	default:
		lineFactor = 0.9
	}

	score := (base*mult*conf + bonus) * lineFactor
	score = math.Min(math.Max(score, 0), 10)
	return math.Round(score*100) / 100
}

// Prioritize returns a copy of issues ordered most urgent first: by severity,
// then impact score, then fewer tags, then id.
func Prioritize(issues []models.Issue) []models.Issue {
	out := make([]models.Issue, len(issues))
	copy(out, issues)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.ImpactScore != b.ImpactScore {
			return a.ImpactScore > b.ImpactScore
		}
		if len(a.Tags) != len(b.Tags) {
			return len(a.Tags) < len(b.Tags)
		}
		return a.ID < b.ID
	})
	return out
}
