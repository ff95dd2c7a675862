// Package report aggregates analysis results into a Summary and renders
// summaries as plain text. Everything here is pure and deterministic.
package report

import (
	"math"
	"sort"

	"github.com/seanblong/codeqa/internal/severity"
	"github.com/seanblong/codeqa/pkg/models"
)

const (
	TopIssueCount    = 5
	ComplexFileCount = 5
)

// qualityPenalty is subtracted from a perfect score of 100 per issue.
var qualityPenalty = map[models.Severity]float64{
	models.SeverityCritical: 10,
	models.SeverityHigh:     5,
	models.SeverityMedium:   2,
	models.SeverityLow:      0.5,
	models.SeverityInfo:     0.1,
}

// debtHours is the estimated remediation effort per issue.
var debtHours = map[models.Severity]float64{
	models.SeverityCritical: 8,
	models.SeverityHigh:     4,
	models.SeverityMedium:   2,
	models.SeverityLow:      0.5,
	models.SeverityInfo:     0.25,
}

// BuildSummary aggregates issues and file metrics. Issues without an impact
// score get one from severity.ImpactScore for ranking purposes.
func BuildSummary(issues []models.Issue, metrics []models.FileMetric, source models.SourceInfo) models.Summary {
	s := models.Summary{
		TotalFiles:         len(metrics),
		TotalIssues:        len(issues),
		Languages:          map[string]int{},
		BySeverity:         map[models.Severity]int{},
		ByCategory:         map[models.Category]int{},
		ByCategorySeverity: map[models.Category]map[models.Severity]int{},
		ByTag:              map[string]int{},
	}

	for lang, n := range source.Languages {
		s.Languages[lang] = n
	}

	var complexitySum, maintSum float64
	for _, m := range metrics {
		s.TotalLines += m.LinesOfCode
		complexitySum += m.Complexity
		maintSum += m.Maintainability
		if len(source.Languages) == 0 && m.Language != "" {
			s.Languages[m.Language]++
		}
	}
	if len(metrics) > 0 {
		s.AvgComplexity = round2(complexitySum / float64(len(metrics)))
		s.AvgMaintainability = round2(maintSum / float64(len(metrics)))
	}

	quality := 100.0
	scored := make([]models.Issue, len(issues))
	for i, is := range issues {
		s.BySeverity[is.Severity]++
		s.ByCategory[is.Category]++
		if s.ByCategorySeverity[is.Category] == nil {
			s.ByCategorySeverity[is.Category] = map[models.Severity]int{}
		}
		s.ByCategorySeverity[is.Category][is.Severity]++
		for _, tag := range is.Tags {
			s.ByTag[tag]++
		}
		quality -= qualityPenalty[is.Severity]
		s.TechnicalDebtHours += debtHours[is.Severity]

		if is.ImpactScore == 0 {
			is.ImpactScore = severity.ImpactScore(is)
		}
		scored[i] = is
	}
	s.QualityScore = round2(math.Max(quality, 0))
	s.TechnicalDebtHours = round2(s.TechnicalDebtHours)

	for i, is := range severity.Prioritize(scored) {
		if i == TopIssueCount {
			break
		}
		s.TopIssues = append(s.TopIssues, models.IssueRef{
			ID:          is.ID,
			Title:       is.Title,
			Category:    is.Category,
			Severity:    is.Severity,
			FilePath:    is.FilePath,
			Line:        is.Line,
			ImpactScore: is.ImpactScore,
		})
	}

	files := make([]models.FileMetric, len(metrics))
	copy(files, metrics)
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Complexity != files[j].Complexity {
			return files[i].Complexity > files[j].Complexity
		}
		return files[i].Path < files[j].Path
	})
	for i, f := range files {
		if i == ComplexFileCount {
			break
		}
		s.ComplexFiles = append(s.ComplexFiles, models.FileRef{
			Path:            f.Path,
			Complexity:      f.Complexity,
			Maintainability: f.Maintainability,
			IssueCount:      f.IssueCount,
		})
	}
	return s
}

// IsZero reports whether a summary carries no data, meaning it still has to
// be computed.
func IsZero(s models.Summary) bool {
	return s.TotalFiles == 0 && s.TotalIssues == 0 && s.TotalLines == 0 &&
		len(s.TopIssues) == 0 && len(s.BySeverity) == 0
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
