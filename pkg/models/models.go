package models

import "time"

// Category classifies what kind of problem an issue describes.
type Category string

const (
	CategorySecurity        Category = "security"
	CategoryPerformance     Category = "performance"
	CategoryCodeQuality     Category = "code_quality"
	CategoryMaintainability Category = "maintainability"
	CategoryTesting         Category = "testing"
	CategoryDocumentation   Category = "documentation"
)

// Categories returns every category in reporting order.
func Categories() []Category {
	return []Category{
		CategorySecurity,
		CategoryPerformance,
		CategoryCodeQuality,
		CategoryMaintainability,
		CategoryTesting,
		CategoryDocumentation,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories() {
		if c == k {
			return true
		}
	}
	return false
}

// Severity is totally ordered: critical > high > medium > low > info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities returns every severity from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank maps a severity to an integer where larger is more severe.
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Issue is a single detected problem. Line is 0 when unknown.
type Issue struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	FilePath    string   `json:"file_path"`
	Line        int      `json:"line,omitempty"`
	Suggestion  string   `json:"suggestion"`
	ImpactScore float64  `json:"impact_score"`
	Confidence  float64  `json:"confidence"`
	Tags        []string `json:"tags,omitempty"`
}

type FunctionMetric struct {
	Name       string  `json:"name"`
	Line       int     `json:"line"`
	Complexity float64 `json:"complexity"`
}

// FileMetric summarizes one analysed file.
type FileMetric struct {
	Path            string           `json:"path"`
	Language        string           `json:"language"`
	LinesOfCode     int              `json:"lines_of_code"`
	Complexity      float64          `json:"complexity"`
	Maintainability float64          `json:"maintainability_index"`
	TestCoverage    *float64         `json:"test_coverage,omitempty"`
	IssueCount      int              `json:"issues_count"`
	Functions       []FunctionMetric `json:"functions,omitempty"`
}

// IssueRef is a compact reference to an issue kept inside a Summary.
type IssueRef struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	FilePath    string   `json:"file_path"`
	Line        int      `json:"line,omitempty"`
	ImpactScore float64  `json:"impact_score"`
}

type FileRef struct {
	Path            string  `json:"path"`
	Complexity      float64 `json:"complexity"`
	Maintainability float64 `json:"maintainability_index"`
	IssueCount      int     `json:"issues_count"`
}

// Summary holds the aggregate numbers of an analysis run.
type Summary struct {
	TotalFiles         int                           `json:"total_files"`
	TotalLines         int                           `json:"total_lines"`
	Languages          map[string]int                `json:"languages,omitempty"`
	AvgComplexity      float64                       `json:"complexity_average"`
	AvgMaintainability float64                       `json:"maintainability_average"`
	QualityScore       float64                       `json:"quality_score"`
	TechnicalDebtHours float64                       `json:"technical_debt_hours"`
	TotalIssues        int                           `json:"total_issues"`
	BySeverity         map[Severity]int              `json:"by_severity,omitempty"`
	ByCategory         map[Category]int              `json:"by_category,omitempty"`
	ByCategorySeverity map[Category]map[Severity]int `json:"by_category_severity,omitempty"`
	ByTag              map[string]int                `json:"by_tag,omitempty"`
	TopIssues          []IssueRef                    `json:"top_issues,omitempty"`
	ComplexFiles       []FileRef                     `json:"complex_files,omitempty"`
}

// CountFor returns the number of issues with the given category and severity.
func (s Summary) CountFor(c Category, sev Severity) int {
	if s.ByCategorySeverity == nil {
		return 0
	}
	return s.ByCategorySeverity[c][sev]
}

// SourceInfo describes where an analysed repository came from.
type SourceInfo struct {
	Origin    string         `json:"origin"`
	Kind      string         `json:"kind,omitempty"`
	Languages map[string]int `json:"languages,omitempty"`
}

// AnalysisArtifact is the immutable output of one completed analysis run.
type AnalysisArtifact struct {
	ID          string       `json:"id"`
	Source      SourceInfo   `json:"source"`
	Issues      []Issue      `json:"issues"`
	FileMetrics []FileMetric `json:"file_metrics"`
	Summary     Summary      `json:"summary"`
	CreatedAt   time.Time    `json:"created_at"`
}
