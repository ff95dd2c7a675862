package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seanblong/codeqa/pkg/models"
)

// DuplicationTags are the issue tags counted as code duplication.
var DuplicationTags = []string{"duplication", "duplicate", "duplicated-code", "copy-paste"}

// FormatSummary renders s as a short multi-line digest.
func FormatSummary(s models.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Files analysed: %d (%d lines)\n", s.TotalFiles, s.TotalLines)
	if langs := languageList(s.Languages); langs != "" {
		fmt.Fprintf(&b, "Languages: %s\n", langs)
	}
	fmt.Fprintf(&b, "Quality score: %.1f/100\n", s.QualityScore)
	fmt.Fprintf(&b, "Average complexity: %.2f, average maintainability: %.2f\n", s.AvgComplexity, s.AvgMaintainability)
	fmt.Fprintf(&b, "Estimated technical debt: %.1f hours\n", s.TechnicalDebtHours)
	fmt.Fprintf(&b, "Issues: %d", s.TotalIssues)
	if sev := SeverityLine(s.BySeverity); sev != "" {
		fmt.Fprintf(&b, " (%s)", sev)
	}
	b.WriteString("\n")
	if cats := categoryLine(s.ByCategory); cats != "" {
		fmt.Fprintf(&b, "By category: %s\n", cats)
	}
	if len(s.TopIssues) > 0 {
		b.WriteString("Top issues:\n")
		for _, is := range s.TopIssues {
			fmt.Fprintf(&b, "- [%s/%s] %s (%s)\n", is.Severity, is.Category, is.Title, location(is.FilePath, is.Line))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SeverityLine lists non-zero counts from most to least severe, e.g.
// "1 critical, 2 high".
func SeverityLine(counts map[models.Severity]int) string {
	var parts []string
	for _, sev := range models.Severities() {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	return strings.Join(parts, ", ")
}

func categoryLine(counts map[models.Category]int) string {
	var parts []string
	for _, c := range models.Categories() {
		if n := counts[c]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", c, n))
		}
	}
	return strings.Join(parts, ", ")
}

func languageList(langs map[string]int) string {
	names := make([]string, 0, len(langs))
	for l := range langs {
		names = append(names, l)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func location(path string, line int) string {
	if line > 0 {
		return fmt.Sprintf("%s:%d", path, line)
	}
	return path
}

// CategoryDigest describes the issues of one category using summary numbers
// and the most severe matching top issue.
func CategoryDigest(s models.Summary, c models.Category) string {
	label := categoryLabel(c)
	n := s.ByCategory[c]
	if n == 0 {
		return fmt.Sprintf("No %s issues were found in this analysis.", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s %s", n, label, plural(n, "issue", "issues"))
	if sev := SeverityLine(s.ByCategorySeverity[c]); sev != "" {
		fmt.Fprintf(&b, " (%s)", sev)
	}
	b.WriteString(".")

	var top []models.IssueRef
	for _, is := range s.TopIssues {
		if is.Category == c {
			top = append(top, is)
		}
	}
	if len(top) > 0 {
		is := top[0]
		fmt.Fprintf(&b, " Most severe: %q (%s) in %s.", is.Title, is.Severity, location(is.FilePath, is.Line))
		for _, other := range top[1:] {
			fmt.Fprintf(&b, " Also: %q (%s) in %s.", other.Title, other.Severity, location(other.FilePath, other.Line))
		}
	}
	return b.String()
}

// ComplexityDigest describes average complexity and the most complex files.
func ComplexityDigest(s models.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Average cyclomatic complexity is %.2f across %d files.", s.AvgComplexity, s.TotalFiles)
	if len(s.ComplexFiles) > 0 {
		b.WriteString(" Most complex files:")
		for i, f := range s.ComplexFiles {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s (%.1f)", f.Path, f.Complexity)
		}
		b.WriteString(".")
	}
	b.WriteString(" Consider breaking down complex functions and reducing nesting.")
	return b.String()
}

// MaintainabilityDigest describes maintainability numbers and debt.
func MaintainabilityDigest(s models.Summary) string {
	n := s.ByCategory[models.CategoryMaintainability] + s.ByCategory[models.CategoryCodeQuality]
	return fmt.Sprintf(
		"Average maintainability index is %.2f with an estimated %.1f hours of technical debt. "+
			"%d maintainability and code quality %s were reported; quality score is %.1f/100.",
		s.AvgMaintainability, s.TechnicalDebtHours, n, plural(n, "issue", "issues"), s.QualityScore)
}

// DuplicationDigest counts issues tagged as duplication.
func DuplicationDigest(s models.Summary) string {
	n := 0
	for _, tag := range DuplicationTags {
		n += s.ByTag[tag]
	}
	if n == 0 {
		return "No duplicated code was flagged in this analysis."
	}
	return fmt.Sprintf("Found %d %s of duplicated code. Extract shared logic into reusable functions.",
		n, plural(n, "instance", "instances"))
}

// SeverityDigest describes issues at exactly the given severity.
func SeverityDigest(s models.Summary, sev models.Severity) string {
	n := s.BySeverity[sev]
	if n == 0 {
		return fmt.Sprintf("No %s issues were found in this analysis.", sev)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s %s.", n, sev, plural(n, "issue", "issues"))
	for _, is := range s.TopIssues {
		if is.Severity == sev {
			fmt.Fprintf(&b, " %q (%s) in %s.", is.Title, is.Category, location(is.FilePath, is.Line))
		}
	}
	return b.String()
}

func categoryLabel(c models.Category) string {
	return strings.ReplaceAll(string(c), "_", " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
