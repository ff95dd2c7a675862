package models

// Filter is a predicate over an indexed chunk's metadata. A nil Filter
// accepts everything.
type Filter func(c *IndexedChunk) bool

// Match applies f, treating nil as accept-all.
func (f Filter) Match(c *IndexedChunk) bool {
	return f == nil || f(c)
}

func ForArtifact(id string) Filter {
	return func(c *IndexedChunk) bool { return c.ArtifactID == id }
}

func InCategory(cat Category) Filter {
	return func(c *IndexedChunk) bool { return c.Metadata.Category == cat }
}

// MinSeverity keeps issue chunks at or above sev.
func MinSeverity(sev Severity) Filter {
	return func(c *IndexedChunk) bool {
		return c.Type == SourceIssue && c.Metadata.Severity.AtLeast(sev)
	}
}

func OfType(t SourceType) Filter {
	return func(c *IndexedChunk) bool { return c.Type == t }
}

// AllOf combines filters with logical AND, skipping nil entries.
func AllOf(filters ...Filter) Filter {
	var fs []Filter
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return nil
	}
	if len(fs) == 1 {
		return fs[0]
	}
	return func(c *IndexedChunk) bool {
		for _, f := range fs {
			if !f(c) {
				return false
			}
		}
		return true
	}
}
