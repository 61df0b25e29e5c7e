package research

import (
	"fmt"
	"sort"
	"strings"
)

const (
	sourcesPerQuery  = 3
	excerptMaxLength = 500
)

// FormatFindings renders aggregated findings into text suitable for prompt
// injection: a heading per section, the search service's answer as a summary,
// and the top sources per query with truncated excerpts. Sections render in
// sorted order so output is stable for a given aggregation.
func FormatFindings(findings map[string][]Finding) string {
	sections := make([]string, 0, len(findings))
	for s := range findings {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	var b strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", section)
		for _, f := range findings[section] {
			if f.Answer != "" {
				fmt.Fprintf(&b, "**Summary:** %s\n\n", f.Answer)
			}
			b.WriteString("**Sources:**\n")
			limit := len(f.Results)
			if limit > sourcesPerQuery {
				limit = sourcesPerQuery
			}
			for _, r := range f.Results[:limit] {
				fmt.Fprintf(&b, "- [%s](%s)\n", r.Title, r.URL)
				if r.Content != "" {
					excerpt := r.Content
					if len(excerpt) > excerptMaxLength {
						excerpt = excerpt[:excerptMaxLength] + "..."
					}
					fmt.Fprintf(&b, "  %s\n", excerpt)
				}
				if r.PublishedDate != "" {
					fmt.Fprintf(&b, "  *Published: %s*\n", r.PublishedDate)
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// SourceURLs collects the distinct result URLs across all findings, in
// section-sorted then result order.
func SourceURLs(findings map[string][]Finding) []string {
	sections := make([]string, 0, len(findings))
	for s := range findings {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	seen := make(map[string]struct{})
	var urls []string
	for _, section := range sections {
		for _, f := range findings[section] {
			for _, r := range f.Results {
				if r.URL == "" {
					continue
				}
				if _, dup := seen[r.URL]; dup {
					continue
				}
				seen[r.URL] = struct{}{}
				urls = append(urls, r.URL)
			}
		}
	}
	return urls
}
