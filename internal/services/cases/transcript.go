package cases

import (
	"context"
	"fmt"
	"strings"
)

// Transcript renders the case and the recognized text of every document as
// markdown. Pages appear in order, failed pages as their placeholder.
func (s *Service) Transcript(ctx context.Context, caseID string) (string, error) {
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	docs, err := s.documents.ListDocumentsByCase(ctx, caseID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Name)
	fmt.Fprintf(&b, "Status **%s**, %d%% complete, %d of %d documents processed.\n\n",
		c.Status, c.Progress, c.ProcessedCount, c.TotalCount)
	if c.Error != "" {
		fmt.Fprintf(&b, "*%s*\n\n", c.Error)
	}

	b.WriteString("| # | Document | Status | Pages | Progress |\n")
	b.WriteString("|---|----------|--------|-------|----------|\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "| %d | %s | %s | %d | %d%% |\n",
			i+1, tableCell(doc.DisplayName), doc.Status, doc.TotalPages, doc.Progress)
	}

	for i, doc := range docs {
		fmt.Fprintf(&b, "\n---\n\n## %d. %s\n\n", i+1, doc.DisplayName)
		if doc.Error != "" {
			fmt.Fprintf(&b, "*%s*\n\n", doc.Error)
		}

		segments, err := s.documents.GetPageSegments(ctx, doc.ID)
		if err != nil {
			return "", err
		}
		for _, segment := range segments {
			fmt.Fprintf(&b, "### Page %d\n\n~~~\n%s\n~~~\n\n", segment.Page, fenceSafe(segment.Text))
		}
	}
	return b.String(), nil
}

func tableCell(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}

// fenceSafe keeps recognized text from closing the surrounding fence.
func fenceSafe(s string) string {
	return strings.ReplaceAll(s, "~~~", "~ ~ ~")
}
