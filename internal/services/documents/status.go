package documents

import "github.com/ternarybob/folio/internal/models"

// DeriveStatus returns the status a document's page progress implies. A
// document is terminal once every page was attempted, or when a fatal error
// stopped it before page processing.
func DeriveStatus(doc *models.Document, fatal error) models.Status {
	switch {
	case fatal != nil:
		return models.StatusError
	case doc.TotalPages > 0 && doc.CurrentPage >= doc.TotalPages:
		return models.StatusDone
	case doc.Status == models.StatusWaiting && doc.CurrentPage == 0:
		return models.StatusWaiting
	default:
		return models.StatusProcessing
	}
}
