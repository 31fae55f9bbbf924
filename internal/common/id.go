package common

import (
	"github.com/google/uuid"
)

// NewCaseID generates a unique case ID with the "case_" prefix
func NewCaseID() string {
	return "case_" + uuid.New().String()
}

// NewDocumentID generates a unique document ID with the "doc_" prefix
// Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}
