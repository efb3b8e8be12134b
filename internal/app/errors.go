package app

import (
	"errors"
	"fmt"
	"net/http"

	"syncroom/internal/collab"
	"syncroom/internal/crdt"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// mapError translates service-layer sentinels into HTTP responses. Admission
// rejections deliberately collapse into one generic Forbidden so the response
// never reveals which check failed.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, collab.ErrDocumentNotFound) {
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil
	}
	if errors.Is(err, collab.ErrCapabilityDenied) {
		return http.StatusForbidden, "READ_ONLY", "Caller is read-only for this document", nil
	}
	if errors.Is(err, collab.ErrAdmissionRejected) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, crdt.ErrMalformed) {
		return http.StatusBadRequest, "INVALID_BLOCK", "Malformed update block", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}
