package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/views"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/xmldiff"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInternal       = "internal_error"
)

type codedError interface {
	Code() string
}

var (
	conflictErrors = []error{
		spreadsheet.ErrStaleSnapshot,
		spreadsheet.ErrParentMismatch,
		spreadsheet.ErrDuplicateSibling,
		spreadsheet.ErrDuplicateRevision,
		spreadsheet.ErrDocumentEmpty,
	}
	notFoundErrors = []error{
		spreadsheet.ErrDocumentNotFound,
		spreadsheet.ErrRevisionNotFound,
		views.ErrCustomizationNotFound,
	}
	invalidErrors = []error{
		spreadsheet.ErrInvalidPayload,
		spreadsheet.ErrInvalidDocumentID,
		spreadsheet.ErrInvalidRevisionUUID,
		views.ErrInvalidViewKey,
		xmldiff.ErrInvalidOperation,
		xmldiff.ErrSubtreeMismatch,
		xmldiff.ErrMissingKey,
	}
)

func statusForError(err error) int {
	switch {
	case matchesAny(err, conflictErrors):
		return http.StatusConflict
	case matchesAny(err, notFoundErrors):
		return http.StatusNotFound
	case matchesAny(err, invalidErrors):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorCode(err error, status int) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if status == http.StatusInternalServerError {
		return errorCodeInternal
	}
	return errorCodeInvalidRequest
}

// respondError writes the status and code matching err. Errors without a
// service code are logged here.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	code := errorCode(err, status)
	var coded codedError
	if status == http.StatusInternalServerError && !errors.As(err, &coded) {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func (h *httpHandler) respondInvalid(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "detail": detail})
}
