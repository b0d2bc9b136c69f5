package spreadsheet

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// lineage returns the revisions reached by walking parent ids back from
// head, oldest first, and the id the walk ended on. Revisions hidden by a
// reset are ignored.
func lineage(transaction *gorm.DB, document Document, head string) ([]Revision, string, error) {
	var revisions []Revision
	if err := transaction.
		Where("document_id = ? AND revision_id > ?", document.DocumentID, document.HistoryFloorID).
		Order(orderRevisionIDAsc).
		Find(&revisions).Error; err != nil {
		return nil, "", err
	}
	byUUID := make(map[string]Revision, len(revisions))
	for _, revision := range revisions {
		byUUID[revision.RevisionUUID] = revision
	}

	reversed := make([]Revision, 0)
	visited := make(map[string]struct{})
	cursor := head
	for {
		revision, found := byUUID[cursor]
		if !found {
			break
		}
		if _, seen := visited[cursor]; seen {
			return nil, "", fmt.Errorf("%w: cycle at %s", ErrBrokenChain, cursor)
		}
		visited[cursor] = struct{}{}
		reversed = append(reversed, revision)
		cursor = revision.ParentUUID
	}

	ordered := make([]Revision, len(reversed))
	for index, revision := range reversed {
		ordered[len(reversed)-1-index] = revision
	}
	return ordered, cursor, nil
}

// GetHistory lists revisions for replay. By default it follows the lineage of
// the current revision through archived history; FromSnapshot lists only the
// active revisions after the snapshot; IncludeAbandoned lists everything.
func (service *Service) GetHistory(ctx context.Context, documentID DocumentID, options HistoryOptions) ([]RevisionMeta, error) {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	var revisions []Revision
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := service.loadDocument(transaction, opGetHistory, documentID, false)
		if err != nil {
			return err
		}
		switch {
		case options.IncludeAbandoned:
			err = transaction.Where(queryDocumentID, documentID.String()).Order(orderRevisionIDAsc).Find(&revisions).Error
		case options.FromSnapshot:
			err = transaction.Where(queryDocumentActive, documentID.String(), true).Order(orderRevisionIDAsc).Find(&revisions).Error
		default:
			revisions, _, err = lineage(transaction, document, document.CurrentRevisionUUID)
		}
		if err != nil {
			return service.fail(opGetHistory, reasonQueryFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return nil, service.transactionError(opGetHistory, err, fields...)
	}

	history := make([]RevisionMeta, 0, len(revisions))
	for _, revision := range revisions {
		history = append(history, newRevisionMeta(revision))
	}
	return history, nil
}

// RenameRevision changes the human label of a revision.
func (service *Service) RenameRevision(ctx context.Context, documentID DocumentID, revisionUUID RevisionUUID, name string) error {
	fields := []zap.Field{
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldRevisionUUID, revisionUUID.String()),
	}
	renamed := service.db.WithContext(ctx).
		Model(&Revision{}).
		Where(queryDocumentRevision, documentID.String(), revisionUUID.String()).
		Update("name", strings.TrimSpace(name))
	if renamed.Error != nil {
		return service.fail(opRenameRevision, reasonRevisionUpdate, renamed.Error, fields...)
	}
	if renamed.RowsAffected == 0 {
		return newServiceError(opRenameRevision, reasonRevisionNotFound, ErrRevisionNotFound)
	}
	return nil
}

// VerifyChain checks that walking parents from the current revision through
// active revisions visits every active revision and ends on the chain root.
func (service *Service) VerifyChain(ctx context.Context, documentID DocumentID) error {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	var (
		document Document
		active   []Revision
	)
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		loaded, err := service.loadDocument(transaction, opVerifyChain, documentID, false)
		if err != nil {
			return err
		}
		document = loaded
		if err := transaction.Where(queryDocumentActive, documentID.String(), true).Find(&active).Error; err != nil {
			return service.fail(opVerifyChain, reasonQueryFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return service.transactionError(opVerifyChain, err, fields...)
	}

	if chainErr := verifyActiveChain(document, active); chainErr != nil {
		return service.fail(opVerifyChain, reasonBrokenChain, chainErr, fields...)
	}
	return nil
}

func verifyActiveChain(document Document, active []Revision) error {
	root, err := chainRoot(document)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenChain, err)
	}
	byUUID := make(map[string]Revision, len(active))
	for _, revision := range active {
		byUUID[revision.RevisionUUID] = revision
	}

	visited := 0
	cursor := document.CurrentRevisionUUID
	for visited <= len(active) {
		revision, found := byUUID[cursor]
		if !found {
			break
		}
		visited++
		cursor = revision.ParentUUID
	}
	switch {
	case visited > len(active):
		return fmt.Errorf("%w: cycle through %s", ErrBrokenChain, cursor)
	case cursor != root:
		return fmt.Errorf("%w: chain ends at %s instead of %s", ErrBrokenChain, cursor, root)
	case visited != len(active):
		return fmt.Errorf("%w: %d active revisions are off the chain", ErrBrokenChain, len(active)-visited)
	}
	return nil
}
