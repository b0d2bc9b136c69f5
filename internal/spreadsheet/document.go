package spreadsheet

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateDocument stores a new document owned by ownerID. An empty base yields
// an empty document that refuses dispatch until reset with data.
func (service *Service) CreateDocument(ctx context.Context, ownerID string, name string, baseData []byte) (DocumentSummary, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return DocumentSummary{}, service.fail(opCreateDocument, reasonInvalidPayload, ErrInvalidPayload)
	}
	base, err := normalizePayload(baseData)
	if err != nil {
		return DocumentSummary{}, service.fail(opCreateDocument, reasonInvalidPayload, err)
	}
	current, err := initialRevision(base, nil)
	if err != nil {
		return DocumentSummary{}, service.fail(opCreateDocument, reasonInvalidPayload, err)
	}
	documentID, err := service.newID(opCreateDocument)
	if err != nil {
		return DocumentSummary{}, err
	}

	now := service.now()
	document := Document{
		DocumentID:          documentID,
		OwnerID:             ownerID,
		Name:                strings.TrimSpace(name),
		BaseData:            base,
		CurrentRevisionUUID: current,
		CreatedAtSeconds:    now,
		UpdatedAtSeconds:    now,
	}
	if err := service.db.WithContext(ctx).Create(&document).Error; err != nil {
		return DocumentSummary{}, service.fail(opCreateDocument, reasonDocumentInsert, err, zap.String(fieldDocumentID, documentID))
	}
	return newDocumentSummary(document), nil
}

// GetDocument returns the document summary.
func (service *Service) GetDocument(ctx context.Context, documentID DocumentID) (DocumentSummary, error) {
	document, err := service.loadDocument(service.db.WithContext(ctx), opGetDocument, documentID, false)
	if err != nil {
		return DocumentSummary{}, err
	}
	return newDocumentSummary(document), nil
}

// ListDocumentIDs returns every stored document identifier.
func (service *Service) ListDocumentIDs(ctx context.Context) ([]DocumentID, error) {
	var identifiers []string
	if err := service.db.WithContext(ctx).
		Model(&Document{}).
		Order("document_id ASC").
		Pluck("document_id", &identifiers).Error; err != nil {
		return nil, service.fail(opListDocuments, reasonQueryFailed, err)
	}
	documentIDs := make([]DocumentID, 0, len(identifiers))
	for _, identifier := range identifiers {
		documentIDs = append(documentIDs, DocumentID(identifier))
	}
	return documentIDs, nil
}

// DeleteDocument archives and removes every revision, then the document.
func (service *Service) DeleteDocument(ctx context.Context, documentID DocumentID) error {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := service.loadDocument(transaction, opDeleteDocument, documentID, true); err != nil {
			return err
		}
		if err := archiveActiveRevisions(transaction, documentID.String()); err != nil {
			return service.fail(opDeleteDocument, reasonRevisionArchive, err, fields...)
		}
		if err := transaction.Where(queryDocumentID, documentID.String()).Delete(&Revision{}).Error; err != nil {
			return service.fail(opDeleteDocument, reasonRevisionDelete, err, fields...)
		}
		if err := transaction.Where(queryDocumentID, documentID.String()).Delete(&Document{}).Error; err != nil {
			return service.fail(opDeleteDocument, reasonDocumentDelete, err, fields...)
		}
		return nil
	})
	return service.transactionError(opDeleteDocument, err, fields...)
}

// Reset replaces the base data: the snapshot is cleared, every revision is
// archived and hidden from lineage history, and the current revision becomes
// the base's revision id.
func (service *Service) Reset(ctx context.Context, documentID DocumentID, baseData []byte) (DocumentSummary, error) {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	base, err := normalizePayload(baseData)
	if err != nil {
		return DocumentSummary{}, service.fail(opReset, reasonInvalidPayload, err, fields...)
	}
	current, err := initialRevision(base, nil)
	if err != nil {
		return DocumentSummary{}, service.fail(opReset, reasonInvalidPayload, err, fields...)
	}

	var summary DocumentSummary
	err = service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := service.loadDocument(transaction, opReset, documentID, true)
		if err != nil {
			return err
		}
		if err := archiveActiveRevisions(transaction, documentID.String()); err != nil {
			return service.fail(opReset, reasonRevisionArchive, err, fields...)
		}
		var floor int64
		if err := transaction.Model(&Revision{}).
			Where(queryDocumentID, documentID.String()).
			Select("COALESCE(MAX(revision_id), 0)").
			Scan(&floor).Error; err != nil {
			return service.fail(opReset, reasonRevisionLookup, err, fields...)
		}

		document.BaseData = base
		document.Snapshot = nil
		document.CurrentRevisionUUID = current
		document.HistoryFloorID = floor
		document.UpdatedAtSeconds = service.now()
		if err := transaction.Model(&Document{}).
			Where(queryDocumentID, documentID.String()).
			Updates(map[string]any{
				"base_data":             document.BaseData,
				"snapshot":              nil,
				"current_revision_uuid": document.CurrentRevisionUUID,
				"history_floor_id":      document.HistoryFloorID,
				"updated_at_s":          document.UpdatedAtSeconds,
			}).Error; err != nil {
			return service.fail(opReset, reasonDocumentUpdate, err, fields...)
		}
		summary = newDocumentSummary(document)
		return nil
	})
	if err != nil {
		return DocumentSummary{}, service.transactionError(opReset, err, fields...)
	}
	return summary, nil
}

// JoinSession returns the state a client needs to start editing.
func (service *Service) JoinSession(ctx context.Context, documentID DocumentID) (DocumentState, error) {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	var (
		document  Document
		revisions []Revision
	)
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		loaded, err := service.loadDocument(transaction, opJoinSession, documentID, false)
		if err != nil {
			return err
		}
		document = loaded
		if err := transaction.
			Where(queryDocumentActive, documentID.String(), true).
			Order(orderRevisionIDAsc).
			Find(&revisions).Error; err != nil {
			return service.fail(opJoinSession, reasonQueryFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return DocumentState{}, service.transactionError(opJoinSession, err, fields...)
	}

	messages := make([]RevisionMessage, 0, len(revisions))
	for _, revision := range revisions {
		messages = append(messages, newRevisionMessage(revision))
	}
	state := DocumentState{
		DocumentID:          document.DocumentID,
		Revisions:           messages,
		CurrentRevisionUUID: document.CurrentRevisionUUID,
		DefaultCurrency:     service.presentation.DefaultCurrency(ctx),
		CompanyColors:       service.presentation.CompanyColors(ctx),
	}
	if !isEmptyPayload(document.BaseData) {
		state.BaseData = json.RawMessage(document.BaseData)
	}
	if !isEmptyPayload(document.Snapshot) {
		state.Snapshot = json.RawMessage(document.Snapshot)
	}
	if service.snapshotInterval > 0 && len(revisions) > 0 {
		newest := revisions[len(revisions)-1].CreatedAtSeconds
		state.SnapshotRequested = service.now()-newest >= int64(service.snapshotInterval.Seconds())
	}
	return state, nil
}

func (service *Service) loadDocument(database *gorm.DB, operation string, documentID DocumentID, lock bool) (Document, error) {
	query := database
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var document Document
	err := query.Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(operation, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		return Document{}, service.fail(operation, reasonDocumentLookup, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return document, nil
}

// transactionError codes failures raised outside service code, such as commit errors.
func (service *Service) transactionError(operation string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	var serviceError *ServiceError
	if errors.As(err, &serviceError) {
		return err
	}
	return service.fail(operation, reasonTransactionFailed, err, fields...)
}
