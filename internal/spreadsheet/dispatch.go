package spreadsheet

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dispatch appends a client revision to the active chain. The revision is
// accepted only when its parent is the current revision and no other active
// revision already descends from that parent; otherwise the result carries
// the rejection reason and no error.
func (service *Service) Dispatch(ctx context.Context, documentID DocumentID, envelope RevisionEnvelope) (DispatchResult, error) {
	fields := []zap.Field{
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldParentUUID, envelope.ParentUUID().String()),
		zap.String(fieldRevisionUUID, envelope.NextUUID().String()),
	}
	revision := Revision{
		DocumentID:         documentID.String(),
		RevisionUUID:       envelope.NextUUID().String(),
		ParentUUID:         envelope.ParentUUID().String(),
		Active:             true,
		Type:               string(envelope.Type()),
		Commands:           datatypes.JSON(envelope.Commands()),
		TargetRevisionUUID: envelope.TargetRevisionUUID().String(),
		ClientID:           envelope.ClientID(),
		AuthorID:           envelope.AuthorID(),
		CreatedAtSeconds:   service.now(),
	}

	var rejection RejectReason
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := service.loadDocument(transaction, opDispatch, documentID, true)
		if err != nil {
			return err
		}
		if document.CurrentRevisionUUID == EmptyDocumentRevision {
			return newServiceError(opDispatch, reasonDocumentEmpty, ErrDocumentEmpty)
		}

		var siblings int64
		if err := transaction.Model(&Revision{}).
			Where(queryDocumentActiveParent, documentID.String(), revision.ParentUUID, true).
			Count(&siblings).Error; err != nil {
			return service.fail(opDispatch, reasonRevisionLookup, err, fields...)
		}
		if siblings > 0 {
			rejection = RejectDuplicateSibling
			return nil
		}
		if document.CurrentRevisionUUID != revision.ParentUUID {
			rejection = RejectParentMismatch
			return nil
		}

		created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&revision)
		if created.Error != nil {
			return service.fail(opDispatch, reasonRevisionInsert, created.Error, fields...)
		}
		if created.RowsAffected == 0 {
			var existing int64
			if err := transaction.Model(&Revision{}).
				Where(queryDocumentRevision, documentID.String(), revision.RevisionUUID).
				Count(&existing).Error; err != nil {
				return service.fail(opDispatch, reasonRevisionLookup, err, fields...)
			}
			rejection = RejectDuplicateSibling
			if existing > 0 {
				rejection = RejectDuplicate
			}
			return nil
		}

		advanced := transaction.Model(&Document{}).
			Where(queryDocumentCurrent, documentID.String(), revision.ParentUUID).
			Updates(map[string]any{
				"current_revision_uuid": revision.RevisionUUID,
				"updated_at_s":          revision.CreatedAtSeconds,
			})
		if advanced.Error != nil {
			return service.fail(opDispatch, reasonDocumentUpdate, advanced.Error, fields...)
		}
		if advanced.RowsAffected == 0 {
			return errCompareAndSwap
		}
		return nil
	})
	if errors.Is(err, errCompareAndSwap) {
		rejection = RejectParentMismatch
		err = nil
	}
	if err != nil {
		return DispatchResult{}, service.transactionError(opDispatch, err, fields...)
	}

	if rejection != "" {
		service.loggerOrDefault().Debug("revision rejected", append(fields, zap.String(fieldReason, string(rejection)))...)
		return DispatchResult{Accepted: false, Reason: rejection}, nil
	}
	return DispatchResult{Accepted: true, Revision: newRevisionMessage(revision)}, nil
}
