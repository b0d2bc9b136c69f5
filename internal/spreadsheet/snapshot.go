package spreadsheet

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SaveSnapshot folds the active chain into snapshot. The snapshot must embed
// the current revision id; it is stored under a fresh revision id recorded by
// an archived SNAPSHOT_CREATED revision parented on the old current revision,
// so clients that missed the snapshot still see a connected chain.
func (service *Service) SaveSnapshot(ctx context.Context, documentID DocumentID, authorID string, snapshot []byte) (SnapshotResult, error) {
	fields := []zap.Field{zap.String(fieldDocumentID, documentID.String())}
	embedded, present, err := payloadRevisionID(snapshot)
	if err != nil || !present {
		if err == nil {
			err = fmt.Errorf("%w: snapshot without %s", ErrInvalidPayload, payloadRevisionIDKey)
		}
		return SnapshotResult{}, service.fail(opSaveSnapshot, reasonInvalidPayload, err, fields...)
	}

	var result SnapshotResult
	err = service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := service.loadDocument(transaction, opSaveSnapshot, documentID, true)
		if err != nil {
			return err
		}
		if document.CurrentRevisionUUID == EmptyDocumentRevision {
			return newServiceError(opSaveSnapshot, reasonDocumentEmpty, ErrDocumentEmpty)
		}
		if embedded != document.CurrentRevisionUUID {
			return newServiceError(opSaveSnapshot, reasonStaleSnapshot, ErrStaleSnapshot)
		}

		installed, err := service.installSnapshot(transaction, opSaveSnapshot, document, authorID, document.CurrentRevisionUUID, snapshot)
		if err != nil {
			return err
		}
		result = installed
		return nil
	})
	if err != nil {
		return SnapshotResult{}, service.transactionError(opSaveSnapshot, err, fields...)
	}
	return result, nil
}

// RestoreVersion rolls the document back to revisionUUID, which must lie on
// the current lineage. snapshot is the client-computed state at that revision.
// Every active revision is archived and the snapshot becomes the live state
// under a fresh revision id parented on the restored revision.
func (service *Service) RestoreVersion(ctx context.Context, documentID DocumentID, authorID string, revisionUUID RevisionUUID, snapshot []byte) (SnapshotResult, error) {
	fields := []zap.Field{
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldRevisionUUID, revisionUUID.String()),
	}
	embedded, present, err := payloadRevisionID(snapshot)
	if err != nil || !present {
		if err == nil {
			err = fmt.Errorf("%w: snapshot without %s", ErrInvalidPayload, payloadRevisionIDKey)
		}
		return SnapshotResult{}, service.fail(opRestoreVersion, reasonInvalidPayload, err, fields...)
	}

	var result SnapshotResult
	err = service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := service.loadDocument(transaction, opRestoreVersion, documentID, true)
		if err != nil {
			return err
		}
		if document.CurrentRevisionUUID == EmptyDocumentRevision {
			return newServiceError(opRestoreVersion, reasonDocumentEmpty, ErrDocumentEmpty)
		}
		path, root, err := lineage(transaction, document, document.CurrentRevisionUUID)
		if err != nil {
			return service.fail(opRestoreVersion, reasonRevisionLookup, err, fields...)
		}
		if !onLineage(path, root, revisionUUID.String()) {
			return newServiceError(opRestoreVersion, reasonRevisionNotFound, ErrRevisionNotFound)
		}
		if embedded != revisionUUID.String() {
			return newServiceError(opRestoreVersion, reasonStaleSnapshot, ErrStaleSnapshot)
		}

		installed, err := service.installSnapshot(transaction, opRestoreVersion, document, authorID, revisionUUID.String(), snapshot)
		if err != nil {
			return err
		}
		result = installed
		return nil
	})
	if err != nil {
		return SnapshotResult{}, service.transactionError(opRestoreVersion, err, fields...)
	}
	return result, nil
}

// installSnapshot archives the active chain, records a synthetic revision
// from parentUUID to a fresh id and stores snapshot under that id.
func (service *Service) installSnapshot(transaction *gorm.DB, operation string, document Document, authorID string, parentUUID string, snapshot []byte) (SnapshotResult, error) {
	fields := []zap.Field{zap.String(fieldDocumentID, document.DocumentID)}
	revisionUUID, err := service.newID(operation, fields...)
	if err != nil {
		return SnapshotResult{}, err
	}
	stored, err := withRevisionID(snapshot, revisionUUID)
	if err != nil {
		return SnapshotResult{}, service.fail(operation, reasonInvalidPayload, err, fields...)
	}

	if err := archiveActiveRevisions(transaction, document.DocumentID); err != nil {
		return SnapshotResult{}, service.fail(operation, reasonRevisionArchive, err, fields...)
	}
	now := service.now()
	marker := Revision{
		DocumentID:       document.DocumentID,
		RevisionUUID:     revisionUUID,
		ParentUUID:       parentUUID,
		Active:           false,
		Type:             string(RevisionTypeSnapshotCreated),
		Commands:         datatypes.JSON(emptyCommandBatch),
		AuthorID:         authorID,
		CreatedAtSeconds: now,
	}
	if err := transaction.Create(&marker).Error; err != nil {
		return SnapshotResult{}, service.fail(operation, reasonRevisionInsert, err, fields...)
	}

	advanced := transaction.Model(&Document{}).
		Where(queryDocumentCurrent, document.DocumentID, document.CurrentRevisionUUID).
		Updates(map[string]any{
			"snapshot":              stored,
			"current_revision_uuid": revisionUUID,
			"updated_at_s":          now,
		})
	if advanced.Error != nil {
		return SnapshotResult{}, service.fail(operation, reasonDocumentUpdate, advanced.Error, fields...)
	}
	if advanced.RowsAffected == 0 {
		return SnapshotResult{}, service.fail(operation, reasonConcurrentUpdate, ErrStaleSnapshot, fields...)
	}
	return SnapshotResult{RevisionUUID: revisionUUID, Snapshot: json.RawMessage(stored)}, nil
}

func onLineage(path []Revision, root string, revisionUUID string) bool {
	if revisionUUID == root {
		return true
	}
	for _, revision := range path {
		if revision.RevisionUUID == revisionUUID {
			return true
		}
	}
	return false
}

// ForkHistory copies the lineage of revisionUUID into a new document owned by
// ownerID. Copied revisions are archived, comment annotations are scrubbed
// from every copied payload, and snapshot becomes the fork's live state at
// revisionUUID. The origin document is not modified.
func (service *Service) ForkHistory(ctx context.Context, documentID DocumentID, ownerID string, revisionUUID RevisionUUID, snapshot []byte) (ForkResult, error) {
	fields := []zap.Field{
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldRevisionUUID, revisionUUID.String()),
	}
	if isEmptyPayload(snapshot) || ownerID == "" {
		return ForkResult{}, service.fail(opForkHistory, reasonInvalidPayload, ErrInvalidPayload, fields...)
	}
	embedded, present, err := payloadRevisionID(snapshot)
	if err != nil {
		return ForkResult{}, service.fail(opForkHistory, reasonInvalidPayload, err, fields...)
	}
	if present && embedded != revisionUUID.String() {
		return ForkResult{}, newServiceError(opForkHistory, reasonStaleSnapshot, ErrStaleSnapshot)
	}
	stamped, err := withRevisionID(snapshot, revisionUUID.String())
	if err != nil {
		return ForkResult{}, service.fail(opForkHistory, reasonInvalidPayload, err, fields...)
	}
	forkSnapshot, scrubbedSnapshot, err := scrubPayload(stamped)
	if err != nil {
		return ForkResult{}, service.fail(opForkHistory, reasonInvalidPayload, err, fields...)
	}
	forkID, err := service.newID(opForkHistory, fields...)
	if err != nil {
		return ForkResult{}, err
	}

	result := ForkResult{DocumentID: forkID, ScrubbedItems: scrubbedSnapshot}
	err = service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		origin, err := service.loadDocument(transaction, opForkHistory, documentID, false)
		if err != nil {
			return err
		}
		path, _, err := lineage(transaction, origin, revisionUUID.String())
		if err != nil {
			return service.fail(opForkHistory, reasonRevisionLookup, err, fields...)
		}
		if len(path) == 0 && revisionUUID.String() != origin.CurrentRevisionUUID {
			_, genesis, err := lineage(transaction, origin, origin.CurrentRevisionUUID)
			if err != nil {
				return service.fail(opForkHistory, reasonRevisionLookup, err, fields...)
			}
			root, rootErr := chainRoot(origin)
			if genesis != revisionUUID.String() && (rootErr != nil || root != revisionUUID.String()) {
				return newServiceError(opForkHistory, reasonRevisionNotFound, ErrRevisionNotFound)
			}
		}

		forkBase, scrubbedBase, err := scrubPayload(origin.BaseData)
		if err != nil {
			return service.fail(opForkHistory, reasonInvalidPayload, err, fields...)
		}
		result.ScrubbedItems += scrubbedBase

		now := service.now()
		fork := Document{
			DocumentID:          forkID,
			OwnerID:             ownerID,
			Name:                origin.Name,
			BaseData:            forkBase,
			Snapshot:            forkSnapshot,
			CurrentRevisionUUID: revisionUUID.String(),
			ForkedFromID:        origin.DocumentID,
			CreatedAtSeconds:    now,
			UpdatedAtSeconds:    now,
		}
		if err := transaction.Create(&fork).Error; err != nil {
			return service.fail(opForkHistory, reasonDocumentInsert, err, fields...)
		}

		for _, revision := range path {
			commands, dropped, err := scrubCommands(revision.Commands)
			if err != nil {
				return service.fail(opForkHistory, reasonInvalidPayload, err, fields...)
			}
			result.ScrubbedItems += dropped
			copied := revision
			copied.RevisionID = 0
			copied.DocumentID = forkID
			copied.Active = false
			copied.Commands = commands
			if err := transaction.Create(&copied).Error; err != nil {
				return service.fail(opForkHistory, reasonRevisionInsert, err, fields...)
			}
		}
		return nil
	})
	if err != nil {
		return ForkResult{}, service.transactionError(opForkHistory, err, fields...)
	}

	if result.ScrubbedItems > 0 {
		service.loggerOrDefault().Info("payload scrubbed",
			append(fields, zap.String("fork_id", forkID), zap.Int("scrubbed_items", result.ScrubbedItems))...)
	}
	return result, nil
}
