package spreadsheet

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Document stores the immutable base data, the folded snapshot and the
// pointer to the current revision of one spreadsheet.
type Document struct {
	DocumentID          string         `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID             string         `gorm:"column:owner_id;size:190;not null;index"`
	Name                string         `gorm:"column:name;size:320;not null"`
	BaseData            datatypes.JSON `gorm:"column:base_data"`
	Snapshot            datatypes.JSON `gorm:"column:snapshot"`
	CurrentRevisionUUID string         `gorm:"column:current_revision_uuid;size:190;not null"`
	ForkedFromID        string         `gorm:"column:forked_from_id;size:190"`
	// HistoryFloorID hides revisions archived by a reset from lineage walks.
	HistoryFloorID   int64 `gorm:"column:history_floor_id;not null"`
	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "spreadsheet_documents"
}

// Revision stores one command batch of a document's revision chain.
//
// RevisionUUID is the state the revision advances the document to; ParentUUID
// is the state it was computed against. At most one active revision per
// document may name a given parent.
type Revision struct {
	RevisionID         int64          `gorm:"column:revision_id;primaryKey;autoIncrement"`
	DocumentID         string         `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_spreadsheet_revisions_uuid,priority:1;uniqueIndex:idx_spreadsheet_revisions_active_parent,priority:1,where:active"`
	RevisionUUID       string         `gorm:"column:revision_uuid;size:190;not null;uniqueIndex:idx_spreadsheet_revisions_uuid,priority:2"`
	ParentUUID         string         `gorm:"column:parent_uuid;size:190;not null;uniqueIndex:idx_spreadsheet_revisions_active_parent,priority:2,where:active"`
	Active             bool           `gorm:"column:active;not null;uniqueIndex:idx_spreadsheet_revisions_active_parent,priority:3,where:active"`
	Type               string         `gorm:"column:revision_type;size:32;not null"`
	Commands           datatypes.JSON `gorm:"column:commands;not null"`
	TargetRevisionUUID string         `gorm:"column:target_revision_uuid;size:190"`
	ClientID           string         `gorm:"column:client_id;size:190"`
	AuthorID           string         `gorm:"column:author_id;size:190;not null"`
	Name               string         `gorm:"column:name;size:320"`
	CreatedAtSeconds   int64          `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "spreadsheet_revisions"
}

const activeParentGuardTrigger = `
CREATE TRIGGER IF NOT EXISTS trg_spreadsheet_revisions_active_parent_guard
BEFORE DELETE ON spreadsheet_revisions
FOR EACH ROW
WHEN OLD.active AND EXISTS (
	SELECT 1 FROM spreadsheet_revisions AS child
	WHERE child.document_id = OLD.document_id
	  AND child.parent_uuid = OLD.revision_uuid
	  AND child.active
)
BEGIN
	SELECT RAISE(ABORT, 'active revision is the parent of an active revision');
END;`

// Models lists the tables owned by the revision engine.
func Models() []any {
	return []any{&Document{}, &Revision{}}
}

// InstallDeleteGuard installs the trigger refusing deletion of an active
// revision that an active revision names as its parent.
func InstallDeleteGuard(db *gorm.DB) error {
	return db.Exec(activeParentGuardTrigger).Error
}

func archiveActiveRevisions(transaction *gorm.DB, documentID string) error {
	return transaction.Model(&Revision{}).
		Where(queryDocumentActive, documentID, true).
		Update("active", false).Error
}
