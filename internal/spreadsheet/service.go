package spreadsheet

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrParentMismatch indicates a revision computed against a revision that is no longer current.
	ErrParentMismatch = errors.New("spreadsheet: parent mismatch")
	// ErrDuplicateSibling indicates another active revision already descends from the same parent.
	ErrDuplicateSibling = errors.New("spreadsheet: duplicate sibling")
	// ErrDuplicateRevision indicates the revision identifier was already stored.
	ErrDuplicateRevision = errors.New("spreadsheet: duplicate revision")
	// ErrStaleSnapshot indicates a snapshot computed from an older revision.
	ErrStaleSnapshot = errors.New("spreadsheet: stale snapshot")
	// ErrDocumentNotFound indicates an unknown document identifier.
	ErrDocumentNotFound = errors.New("spreadsheet: document not found")
	// ErrRevisionNotFound indicates an unknown revision identifier.
	ErrRevisionNotFound = errors.New("spreadsheet: revision not found")
	// ErrDocumentEmpty indicates a document without base data or snapshot.
	ErrDocumentEmpty = errors.New("spreadsheet: document has no data")
	// ErrBrokenChain indicates the active chain does not lead back to its root.
	ErrBrokenChain = errors.New("spreadsheet: broken revision chain")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errCompareAndSwap    = errors.New("current revision moved")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opServiceNew      = "spreadsheet.service.new"
	opCreateDocument  = "spreadsheet.create_document"
	opGetDocument     = "spreadsheet.get_document"
	opDeleteDocument  = "spreadsheet.delete_document"
	opListDocuments   = "spreadsheet.list_documents"
	opJoinSession     = "spreadsheet.join_session"
	opDispatch        = "spreadsheet.dispatch"
	opReset           = "spreadsheet.reset"
	opSaveSnapshot    = "spreadsheet.save_snapshot"
	opRestoreVersion  = "spreadsheet.restore_version"
	opForkHistory     = "spreadsheet.fork_history"
	opGetHistory      = "spreadsheet.get_history"
	opRenameRevision  = "spreadsheet.rename_revision"
	opVerifyChain     = "spreadsheet.verify_chain"
	fieldDocumentID   = "document_id"
	fieldRevisionUUID = "revision_uuid"
	fieldParentUUID   = "parent_uuid"
	fieldReason       = "reject_reason"

	reasonMissingDatabase     = "missing_database"
	reasonMissingIDProvider   = "missing_id_provider"
	reasonInvalidPayload      = "invalid_payload"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonDocumentInsert      = "document_insert_failed"
	reasonDocumentLookup      = "document_lookup_failed"
	reasonDocumentNotFound    = "document_not_found"
	reasonDocumentUpdate      = "document_update_failed"
	reasonDocumentDelete      = "document_delete_failed"
	reasonDocumentEmpty       = "document_empty"
	reasonRevisionInsert      = "revision_insert_failed"
	reasonRevisionLookup      = "revision_lookup_failed"
	reasonRevisionNotFound    = "revision_not_found"
	reasonRevisionArchive     = "revision_archive_failed"
	reasonRevisionDelete      = "revision_delete_failed"
	reasonRevisionUpdate      = "revision_update_failed"
	reasonStaleSnapshot       = "stale_snapshot"
	reasonConcurrentUpdate    = "concurrent_update"
	reasonQueryFailed         = "query_failed"
	reasonBrokenChain         = "broken_chain"
	reasonTransactionFailed   = "transaction_failed"
	defaultSnapshotInterval   = 12 * time.Hour
	maxIdentifierLength       = 190
	emptyCommandBatch         = "[]"
	queryDocumentID           = "document_id = ?"
	queryDocumentActive       = "document_id = ? AND active = ?"
	queryDocumentRevision     = "document_id = ? AND revision_uuid = ?"
	queryDocumentActiveParent = "document_id = ? AND parent_uuid = ? AND active = ?"
	queryDocumentCurrent      = "document_id = ? AND current_revision_uuid = ?"
	orderRevisionIDAsc        = "revision_id ASC"
)

// IDProvider issues identifiers for documents and synthetic revisions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the revision engine.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	Presentation PresentationProvider
	// SnapshotInterval is the age of the newest active revision after which
	// joining clients are asked to save a snapshot. Zero uses the default;
	// negative disables the hint.
	SnapshotInterval time.Duration
}

// Service implements the spreadsheet revision engine over a relational store.
type Service struct {
	db               *gorm.DB
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	presentation     PresentationProvider
	snapshotInterval time.Duration
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	presentation := cfg.Presentation
	if presentation == nil {
		presentation = StaticPresentation{Currency: DefaultCurrency()}
	}
	interval := cfg.SnapshotInterval
	if interval == 0 {
		interval = defaultSnapshotInterval
	}

	return &Service{
		db:               cfg.Database,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		presentation:     presentation,
		snapshotInterval: interval,
	}, nil
}

func (service *Service) now() int64 {
	return service.clock().UTC().Unix()
}

func (service *Service) newID(operation string, fields ...zap.Field) (string, error) {
	identifier, err := service.idProvider.NewID()
	if err != nil {
		service.logError(operation, reasonIDGenerationFailed, err, fields...)
		return "", newServiceError(operation, reasonIDGenerationFailed, err)
	}
	return identifier, nil
}

// fail logs once and returns the coded error.
func (service *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	service.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("spreadsheet service error", attrs...)
}
