package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/xmldiff"
	"github.com/beevik/etree"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrCustomizationNotFound indicates no stored patch for a view.
	ErrCustomizationNotFound = errors.New("views: customization not found")
	// ErrInvalidViewKey indicates an empty or oversized view key.
	ErrInvalidViewKey = errors.New("views: invalid view key")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew          = "views.service.new"
	opSaveCustomization   = "views.save_customization"
	opGetCustomization    = "views.get_customization"
	opDeleteCustomization = "views.delete_customization"
	opRender              = "views.render"
	fieldViewKey          = "view_key"
	newNodeAttribute      = "is_new"
	maxViewKeyLength      = 190

	reasonMissingDatabase = "missing_database"
	reasonInvalidArch     = "invalid_arch"
	reasonApplyFailed     = "apply_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonNotFound        = "not_found"
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
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ViewKey represents a validated view identifier.
type ViewKey string

// NewViewKey validates raw input and returns a ViewKey.
func NewViewKey(rawInput string) (ViewKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewKey)
	}
	if len(trimmed) > maxViewKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewKey, maxViewKeyLength)
	}
	return ViewKey(trimmed), nil
}

// String returns the underlying key.
func (key ViewKey) String() string {
	return string(key)
}

// ServiceConfig describes the dependencies and diff settings of the store.
type ServiceConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	Logger         *zap.Logger
	KeyAttribute   string
	SubtreeTags    []string
	MetaAttributes []string
	// MarkNewNodes tags every element a customization creates with is_new="1".
	MarkNewNodes bool
}

// Service stores view customizations as patch programs over a base arch.
type Service struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	options xmldiff.Options
}

// CustomizationRecord is the stored patch of one view.
type CustomizationRecord struct {
	ViewKey          string `json:"view_key"`
	Patch            string `json:"patch"`
	AuthorID         string `json:"author_id"`
	Operations       int    `json:"operations"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	options := xmldiff.Options{
		KeyAttribute:      cfg.KeyAttribute,
		IgnoredAttributes: []string{newNodeAttribute},
		MetaAttributes:    append([]string(nil), cfg.MetaAttributes...),
	}
	if len(cfg.SubtreeTags) > 0 {
		boundaries := make(map[string]struct{}, len(cfg.SubtreeTags))
		for _, tag := range cfg.SubtreeTags {
			boundaries[strings.TrimSpace(tag)] = struct{}{}
		}
		options.IsSubtreeBoundary = func(element *etree.Element) bool {
			_, boundary := boundaries[element.Tag]
			return boundary
		}
	}
	if cfg.MarkNewNodes {
		options.OnNewNode = func(element *etree.Element) {
			element.CreateAttr(newNodeAttribute, "1")
		}
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger, options: options}, nil
}

// SaveCustomization stores the patch turning baseArch into customArch. When
// the archs are equal the stored customization is removed.
func (service *Service) SaveCustomization(ctx context.Context, viewKey ViewKey, authorID string, baseArch string, customArch string) (CustomizationRecord, error) {
	fields := []zap.Field{zap.String(fieldViewKey, viewKey.String())}
	patch, program, err := xmldiff.DiffStrings(baseArch, customArch, service.options)
	if err != nil {
		service.logError(opSaveCustomization, reasonInvalidArch, err, fields...)
		return CustomizationRecord{}, newServiceError(opSaveCustomization, reasonInvalidArch, err)
	}

	if program.Empty() {
		if err := service.db.WithContext(ctx).Where("view_key = ?", viewKey.String()).Delete(&Customization{}).Error; err != nil {
			service.logError(opSaveCustomization, reasonDeleteFailed, err, fields...)
			return CustomizationRecord{}, newServiceError(opSaveCustomization, reasonDeleteFailed, err)
		}
		return CustomizationRecord{ViewKey: viewKey.String(), AuthorID: authorID}, nil
	}

	now := service.clock().UTC().Unix()
	customization := Customization{
		ViewKey:          viewKey.String(),
		Patch:            patch,
		AuthorID:         authorID,
		Operations:       len(program.Operations()),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := service.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "view_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"patch", "author_id", "operations", "updated_at_s"}),
	}).Create(&customization).Error; err != nil {
		service.logError(opSaveCustomization, reasonUpsertFailed, err, fields...)
		return CustomizationRecord{}, newServiceError(opSaveCustomization, reasonUpsertFailed, err)
	}
	return customization.record(), nil
}

// GetCustomization returns the stored patch of a view.
func (service *Service) GetCustomization(ctx context.Context, viewKey ViewKey) (CustomizationRecord, error) {
	var customization Customization
	err := service.db.WithContext(ctx).Where("view_key = ?", viewKey.String()).Take(&customization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CustomizationRecord{}, newServiceError(opGetCustomization, reasonNotFound, ErrCustomizationNotFound)
	}
	if err != nil {
		service.logError(opGetCustomization, reasonQueryFailed, err, zap.String(fieldViewKey, viewKey.String()))
		return CustomizationRecord{}, newServiceError(opGetCustomization, reasonQueryFailed, err)
	}
	return customization.record(), nil
}

// DeleteCustomization drops the stored patch of a view.
func (service *Service) DeleteCustomization(ctx context.Context, viewKey ViewKey) error {
	deleted := service.db.WithContext(ctx).Where("view_key = ?", viewKey.String()).Delete(&Customization{})
	if deleted.Error != nil {
		service.logError(opDeleteCustomization, reasonDeleteFailed, deleted.Error, zap.String(fieldViewKey, viewKey.String()))
		return newServiceError(opDeleteCustomization, reasonDeleteFailed, deleted.Error)
	}
	if deleted.RowsAffected == 0 {
		return newServiceError(opDeleteCustomization, reasonNotFound, ErrCustomizationNotFound)
	}
	return nil
}

// Render applies the stored patch of a view to baseArch, which may be newer
// than the arch the patch was computed against. Views without customization
// render the base unchanged.
func (service *Service) Render(ctx context.Context, viewKey ViewKey, baseArch string) (string, error) {
	fields := []zap.Field{zap.String(fieldViewKey, viewKey.String())}
	document, err := xmldiff.ParseTree(baseArch)
	if err != nil {
		return "", newServiceError(opRender, reasonInvalidArch, err)
	}

	var customization Customization
	err = service.db.WithContext(ctx).Where("view_key = ?", viewKey.String()).Take(&customization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return xmldiff.Indent(document).WriteToString()
	}
	if err != nil {
		service.logError(opRender, reasonQueryFailed, err, fields...)
		return "", newServiceError(opRender, reasonQueryFailed, err)
	}

	program, err := xmldiff.ParseProgram(customization.Patch)
	if err != nil {
		service.logError(opRender, reasonApplyFailed, err, fields...)
		return "", newServiceError(opRender, reasonApplyFailed, err)
	}
	rendered, err := xmldiff.Apply(document, program)
	if err != nil {
		service.logError(opRender, reasonApplyFailed, err, fields...)
		return "", newServiceError(opRender, reasonApplyFailed, err)
	}
	return rendered.WriteToString()
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
	service.logger.Error("views service error", attrs...)
}
