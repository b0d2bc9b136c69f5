package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProvider      = "default"
	providerSeparator    = ":"
	queryProviderSubject = "provider = ? AND subject = ?"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("users: database connection required")
)

// ServiceConfig describes the dependencies required for author identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider logins to the canonical author ids stamped on revisions.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// AuthorProfile is the public face of a revision author.
type AuthorProfile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical author id for the session claims,
// recording the provider and subject pair on first sight.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + providerSeparator + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	database := s.db.WithContext(ctx)
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  s.now(),
	}
	created := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
	if created.Error != nil {
		return "", fmt.Errorf("users: create identity: %w", created.Error)
	}
	if created.RowsAffected == 0 {
		var stored Identity
		if err := database.Where(queryProviderSubject, provider, subject).Take(&stored).Error; err != nil {
			return "", fmt.Errorf("users: load identity: %w", err)
		}
		s.refreshProfile(database, stored, claims)
		identity = stored
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// AuthorProfiles returns the known profiles of the given author ids. Unknown
// ids are omitted.
func (s *Service) AuthorProfiles(ctx context.Context, userIDs []string) (map[string]AuthorProfile, error) {
	profiles := make(map[string]AuthorProfile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}
	var identities []Identity
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Order("last_seen_at DESC").Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("users: load profiles: %w", err)
	}
	for _, identity := range identities {
		if _, seen := profiles[identity.UserID]; seen {
			continue
		}
		profiles[identity.UserID] = AuthorProfile{
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			AvatarURL:   identity.AvatarURL,
		}
	}
	return profiles, nil
}

func (s *Service) refreshProfile(database *gorm.DB, identity Identity, claims auth.SessionClaims) {
	updates := map[string]any{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	err := database.Model(&Identity{}).
		Where(queryProviderSubject, identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity profile refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, providerSeparator) {
			segments := strings.SplitN(raw, providerSeparator, 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
