// Package users keeps identity display attributes, refreshed from session claims at
// every handshake and served to the engine from a cache.
package users

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/auth"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opResolve             = "users.resolve"
	opLookup              = "users.lookup"
	opNewService          = "users.new"
	reasonMissingIdentity = "missing_identity"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonPersistFailed   = "persist_failed"
	reasonUnknownIdentity = "unknown_identity"
	fieldIdentityID       = "identity_id"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	errMissingDatabase = errors.New("users: database connection required")
	errUnknownIdentity = errors.New("users: identity has never connected")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves authenticated claims into connection identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fault.Invalid(opNewService, reasonMissingDatabase, errMissingDatabase)
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

// ResolveIdentity records the display attributes carried by the claims and returns
// the identity a connection is registered under. Attributes absent from the claims
// keep their stored values.
func (s *Service) ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (connections.Identity, error) {
	identityID := claims.IdentityID()
	if identityID == "" {
		return connections.Identity{}, fault.New(fault.KindUnauthenticated, opResolve, reasonMissingIdentity, ErrInvalidIdentity)
	}
	nowMillis := s.now().UTC().UnixMilli()

	var profile Profile
	err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			IdentityID:       identityID,
			Email:            normalize(claims.UserEmail),
			DisplayName:      normalize(claims.UserDisplayName),
			AvatarURL:        normalize(claims.UserAvatarURL),
			LastSeenAtMillis: nowMillis,
			CreatedAtMillis:  nowMillis,
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			s.logError(opResolve, reasonPersistFailed, err, zap.String(fieldIdentityID, identityID))
			return connections.Identity{}, fault.Transient(opResolve, reasonPersistFailed, err)
		}
	case err != nil:
		s.logError(opResolve, reasonQueryFailed, err, zap.String(fieldIdentityID, identityID))
		return connections.Identity{}, fault.Transient(opResolve, reasonQueryFailed, err)
	default:
		updates := map[string]interface{}{"last_seen_at_ms": nowMillis}
		if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
			updates["email"] = email
			profile.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
			profile.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != profile.AvatarURL {
			updates["avatar_url"] = avatar
			profile.AvatarURL = avatar
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("identity_id = ?", identityID).Updates(updates).Error; err != nil {
			s.logger.Warn("identity profile not refreshed", zap.String(fieldIdentityID, identityID), zap.Error(err))
		}
	}

	identity := toIdentity(profile)
	s.cache.Store(identityID, identity)
	return identity, nil
}

// Lookup returns the display attributes of an identity that has connected before.
func (s *Service) Lookup(ctx context.Context, identityID string) (connections.Identity, error) {
	identityID = normalize(identityID)
	if cached, ok := s.cache.Load(identityID); ok {
		if identity, ok := cached.(connections.Identity); ok {
			return identity, nil
		}
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return connections.Identity{}, fault.NotFound(opLookup, reasonUnknownIdentity, errUnknownIdentity)
	}
	if err != nil {
		s.logError(opLookup, reasonQueryFailed, err, zap.String(fieldIdentityID, identityID))
		return connections.Identity{}, fault.Transient(opLookup, reasonQueryFailed, err)
	}
	identity := toIdentity(profile)
	s.cache.Store(identityID, identity)
	return identity, nil
}

func toIdentity(profile Profile) connections.Identity {
	return connections.Identity{
		ID:          profile.IdentityID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}
