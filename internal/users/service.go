package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records profiles for authenticated identities and resolves author summaries.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch creates or refreshes the profile for an identity that just connected.
func (s *Service) Touch(ctx context.Context, identity auth.Identity) (Profile, error) {
	userID := normalize(identity.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	username := normalize(identity.Username)
	if username == "" {
		username = userID
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      userID,
			Username:    username,
			DisplayName: username,
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if username != profile.Username {
			updates["username"] = username
			profile.Username = username
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(userID, summaryOf(profile))
	return profile, nil
}

// Summary resolves the author summary for a user id, falling back to the bare id
// for users that never connected.
func (s *Service) Summary(ctx context.Context, userID string) (protocol.Author, error) {
	userID = normalize(userID)
	if userID == "" {
		return protocol.Author{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if author, ok := cached.(protocol.Author); ok {
			return author, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Author{ID: userID, Username: userID}, nil
	}
	if err != nil {
		return protocol.Author{}, err
	}
	author := summaryOf(profile)
	s.cache.Store(userID, author)
	return author, nil
}

func summaryOf(profile Profile) protocol.Author {
	return protocol.Author{
		ID:          profile.UserID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}
}
