package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no profile exists for the lookup key.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUsernameTaken indicates that a different user already holds the username.
	ErrUsernameTaken = errors.New("users: username taken")
	// ErrInvalidUsername indicates a username that cannot be used in project addresses.
	ErrInvalidUsername = errors.New("users: invalid username")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers, provider identities and profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
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

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates the identity mapping and profile when the provider+subject pair is new.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		_ = db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	if err := s.ensureProfile(ctx, identity.UserID, claims.Username); err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) ensureProfile(ctx context.Context, userID, requestedUsername string) error {
	var existing Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	candidates := usernameCandidates(requestedUsername, userID)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, requestedUsername)
	}
	for _, username := range candidates {
		taken, err := s.usernameTaken(ctx, username, userID)
		if err != nil {
			return err
		}
		if !taken {
			return s.db.WithContext(ctx).Create(&Profile{UserID: userID, Username: username}).Error
		}
	}
	return fmt.Errorf("%w: %s", ErrUsernameTaken, candidates[0])
}

// usernameCandidates lists usable usernames in preference order: the requested name,
// the user id, then the requested name suffixed with the user id.
func usernameCandidates(requestedUsername, userID string) []string {
	var candidates []string
	seen := make(map[string]bool)
	add := func(raw string) {
		if username, ok := NormalizeUsername(raw); ok && !seen[username] {
			seen[username] = true
			candidates = append(candidates, username)
		}
	}
	add(requestedUsername)
	add(userID)
	if strings.TrimSpace(requestedUsername) != "" {
		add(strings.TrimSpace(requestedUsername) + "-" + userID)
	}
	return candidates
}

func (s *Service) usernameTaken(ctx context.Context, username, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("username = ? AND user_id <> ?", username, userID).
		Count(&count).Error
	return count > 0, err
}

// LookupUsername returns the username of userID.
func (s *Service) LookupUsername(ctx context.Context, userID string) (string, error) {
	profile, err := s.profile(ctx, "user_id = ?", normalize(userID))
	if err != nil {
		return "", err
	}
	return profile.Username, nil
}

// FindByUsername returns the user id holding username.
func (s *Service) FindByUsername(ctx context.Context, username string) (string, error) {
	normalized, ok := NormalizeUsername(username)
	if !ok {
		return "", ErrUserNotFound
	}
	profile, err := s.profile(ctx, "username = ?", normalized)
	if err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// SetUserAdmin grants or revokes site administration. Site administrators hold
// owner-equivalent rights on every project.
func (s *Service) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	result := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", normalize(userID)).
		Update("is_admin", isAdmin)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// updating to the current value reports zero rows on some drivers
		if _, err := s.profile(ctx, "user_id = ?", normalize(userID)); err != nil {
			return err
		}
	}
	return nil
}

// IsAdmin reports whether userID is a site administrator. Unknown users are not.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	profile, err := s.profile(ctx, "user_id = ?", normalize(userID))
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return profile.IsAdmin, nil
}

func (s *Service) profile(ctx context.Context, query string, value string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where(query, value).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
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
