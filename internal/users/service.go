package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/propfunnel/leadintake/backend/internal/auth"
	"gorm.io/gorm"
)

// ErrAccountNotFound indicates no directory row exists for the identifier.
var ErrAccountNotFound = errors.New("users: account not found")

// ServiceConfig describes the dependencies for the operator directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the operator directory current as authenticated callers
// pass through the API.
type Service struct {
	db   *gorm.DB
	now  func() time.Time
	seen sync.Map
}

// NewService constructs the directory service.
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

// Touch records that the identified caller was seen, creating the directory
// row on first sight. Repeat calls within a process only refresh the
// last-seen timestamp once per identity.
func (s *Service) Touch(ctx context.Context, identity auth.Identity) error {
	if identity.IsZero() {
		return ErrAccountNotFound
	}
	if _, alreadySeen := s.seen.Load(identity.UserID); alreadySeen {
		return nil
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", identity.UserID).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			UserID:     identity.UserID,
			Role:       string(identity.Role),
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if role := normalize(string(identity.Role)); role != "" && role != account.Role {
			updates["role"] = role
		}
		if err := s.db.WithContext(ctx).Model(&Account{}).
			Where("user_id = ?", identity.UserID).
			Updates(updates).
			Error; err != nil {
			return err
		}
	}

	s.seen.Store(identity.UserID, struct{}{})
	return nil
}

// Get fetches one operator account by identifier.
func (s *Service) Get(ctx context.Context, userID string) (Account, error) {
	trimmed := normalize(userID)
	if trimmed == "" {
		return Account{}, ErrAccountNotFound
	}
	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", trimmed).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
