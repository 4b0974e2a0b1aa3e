package graph

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEdgeExists indicates the ordered pair is already connected.
	ErrEdgeExists = errors.New("graph: edge already exists")
	// ErrEdgeNotFound indicates no edge exists for the ordered pair.
	ErrEdgeNotFound = errors.New("graph: edge not found")
	// ErrSelfFollow indicates a user attempted to follow themselves.
	ErrSelfFollow = errors.New("graph: cannot follow self")
	// ErrUserNotFound indicates one endpoint has no counter rows, meaning
	// the user was never registered or has been deleted.
	ErrUserNotFound = errors.New("graph: user not found")

	errMissingDatabase = errors.New("graph: database handle is required")
	errMissingCounters = errors.New("graph: counter store is required")
)

// ServiceConfig describes the dependencies of the relationship graph.
type ServiceConfig struct {
	Database *gorm.DB
	Counters *counter.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains directed follow edges paired with their counters.
type Service struct {
	db       *gorm.DB
	counters *counter.Store
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the relationship graph service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Counters == nil {
		return nil, errMissingCounters
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, counters: cfg.Counters, clock: clock, logger: logger}, nil
}

// Follow inserts the edge and bumps both counters as one transaction.
func (s *Service) Follow(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return ErrSelfFollow
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Edge
		err := tx.Where("follower_id = ? AND following_id = ?", fromID, toID).Take(&existing).Error
		if err == nil {
			return ErrEdgeExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		edge := Edge{
			FollowerID:       fromID,
			FollowingID:      toID,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&edge).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEdgeExists
			}
			return err
		}

		if _, err := s.counters.Apply(tx, counter.FollowingKey(fromID), 1); err != nil {
			return translateCounterErr(err)
		}
		if _, err := s.counters.Apply(tx, counter.FollowersKey(toID), 1); err != nil {
			return translateCounterErr(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("follow rejected",
			zap.String("from", fromID), zap.String("to", toID), zap.Error(err))
	}
	return err
}

// Unfollow removes the edge and decrements both counters as one transaction.
func (s *Service) Unfollow(ctx context.Context, fromID, toID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("follower_id = ? AND following_id = ?", fromID, toID).Delete(&Edge{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrEdgeNotFound
		}

		if _, err := s.counters.Apply(tx, counter.FollowingKey(fromID), -1); err != nil {
			return translateCounterErr(err)
		}
		if _, err := s.counters.Apply(tx, counter.FollowersKey(toID), -1); err != nil {
			return translateCounterErr(err)
		}
		return nil
	})
}

// Exists reports whether the ordered pair is connected.
func (s *Service) Exists(ctx context.Context, fromID, toID string) (bool, error) {
	var found Edge
	err := s.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", fromID, toID).
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DetachUser removes every edge touching the user inside the caller's
// transaction, decrementing only the surviving partners' counters. The
// user's own counters are left to the caller, which drops them wholesale.
func (s *Service) DetachUser(tx *gorm.DB, userID string) error {
	var outgoing []Edge
	if err := tx.Where("follower_id = ?", userID).Find(&outgoing).Error; err != nil {
		return err
	}
	for _, edge := range outgoing {
		if _, err := s.counters.Apply(tx, counter.FollowersKey(edge.FollowingID), -1); err != nil {
			return translateCounterErr(err)
		}
	}

	var incoming []Edge
	if err := tx.Where("following_id = ?", userID).Find(&incoming).Error; err != nil {
		return err
	}
	for _, edge := range incoming {
		if _, err := s.counters.Apply(tx, counter.FollowingKey(edge.FollowerID), -1); err != nil {
			return translateCounterErr(err)
		}
	}

	return tx.Where("follower_id = ? OR following_id = ?", userID, userID).Delete(&Edge{}).Error
}

func translateCounterErr(err error) error {
	if errors.Is(err, counter.ErrCounterNotFound) {
		return ErrUserNotFound
	}
	return err
}
