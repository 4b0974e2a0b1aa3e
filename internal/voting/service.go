package voting

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultVoteWeight is the score contributed by a single vote. With a
// one-week freshness window it takes 200 votes for an item to hold the
// top of the ranking for a full day.
const DefaultVoteWeight = 432

var (
	// ErrItemNotFound indicates the referenced item does not exist.
	ErrItemNotFound = errors.New("voting: item not found")
	// ErrAlreadyVoted indicates the (user, item) pair is already recorded.
	ErrAlreadyVoted = errors.New("voting: already voted")
	// ErrNotVoted indicates no vote exists for the (user, item) pair.
	ErrNotVoted = errors.New("voting: not voted")
	// ErrStale indicates the item is outside the freshness window and no
	// longer accepts votes. Its accumulated score is retained.
	ErrStale = errors.New("voting: item outside freshness window")

	errMissingDatabase = errors.New("voting: database handle is required")
	errMissingCounters = errors.New("voting: counter store is required")
	errMissingRanking  = errors.New("voting: ranking index is required")
)

// ServiceConfig describes the dependencies of the vote coordinator.
type ServiceConfig struct {
	Database   *gorm.DB
	Counters   *counter.Store
	Ranking    *ranking.Index
	VoteWeight float64
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service enforces at-most-one-vote-per-user-per-item and keeps the vote
// counter and ranking score in step with the recorded pairs.
type Service struct {
	db       *gorm.DB
	counters *counter.Store
	index    *ranking.Index
	weight   float64
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the vote coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Counters == nil {
		return nil, errMissingCounters
	}
	if cfg.Ranking == nil {
		return nil, errMissingRanking
	}
	weight := cfg.VoteWeight
	if weight <= 0 {
		weight = DefaultVoteWeight
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
		db:       cfg.Database,
		counters: cfg.Counters,
		index:    cfg.Ranking,
		weight:   weight,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Weight returns the configured per-vote score weight.
func (s *Service) Weight() float64 {
	return s.weight
}

// Cast records a vote: the pair row, the vote counter, and the durable
// score move in one transaction; the in-memory index is adjusted only
// after commit so an abort leaves no trace anywhere.
func (s *Service) Cast(ctx context.Context, userID, itemID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.castInTx(tx, userID, itemID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.index.AdjustScore(itemID, s.weight); err != nil {
		s.logger.Error("ranking index drifted from committed vote",
			zap.String("item_id", itemID), zap.Error(err))
	}
	s.logger.Info("vote cast", zap.String("user_id", userID), zap.String("item_id", itemID))
	return nil
}

// Remove withdraws a vote, reversing every effect of Cast.
func (s *Service) Remove(ctx context.Context, userID, itemID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.removeInTx(tx, userID, itemID)
	})
	if err != nil {
		return err
	}

	if _, err := s.index.AdjustScore(itemID, -s.weight); err != nil {
		s.logger.Error("ranking index drifted from removed vote",
			zap.String("item_id", itemID), zap.Error(err))
	}
	return nil
}

// Switch moves the user's vote from one item to another as a single
// transaction. No interleaved reader can observe the user holding zero
// or two votes.
func (s *Service) Switch(ctx context.Context, userID, fromItemID, toItemID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.removeInTx(tx, userID, fromItemID); err != nil {
			return err
		}
		return s.castInTx(tx, userID, toItemID)
	})
	if err != nil {
		return err
	}

	if _, err := s.index.AdjustScore(fromItemID, -s.weight); err != nil {
		s.logger.Error("ranking index drifted from switched vote",
			zap.String("item_id", fromItemID), zap.Error(err))
	}
	if _, err := s.index.AdjustScore(toItemID, s.weight); err != nil {
		s.logger.Error("ranking index drifted from switched vote",
			zap.String("item_id", toItemID), zap.Error(err))
	}
	return nil
}

// HasVoted reports whether the pair is currently recorded.
func (s *Service) HasVoted(ctx context.Context, userID, itemID string) (bool, error) {
	var vote Vote
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeItemVotes deletes every vote on the item inside the caller's
// transaction. The item's counters are dropped by the same cascade, so
// no counter adjustment happens here.
func (s *Service) PurgeItemVotes(tx *gorm.DB, itemID string) (int64, error) {
	result := tx.Where("item_id = ?", itemID).Delete(&Vote{})
	return result.RowsAffected, result.Error
}

func (s *Service) castInTx(tx *gorm.DB, userID, itemID string) error {
	var item content.Item
	err := tx.Where("item_id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if !s.index.Fresh(itemID) {
		return ErrStale
	}

	var existing Vote
	err = tx.Where("user_id = ? AND item_id = ?", userID, itemID).Take(&existing).Error
	if err == nil {
		return ErrAlreadyVoted
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	vote := Vote{UserID: userID, ItemID: itemID, CreatedAtSeconds: s.clock().UTC().Unix()}
	if err := tx.Create(&vote).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyVoted
		}
		return err
	}

	if _, err := s.counters.Apply(tx, counter.VotesKey(itemID), 1); err != nil {
		return err
	}
	return tx.Model(&content.Item{}).
		Where("item_id = ?", itemID).
		Update("score", gorm.Expr("score + ?", s.weight)).Error
}

func (s *Service) removeInTx(tx *gorm.DB, userID, itemID string) error {
	result := tx.Where("user_id = ? AND item_id = ?", userID, itemID).Delete(&Vote{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotVoted
	}

	if _, err := s.counters.Apply(tx, counter.VotesKey(itemID), -1); err != nil {
		return err
	}
	return tx.Model(&content.Item{}).
		Where("item_id = ?", itemID).
		Update("score", gorm.Expr("score - ?", s.weight)).Error
}
