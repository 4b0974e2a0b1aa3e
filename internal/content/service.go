package content

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	// ErrItemNotFound indicates the referenced item does not exist.
	ErrItemNotFound = errors.New("content: item not found")
	// ErrNotFollowing indicates the viewer does not follow the timeline target.
	ErrNotFollowing = errors.New("content: viewer does not follow target")

	errMissingDatabase   = errors.New("content: database handle is required")
	errMissingCounters   = errors.New("content: counter store is required")
	errMissingRanking    = errors.New("content: ranking index is required")
	errMissingIDProvider = errors.New("content: id provider is required")
	errMissingFollows    = errors.New("content: follow checker is required")
)

// FollowChecker answers whether a directed follow edge exists.
type FollowChecker interface {
	Exists(ctx context.Context, fromID, toID string) (bool, error)
}

// ServiceConfig describes the dependencies of the content service.
type ServiceConfig struct {
	Database   *gorm.DB
	Counters   *counter.Store
	Ranking    *ranking.Index
	Follows    FollowChecker
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages items and comments.
type Service struct {
	db       *gorm.DB
	counters *counter.Store
	index    *ranking.Index
	follows  FollowChecker
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
	timeline singleflight.Group
}

// NewService constructs the content service.
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
	if cfg.Follows == nil {
		return nil, errMissingFollows
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
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
		follows:  cfg.Follows,
		ids:      cfg.IDProvider,
		clock:    clock,
		logger:   logger,
	}, nil
}

// PostItem stores a new item with zero counters and registers it with the
// ranking index once the transaction has committed.
func (s *Service) PostItem(ctx context.Context, ownerID, payloadRef string) (Item, error) {
	itemID, err := s.ids.NewID()
	if err != nil {
		return Item{}, err
	}
	createdAt := s.clock().UTC()
	item := Item{
		ItemID:           itemID,
		OwnerID:          ownerID,
		PayloadRef:       payloadRef,
		Score:            0,
		CreatedAtSeconds: createdAt.Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return s.counters.Init(tx, counter.VotesKey(itemID), counter.CommentsKey(itemID))
	})
	if err != nil {
		return Item{}, err
	}

	s.index.Add(itemID, createdAt)
	s.logger.Info("item posted", zap.String("item_id", itemID), zap.String("owner_id", ownerID))
	return item, nil
}

// GetItem returns the stored item.
func (s *Service) GetItem(ctx context.Context, itemID string) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

// PostComment appends a comment to the item and bumps its comment counter
// in the same transaction.
func (s *Service) PostComment(ctx context.Context, itemID, authorID, body string) (Comment, error) {
	commentID, err := s.ids.NewID()
	if err != nil {
		return Comment{}, err
	}
	comment := Comment{
		CommentID:        commentID,
		ItemID:           itemID,
		AuthorID:         authorID,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		err := tx.Where("item_id = ?", itemID).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Create(&comment).Error; err != nil {
			return err
		}
		_, err = s.counters.Apply(tx, counter.CommentsKey(itemID), 1)
		return err
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// Timeline returns the target's items, newest first, when the viewer
// follows the target. Concurrent loads for the same target collapse into
// a single query.
func (s *Service) Timeline(ctx context.Context, viewerID, targetID string) ([]Item, error) {
	if viewerID != targetID {
		follows, err := s.follows.Exists(ctx, viewerID, targetID)
		if err != nil {
			return nil, err
		}
		if !follows {
			return nil, ErrNotFollowing
		}
	}

	result, err, _ := s.timeline.Do(targetID, func() (interface{}, error) {
		var items []Item
		err := s.db.WithContext(ctx).
			Where("owner_id = ?", targetID).
			Order("created_at_s DESC, item_id DESC").
			Find(&items).Error
		return items, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]Item), nil
}

// RankingEntries streams every item into ranking index entries; used to
// rebuild the in-memory index at startup from the durable score column.
func (s *Service) RankingEntries(ctx context.Context) ([]ranking.Entry, error) {
	var items []Item
	if err := s.db.WithContext(ctx).Find(&items).Error; err != nil {
		return nil, err
	}
	entries := make([]ranking.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, ranking.Entry{
			ID:        item.ItemID,
			Score:     item.Score,
			CreatedAt: time.Unix(item.CreatedAtSeconds, 0).UTC(),
		})
	}
	return entries, nil
}

// OwnedItemIDs lists the ids of every item owned by the user, inside the
// caller's transaction.
func (s *Service) OwnedItemIDs(tx *gorm.DB, ownerID string) ([]string, error) {
	var ids []string
	err := tx.Model(&Item{}).Where("owner_id = ?", ownerID).Pluck("item_id", &ids).Error
	return ids, err
}

// PurgeItem removes the item, its comments, and its counters inside the
// caller's transaction. Vote rows are the vote coordinator's to purge.
func (s *Service) PurgeItem(tx *gorm.DB, itemID string) error {
	if err := tx.Where("item_id = ?", itemID).Delete(&Comment{}).Error; err != nil {
		return err
	}
	if err := s.counters.Drop(tx, counter.VotesKey(itemID), counter.CommentsKey(itemID)); err != nil {
		return err
	}
	return tx.Where("item_id = ?", itemID).Delete(&Item{}).Error
}
