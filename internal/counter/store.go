package counter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrCounterNotFound indicates the counter row was never initialized.
	ErrCounterNotFound = errors.New("counter: not found")
	// ErrNegativeCounter indicates the delta would drive the counter below zero.
	ErrNegativeCounter = errors.New("counter: value would become negative")

	errMissingDatabase = errors.New("counter: database handle is required")
)

// Counter is a named non-negative integer maintained with delta-only updates.
type Counter struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "counters"
}

// Key constructors for the shared counter namespace. Counters are created
// when their owning entity is created and dropped when it is deleted.

// FollowersKey names the counter of users following the given user.
func FollowersKey(userID string) string {
	return fmt.Sprintf("followers:%s", userID)
}

// FollowingKey names the counter of users the given user follows.
func FollowingKey(userID string) string {
	return fmt.Sprintf("following:%s", userID)
}

// VotesKey names the vote counter of an item.
func VotesKey(itemID string) string {
	return fmt.Sprintf("votes:%s", itemID)
}

// CommentsKey names the comment counter of an item.
func CommentsKey(itemID string) string {
	return fmt.Sprintf("comments:%s", itemID)
}

// StoreConfig describes the dependencies of the counter store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists counters and mutates them exclusively through atomic
// delta updates. Reading a value and writing a derived one back is not
// part of the contract on purpose.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a counter store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Init creates zero-valued counter rows for the given keys. It is called
// from the transaction that creates the owning entity.
func (s *Store) Init(tx *gorm.DB, keys ...string) error {
	for _, key := range keys {
		if err := tx.Create(&Counter{Key: key, Value: 0}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Drop removes the counter rows for the given keys. Missing rows are not
// an error so cascade cleanup stays idempotent.
func (s *Store) Drop(tx *gorm.DB, keys ...string) error {
	return tx.Where("key IN ?", keys).Delete(&Counter{}).Error
}

// Apply adds delta to the counter inside the caller's transaction and
// returns the new value. The update is a single guarded SQL statement so
// concurrent appliers can never lose updates or drive the value negative.
func (s *Store) Apply(tx *gorm.DB, key string, delta int64) (int64, error) {
	result := tx.Model(&Counter{}).
		Where("key = ? AND value + ? >= 0", key, delta).
		Update("value", gorm.Expr("value + ?", delta))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		var existing Counter
		err := tx.Where("key = ?", key).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrCounterNotFound, key)
		}
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s%+d", ErrNegativeCounter, key, delta)
	}

	var updated Counter
	if err := tx.Where("key = ?", key).Take(&updated).Error; err != nil {
		return 0, err
	}
	return updated.Value, nil
}

// Increment applies delta in its own transaction.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.Apply(tx, key, delta)
		if err != nil {
			return err
		}
		value = applied
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Value returns the current counter value without side effects.
func (s *Store) Value(ctx context.Context, key string) (int64, error) {
	var row Counter
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrCounterNotFound, key)
	}
	if err != nil {
		return 0, err
	}
	return row.Value, nil
}
