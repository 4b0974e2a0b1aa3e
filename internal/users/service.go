package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/voting"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrUserNotFound indicates no user exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUnauthorized covers both an unknown account and a wrong password;
	// callers must not be able to tell the two apart.
	ErrUnauthorized = errors.New("users: unauthorized")
	// ErrInvalidUsername indicates an empty or oversized username.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidPassword indicates an empty password.
	ErrInvalidPassword = errors.New("users: invalid password")

	errMissingDatabase   = errors.New("users: database handle is required")
	errMissingCounters   = errors.New("users: counter store is required")
	errMissingGraph      = errors.New("users: graph service is required")
	errMissingVoting     = errors.New("users: voting service is required")
	errMissingContent    = errors.New("users: content service is required")
	errMissingRanking    = errors.New("users: ranking index is required")
	errMissingIDProvider = errors.New("users: id provider is required")
)

const maxUsernameLength = 190

// dummyHash is compared against when the account does not exist, so the
// unauthorized path costs the same whether the username is known or not.
var dummyHash []byte

func init() {
	hash, err := bcrypt.GenerateFromPassword([]byte("orbit-dummy-credential"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	dummyHash = hash
}

// IDProvider issues user identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the users service.
type ServiceConfig struct {
	Database   *gorm.DB
	Counters   *counter.Store
	Graph      *graph.Service
	Voting     *voting.Service
	Content    *content.Service
	Ranking    *ranking.Index
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages accounts and orchestrates cascade deletion.
type Service struct {
	db       *gorm.DB
	counters *counter.Store
	graph    *graph.Service
	voting   *voting.Service
	content  *content.Service
	index    *ranking.Index
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the users service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Counters == nil {
		return nil, errMissingCounters
	}
	if cfg.Graph == nil {
		return nil, errMissingGraph
	}
	if cfg.Voting == nil {
		return nil, errMissingVoting
	}
	if cfg.Content == nil {
		return nil, errMissingContent
	}
	if cfg.Ranking == nil {
		return nil, errMissingRanking
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
		graph:    cfg.Graph,
		voting:   cfg.Voting,
		content:  cfg.Content,
		index:    cfg.Ranking,
		ids:      cfg.IDProvider,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Register creates an account with pre-initialized counters.
func (s *Service) Register(ctx context.Context, username, password, birthday, bio string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLength {
		return User{}, ErrInvalidUsername
	}
	if password == "" {
		return User{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	userID, err := s.ids.NewID()
	if err != nil {
		return User{}, err
	}
	user := User{
		UserID:           userID,
		Username:         username,
		PasswordHash:     string(hash),
		Birthday:         birthday,
		Bio:              bio,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("username = ?", username).Take(&existing).Error
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUsernameTaken
			}
			return err
		}
		return s.counters.Init(tx, counter.FollowersKey(userID), counter.FollowingKey(userID))
	})
	if err != nil {
		return User{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", userID), zap.String("username", username))
	return user, nil
}

// Authenticate verifies username and password, returning ErrUnauthorized
// for both an unknown account and a credential mismatch.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return User{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

// Get returns the stored user.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Delete removes the account and everything structurally dependent on it
// as one transaction: all follow edges (partner counters fixed), every
// owned item with its votes and comments, the user's counters, and the
// user row. Comments and votes the user authored on other users' items
// survive. A failed credential check or any mid-cascade failure leaves
// the account fully intact.
func (s *Service) Delete(ctx context.Context, userID, password string) error {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrUnauthorized
	}

	var purgedItems []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.graph.DetachUser(tx, userID); err != nil {
			return err
		}

		itemIDs, err := s.content.OwnedItemIDs(tx, userID)
		if err != nil {
			return err
		}
		for _, itemID := range itemIDs {
			if _, err := s.voting.PurgeItemVotes(tx, itemID); err != nil {
				return err
			}
			if err := s.content.PurgeItem(tx, itemID); err != nil {
				return err
			}
		}
		purgedItems = itemIDs

		if err := s.counters.Drop(tx, counter.FollowersKey(userID), counter.FollowingKey(userID)); err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&User{}).Error
	})
	if err != nil {
		return err
	}

	for _, itemID := range purgedItems {
		s.index.Remove(itemID)
	}
	s.logger.Info("user deleted",
		zap.String("user_id", userID), zap.Int("purged_items", len(purgedItems)))
	return nil
}
