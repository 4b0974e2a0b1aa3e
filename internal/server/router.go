package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/voting"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "orbit_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingGraphService  = errors.New("graph service dependency required")
	errMissingVotingService = errors.New("voting service dependency required")
	errMissingContent       = errors.New("content service dependency required")
	errMissingRankingIndex  = errors.New("ranking index dependency required")
	errMissingCounters      = errors.New("counter store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates bearer tokens for API sessions.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	TokenManager SessionTokenManager
	Users        *users.Service
	Graph        *graph.Service
	Voting       *voting.Service
	Content      *content.Service
	Ranking      *ranking.Index
	Counters     *counter.Store
	Events       *EventDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler wires the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Graph == nil {
		return nil, errMissingGraphService
	}
	if deps.Voting == nil {
		return nil, errMissingVotingService
	}
	if deps.Content == nil {
		return nil, errMissingContent
	}
	if deps.Ranking == nil {
		return nil, errMissingRankingIndex
	}
	if deps.Counters == nil {
		return nil, errMissingCounters
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		users:    deps.Users,
		graph:    deps.Graph,
		voting:   deps.Voting,
		content:  deps.Content,
		ranking:  deps.Ranking,
		counters: deps.Counters,
		events:   events,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/follows/:target", handler.handleFollow)
	protected.DELETE("/follows/:target", handler.handleUnfollow)
	protected.POST("/items", handler.handlePostItem)
	protected.GET("/items/:id", handler.handleGetItem)
	protected.POST("/items/:id/votes", handler.handleCastVote)
	protected.DELETE("/items/:id/votes", handler.handleRemoveVote)
	protected.POST("/votes/switch", handler.handleSwitchVote)
	protected.POST("/items/:id/comments", handler.handlePostComment)
	protected.GET("/timeline/:target", handler.handleTimeline)
	protected.GET("/ranking", handler.handleRanking)
	protected.GET("/events", handler.handleEvents)
	protected.DELETE("/account", handler.handleDeleteAccount)

	return router, nil
}

type httpHandler struct {
	tokens   SessionTokenManager
	users    *users.Service
	graph    *graph.Service
	voting   *voting.Service
	content  *content.Service
	ranking  *ranking.Index
	counters *counter.Store
	events   *EventDispatcher
	logger   *zap.Logger
}

type registerRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Birthday string `json:"birthday"`
	Bio      string `json:"bio"`
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponsePayload struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Register(c.Request.Context(), request.Username, request.Password, request.Birthday, request.Bio)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSession(c, user.UserID)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSession(c, user.UserID)
}

func (h *httpHandler) respondSession(c *gin.Context, userID string) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		UserID:      userID,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	targetID := c.Param("target")

	if err := h.graph.Follow(c.Request.Context(), callerID, targetID); err != nil {
		h.respondError(c, err)
		return
	}
	h.events.Publish(Event{
		UserID:    targetID,
		EventType: EventNewFollower,
		SubjectID: callerID,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "following"})
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	targetID := c.Param("target")

	if err := h.graph.Unfollow(c.Request.Context(), callerID, targetID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unfollowed"})
}

type postItemRequestPayload struct {
	PayloadRef string `json:"payload_ref"`
}

type itemResponsePayload struct {
	ItemID           string  `json:"item_id"`
	OwnerID          string  `json:"owner_id"`
	PayloadRef       string  `json:"payload_ref"`
	Score            float64 `json:"score"`
	VoteCount        int64   `json:"vote_count"`
	CommentCount     int64   `json:"comment_count"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

func (h *httpHandler) handlePostItem(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)

	var request postItemRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PayloadRef) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, err := h.content.PostItem(c.Request.Context(), callerID, request.PayloadRef)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, itemResponsePayload{
		ItemID:           item.ItemID,
		OwnerID:          item.OwnerID,
		PayloadRef:       item.PayloadRef,
		Score:            item.Score,
		CreatedAtSeconds: item.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleGetItem(c *gin.Context) {
	itemID := c.Param("id")

	item, err := h.content.GetItem(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	votes, err := h.counters.Value(c.Request.Context(), counter.VotesKey(itemID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	comments, err := h.counters.Value(c.Request.Context(), counter.CommentsKey(itemID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, itemResponsePayload{
		ItemID:           item.ItemID,
		OwnerID:          item.OwnerID,
		PayloadRef:       item.PayloadRef,
		Score:            item.Score,
		VoteCount:        votes,
		CommentCount:     comments,
		CreatedAtSeconds: item.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	itemID := c.Param("id")

	item, err := h.content.GetItem(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.voting.Cast(c.Request.Context(), callerID, itemID); err != nil {
		h.respondError(c, err)
		return
	}
	h.events.Publish(Event{
		UserID:    item.OwnerID,
		EventType: EventItemVoted,
		SubjectID: itemID,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "voted"})
}

func (h *httpHandler) handleRemoveVote(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	itemID := c.Param("id")

	if err := h.voting.Remove(c.Request.Context(), callerID, itemID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "vote_removed"})
}

type switchVoteRequestPayload struct {
	FromItem string `json:"from_item"`
	ToItem   string `json:"to_item"`
}

func (h *httpHandler) handleSwitchVote(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)

	var request switchVoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FromItem == "" || request.ToItem == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.voting.Switch(c.Request.Context(), callerID, request.FromItem, request.ToItem); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "vote_switched"})
}

type postCommentRequestPayload struct {
	Body string `json:"body"`
}

type commentResponsePayload struct {
	CommentID        string `json:"comment_id"`
	ItemID           string `json:"item_id"`
	AuthorID         string `json:"author_id"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handlePostComment(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	itemID := c.Param("id")

	var request postCommentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	comment, err := h.content.PostComment(c.Request.Context(), itemID, callerID, request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commentResponsePayload{
		CommentID:        comment.CommentID,
		ItemID:           comment.ItemID,
		AuthorID:         comment.AuthorID,
		Body:             comment.Body,
		CreatedAtSeconds: comment.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleTimeline(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	targetID := c.Param("target")

	items, err := h.content.Timeline(c.Request.Context(), callerID, targetID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]itemResponsePayload, 0, len(items))
	for _, item := range items {
		response = append(response, itemResponsePayload{
			ItemID:           item.ItemID,
			OwnerID:          item.OwnerID,
			PayloadRef:       item.PayloadRef,
			Score:            item.Score,
			CreatedAtSeconds: item.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": response})
}

type rankingEntryPayload struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

func (h *httpHandler) handleRanking(c *gin.Context) {
	min, err := strconv.ParseFloat(c.DefaultQuery("min", "0"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	max, err := strconv.ParseFloat(c.DefaultQuery("max", "9007199254740992"), 64)
	if err != nil || max < min {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entries := h.ranking.RangeByScore(min, max)
	response := make([]rankingEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, rankingEntryPayload{ItemID: entry.ID, Score: entry.Score})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	c.JSON(http.StatusOK, gin.H{"events": h.events.Drain(callerID)})
}

type deleteAccountRequestPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)

	var request deleteAccountRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.users.Delete(c.Request.Context(), callerID, request.Password); err != nil {
		h.respondError(c, err)
		return
	}
	h.events.DropUser(callerID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, users.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
	case errors.Is(err, users.ErrInvalidUsername), errors.Is(err, users.ErrInvalidPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, graph.ErrSelfFollow):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_follow"})
	case errors.Is(err, graph.ErrEdgeExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_following"})
	case errors.Is(err, graph.ErrEdgeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_following"})
	case errors.Is(err, content.ErrNotFollowing):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_following"})
	case errors.Is(err, voting.ErrAlreadyVoted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_voted"})
	case errors.Is(err, voting.ErrNotVoted):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_voted"})
	case errors.Is(err, voting.ErrStale):
		c.JSON(http.StatusGone, gin.H{"error": "stale_item"})
	case errors.Is(err, users.ErrUserNotFound),
		errors.Is(err, graph.ErrUserNotFound),
		errors.Is(err, content.ErrItemNotFound),
		errors.Is(err, voting.ErrItemNotFound),
		errors.Is(err, counter.ErrCounterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
