package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/voting"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var routerTestSequence int64

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", atomic.AddInt64(&routerTestSequence, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.User{},
		&graph.Edge{},
		&content.Item{},
		&content.Comment{},
		&voting.Vote{},
		&counter.Counter{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	counters, err := counter.NewStore(counter.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build counter store: %v", err)
	}
	index := ranking.NewIndex(ranking.IndexConfig{})
	graphService, err := graph.NewService(graph.ServiceConfig{Database: db, Counters: counters})
	if err != nil {
		t.Fatalf("failed to build graph service: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		Counters:   counters,
		Ranking:    index,
		Follows:    graphService,
		IDProvider: content.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build content service: %v", err)
	}
	votingService, err := voting.NewService(voting.ServiceConfig{Database: db, Counters: counters, Ranking: index})
	if err != nil {
		t.Fatalf("failed to build voting service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Counters:   counters,
		Graph:      graphService,
		Voting:     votingService,
		Content:    contentService,
		Ranking:    index,
		IDProvider: content.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "orbit-auth",
		Audience:      "orbit-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		Users:        usersService,
		Graph:        graphService,
		Voting:       votingService,
		Content:      contentService,
		Ranking:      index,
		Counters:     counters,
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}
	return handler
}

func performRequest(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode request payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func registerUser(t *testing.T, handler http.Handler, username string) (string, string) {
	t.Helper()
	recorder := performRequest(t, handler, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"password": "hunter2-" + username,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected register to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponsePayload
	decodeResponse(t, recorder, &session)
	if session.UserID == "" || session.AccessToken == "" {
		t.Fatalf("expected session payload, got %+v", session)
	}
	return session.UserID, session.AccessToken
}

func postItem(t *testing.T, handler http.Handler, token, payloadRef string) string {
	t.Helper()
	recorder := performRequest(t, handler, http.MethodPost, "/items", token, map[string]string{
		"payload_ref": payloadRef,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected item creation to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var item itemResponsePayload
	decodeResponse(t, recorder, &item)
	if item.ItemID == "" {
		t.Fatalf("expected item id in response, got %+v", item)
	}
	return item.ItemID
}

func TestRegisterAndLogin(t *testing.T) {
	handler := newTestHandler(t)

	userID, _ := registerUser(t, handler, "alice")

	login := performRequest(t, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter2-alice",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", login.Code, login.Body.String())
	}
	var session sessionResponsePayload
	decodeResponse(t, login, &session)
	if session.UserID != userID {
		t.Fatalf("expected login to return user %q, got %q", userID, session.UserID)
	}
	if session.TokenType != "Bearer" {
		t.Fatalf("expected bearer token type, got %q", session.TokenType)
	}

	badLogin := performRequest(t, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrong",
	})
	if badLogin.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong password rejected with 401, got %d", badLogin.Code)
	}

	duplicate := performRequest(t, handler, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice",
		"password": "another",
	})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected duplicate username rejected with 409, got %d", duplicate.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	handler := newTestHandler(t)

	missing := performRequest(t, handler, http.MethodGet, "/ranking", "", nil)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing token rejected with 401, got %d", missing.Code)
	}

	garbage := performRequest(t, handler, http.MethodGet, "/ranking", "not-a-token", nil)
	if garbage.Code != http.StatusUnauthorized {
		t.Fatalf("expected malformed token rejected with 401, got %d", garbage.Code)
	}
}

func TestFollowPublishesEvent(t *testing.T) {
	handler := newTestHandler(t)

	aliceID, aliceToken := registerUser(t, handler, "alice")
	bobID, bobToken := registerUser(t, handler, "bob")

	follow := performRequest(t, handler, http.MethodPost, "/follows/"+bobID, aliceToken, nil)
	if follow.Code != http.StatusOK {
		t.Fatalf("expected follow to succeed, got %d: %s", follow.Code, follow.Body.String())
	}

	events := performRequest(t, handler, http.MethodGet, "/events", bobToken, nil)
	if events.Code != http.StatusOK {
		t.Fatalf("expected events drain to succeed, got %d", events.Code)
	}
	var drained struct {
		Events []Event `json:"events"`
	}
	decodeResponse(t, events, &drained)
	if len(drained.Events) != 1 {
		t.Fatalf("expected one pending event, got %d", len(drained.Events))
	}
	if drained.Events[0].EventType != EventNewFollower || drained.Events[0].SubjectID != aliceID {
		t.Fatalf("expected new-follower event from %q, got %+v", aliceID, drained.Events[0])
	}

	again := performRequest(t, handler, http.MethodPost, "/follows/"+bobID, aliceToken, nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("expected duplicate follow rejected with 409, got %d", again.Code)
	}

	selfFollow := performRequest(t, handler, http.MethodPost, "/follows/"+aliceID, aliceToken, nil)
	if selfFollow.Code != http.StatusBadRequest {
		t.Fatalf("expected self follow rejected with 400, got %d", selfFollow.Code)
	}
}

func TestVoteFlowUpdatesStatsAndRanking(t *testing.T) {
	handler := newTestHandler(t)

	_, ownerToken := registerUser(t, handler, "owner")
	_, voterToken := registerUser(t, handler, "voter")

	itemID := postItem(t, handler, ownerToken, "payload/one")

	vote := performRequest(t, handler, http.MethodPost, "/items/"+itemID+"/votes", voterToken, nil)
	if vote.Code != http.StatusOK {
		t.Fatalf("expected vote to succeed, got %d: %s", vote.Code, vote.Body.String())
	}

	stats := performRequest(t, handler, http.MethodGet, "/items/"+itemID, voterToken, nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("expected item lookup to succeed, got %d", stats.Code)
	}
	var item itemResponsePayload
	decodeResponse(t, stats, &item)
	if item.VoteCount != 1 {
		t.Fatalf("expected vote count 1, got %d", item.VoteCount)
	}
	if item.Score != voting.DefaultVoteWeight {
		t.Fatalf("expected score %v after one vote, got %v", float64(voting.DefaultVoteWeight), item.Score)
	}

	rankingResponse := performRequest(t, handler, http.MethodGet, "/ranking?min=1", voterToken, nil)
	if rankingResponse.Code != http.StatusOK {
		t.Fatalf("expected ranking query to succeed, got %d", rankingResponse.Code)
	}
	var ranked struct {
		Entries []rankingEntryPayload `json:"entries"`
	}
	decodeResponse(t, rankingResponse, &ranked)
	if len(ranked.Entries) != 1 || ranked.Entries[0].ItemID != itemID {
		t.Fatalf("expected ranking to hold the voted item, got %+v", ranked.Entries)
	}

	ownerEvents := performRequest(t, handler, http.MethodGet, "/events", ownerToken, nil)
	var drained struct {
		Events []Event `json:"events"`
	}
	decodeResponse(t, ownerEvents, &drained)
	if len(drained.Events) != 1 || drained.Events[0].EventType != EventItemVoted {
		t.Fatalf("expected item-voted event for owner, got %+v", drained.Events)
	}

	doubleVote := performRequest(t, handler, http.MethodPost, "/items/"+itemID+"/votes", voterToken, nil)
	if doubleVote.Code != http.StatusConflict {
		t.Fatalf("expected duplicate vote rejected with 409, got %d", doubleVote.Code)
	}

	removeVote := performRequest(t, handler, http.MethodDelete, "/items/"+itemID+"/votes", voterToken, nil)
	if removeVote.Code != http.StatusOK {
		t.Fatalf("expected vote removal to succeed, got %d", removeVote.Code)
	}
	removeAgain := performRequest(t, handler, http.MethodDelete, "/items/"+itemID+"/votes", voterToken, nil)
	if removeAgain.Code != http.StatusNotFound {
		t.Fatalf("expected second removal rejected with 404, got %d", removeAgain.Code)
	}
}

func TestSwitchVoteMovesBetweenItems(t *testing.T) {
	handler := newTestHandler(t)

	_, ownerToken := registerUser(t, handler, "owner")
	_, voterToken := registerUser(t, handler, "voter")

	firstItem := postItem(t, handler, ownerToken, "payload/one")
	secondItem := postItem(t, handler, ownerToken, "payload/two")

	if vote := performRequest(t, handler, http.MethodPost, "/items/"+firstItem+"/votes", voterToken, nil); vote.Code != http.StatusOK {
		t.Fatalf("expected vote to succeed, got %d", vote.Code)
	}

	switched := performRequest(t, handler, http.MethodPost, "/votes/switch", voterToken, map[string]string{
		"from_item": firstItem,
		"to_item":   secondItem,
	})
	if switched.Code != http.StatusOK {
		t.Fatalf("expected switch to succeed, got %d: %s", switched.Code, switched.Body.String())
	}

	first := performRequest(t, handler, http.MethodGet, "/items/"+firstItem, voterToken, nil)
	var firstStats itemResponsePayload
	decodeResponse(t, first, &firstStats)
	if firstStats.VoteCount != 0 {
		t.Fatalf("expected source item drained to 0 votes, got %d", firstStats.VoteCount)
	}

	second := performRequest(t, handler, http.MethodGet, "/items/"+secondItem, voterToken, nil)
	var secondStats itemResponsePayload
	decodeResponse(t, second, &secondStats)
	if secondStats.VoteCount != 1 {
		t.Fatalf("expected target item at 1 vote, got %d", secondStats.VoteCount)
	}
}

func TestTimelineRequiresFollowEdge(t *testing.T) {
	handler := newTestHandler(t)

	authorID, authorToken := registerUser(t, handler, "author")
	_, readerToken := registerUser(t, handler, "reader")

	postItem(t, handler, authorToken, "payload/one")

	blocked := performRequest(t, handler, http.MethodGet, "/timeline/"+authorID, readerToken, nil)
	if blocked.Code != http.StatusForbidden {
		t.Fatalf("expected timeline blocked without follow edge, got %d", blocked.Code)
	}

	if follow := performRequest(t, handler, http.MethodPost, "/follows/"+authorID, readerToken, nil); follow.Code != http.StatusOK {
		t.Fatalf("expected follow to succeed, got %d", follow.Code)
	}

	allowed := performRequest(t, handler, http.MethodGet, "/timeline/"+authorID, readerToken, nil)
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected timeline after follow, got %d", allowed.Code)
	}
	var timeline struct {
		Items []itemResponsePayload `json:"items"`
	}
	decodeResponse(t, allowed, &timeline)
	if len(timeline.Items) != 1 {
		t.Fatalf("expected one timeline item, got %d", len(timeline.Items))
	}
}

func TestCommentOnItem(t *testing.T) {
	handler := newTestHandler(t)

	_, ownerToken := registerUser(t, handler, "owner")
	_, readerToken := registerUser(t, handler, "reader")

	itemID := postItem(t, handler, ownerToken, "payload/one")

	comment := performRequest(t, handler, http.MethodPost, "/items/"+itemID+"/comments", readerToken, map[string]string{
		"body": "nice find",
	})
	if comment.Code != http.StatusCreated {
		t.Fatalf("expected comment creation to succeed, got %d: %s", comment.Code, comment.Body.String())
	}

	stats := performRequest(t, handler, http.MethodGet, "/items/"+itemID, readerToken, nil)
	var item itemResponsePayload
	decodeResponse(t, stats, &item)
	if item.CommentCount != 1 {
		t.Fatalf("expected comment count 1, got %d", item.CommentCount)
	}

	empty := performRequest(t, handler, http.MethodPost, "/items/"+itemID+"/comments", readerToken, map[string]string{
		"body": "   ",
	})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected blank comment rejected with 400, got %d", empty.Code)
	}
}

func TestDeleteAccountRevokesAccess(t *testing.T) {
	handler := newTestHandler(t)

	_, aliceToken := registerUser(t, handler, "alice")

	wrongPassword := performRequest(t, handler, http.MethodDelete, "/account", aliceToken, map[string]string{
		"password": "wrong",
	})
	if wrongPassword.Code != http.StatusUnauthorized {
		t.Fatalf("expected delete with wrong password rejected, got %d", wrongPassword.Code)
	}

	deleted := performRequest(t, handler, http.MethodDelete, "/account", aliceToken, map[string]string{
		"password": "hunter2-alice",
	})
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected account deletion to succeed, got %d: %s", deleted.Code, deleted.Body.String())
	}

	login := performRequest(t, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter2-alice",
	})
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("expected login after deletion rejected with 401, got %d", login.Code)
	}
}
