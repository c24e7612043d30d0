package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/clientcache"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/database"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/server"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/syncclient"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	e2eSigningSecret = "end-to-end-secret"
	e2eIssuer        = "manuscript-auth"
	e2eClientVersion = "1.3.0"
)

type stack struct {
	server    *httptest.Server
	issuer    *auth.TokenIssuer
	documents *documents.Service
}

func newStack(testContext *testing.T) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := kvstore.NewSQLStore(db)
	if err != nil {
		testContext.Fatalf("failed to build kv store: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{KV: store, Engine: crdt.NewLogEngine()})
	if err != nil {
		testContext.Fatalf("failed to build document service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	collabService, err := collab.NewService(collab.ServiceConfig{Database: db, Directory: userService})
	if err != nil {
		testContext.Fatalf("failed to build collab service: %v", err)
	}
	snapshotService, err := snapshots.NewService(snapshots.ServiceConfig{Database: db, Capturer: documentService})
	if err != nil {
		testContext.Fatalf("failed to build snapshot service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(e2eSigningSecret),
		Issuer:        e2eIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(e2eSigningSecret),
		Issuer:        e2eIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}
	gate := version.NewGate(version.GateConfig{ServerVersion: "1.4.0", MinClientVersion: "1.2.0"})

	syncGateway, err := gateway.New(gateway.Config{
		Tokens:     validator,
		Identities: userService,
		Access:     collabService,
		Documents:  documentService,
		Gate:       gate,
	})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	collabService.RegisterObserver(syncGateway)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   validator,
		Identities: userService,
		Projects:   collabService,
		Snapshots:  snapshotService,
		Gate:       gate,
		Sync:       syncGateway.Handle,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		syncGateway.Close()
		testServer.Close()
	})
	return &stack{server: testServer, issuer: issuer, documents: documentService}
}

func (s *stack) token(testContext *testing.T, username string) string {
	testContext.Helper()
	token, _, err := s.issuer.IssueSessionToken(auth.SessionSubject{UserID: username, Username: username}, nil)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *stack) call(testContext *testing.T, method, path, token string, body interface{}, status int) []byte {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
	}
	request, err := http.NewRequest(method, s.server.URL+path, &payload)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	_, _ = buffer.ReadFrom(response.Body)
	if response.StatusCode != status {
		testContext.Fatalf("%s %s: expected %d, got %d: %s", method, path, status, response.StatusCode, buffer.String())
	}
	return buffer.Bytes()
}

// client builds a sync client for one browser profile holding token.
func (s *stack) client(testContext *testing.T, profileID, token string) (*syncclient.Client, *clientcache.Cache) {
	testContext.Helper()
	storageContext, err := clientcache.Server(profileID)
	if err != nil {
		testContext.Fatalf("failed to build storage context: %v", err)
	}
	cache, err := clientcache.New(kvstore.NewMemoryStore(), crdt.NewLogEngine(), storageContext)
	if err != nil {
		testContext.Fatalf("failed to build cache: %v", err)
	}
	if err := cache.PutAuthToken(context.Background(), token); err != nil {
		testContext.Fatalf("failed to store token: %v", err)
	}
	infoCache, err := version.NewInfoCache(version.InfoCacheConfig{Store: cache})
	if err != nil {
		testContext.Fatalf("failed to build version cache: %v", err)
	}
	client, err := syncclient.New(syncclient.Config{
		SyncURL:       "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/sync",
		Cache:         cache,
		ClientVersion: e2eClientVersion,
		Versions:      infoCache,
		HealthBase:    s.server.URL,
		BaseBackoff:   10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	return client, cache
}

func cachedText(testContext *testing.T, session *syncclient.Session) string {
	testContext.Helper()
	state, err := session.Document(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read cache: %v", err)
	}
	text, err := crdt.NewLogEngine().PlainText(state)
	if err != nil {
		testContext.Fatalf("failed to project cache: %v", err)
	}
	return text
}

func waitStatus(testContext *testing.T, session *syncclient.Session, description string, cond func(syncclient.Status) bool) {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Wait(ctx, cond); err != nil {
		testContext.Fatalf("timed out waiting for %s; status %+v", description, session.Status())
	}
}

func eventually(testContext *testing.T, description string, cond func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", description)
}

func isSynced(status syncclient.Status) bool { return status.State == gateway.StateSynced }

func TestCollaboratorsConvergeAndLoseAccessOnRemoval(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	alice := s.token(t, "alice")
	bob := s.token(t, "bob")

	s.call(t, http.MethodGet, "/api/v1/projects", bob, nil, http.StatusOK)
	s.call(t, http.MethodPost, "/api/v1/projects", alice, map[string]string{"slug": "novel", "title": "Novel"}, http.StatusCreated)
	s.call(t, http.MethodPost, "/api/v1/projects/alice/novel/collaborators", alice, map[string]string{"username": "bob", "role": "editor"}, http.StatusCreated)
	s.call(t, http.MethodPost, "/api/v1/projects/alice/novel/invitations/accept", bob, nil, http.StatusOK)

	chapter := documents.DocumentID{Owner: "alice", Slug: "novel", ElementID: "chapter-1"}
	aliceClient, _ := s.client(t, "alice-laptop", alice)
	bobClient, _ := s.client(t, "bob-laptop", bob)

	aliceSession, err := aliceClient.Open(ctx, chapter)
	if err != nil {
		t.Fatalf("alice open failed: %v", err)
	}
	defer aliceSession.Close()
	bobSession, err := bobClient.Open(ctx, chapter)
	if err != nil {
		t.Fatalf("bob open failed: %v", err)
	}
	defer bobSession.Close()
	waitStatus(t, aliceSession, "alice sync", isSynced)
	waitStatus(t, bobSession, "bob sync", isSynced)

	if err := aliceSession.Edit(ctx, crdt.NewFragment(1, 0, "Alice wrote this. ")); err != nil {
		t.Fatalf("alice edit failed: %v", err)
	}
	if err := bobSession.Edit(ctx, crdt.NewFragment(2, 0, "Bob replied.")); err != nil {
		t.Fatalf("bob edit failed: %v", err)
	}

	const expected = "Alice wrote this. Bob replied."
	eventually(t, "replicas to converge", func() bool {
		return cachedText(t, aliceSession) == expected && cachedText(t, bobSession) == expected
	})
	state, err := s.documents.Get(ctx, chapter)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if text, _ := s.documents.Engine().PlainText(state); text != expected {
		t.Fatalf("unexpected server text %q", text)
	}

	body := s.call(t, http.MethodPost, "/api/v1/projects/alice/novel/snapshots", bob, map[string]string{"elementId": "chapter-1", "name": "Both voices"}, http.StatusCreated)
	var snapshot snapshots.DocumentSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.WordCount != 5 {
		t.Fatalf("expected five words, got %d", snapshot.WordCount)
	}

	s.call(t, http.MethodDelete, "/api/v1/projects/alice/novel/collaborators/bob", alice, nil, http.StatusNoContent)
	if err := bobSession.Edit(ctx, crdt.NewFragment(2, 1, " Bob again.")); err != nil {
		t.Fatalf("bob local edit failed: %v", err)
	}
	waitStatus(t, bobSession, "bob to be closed", func(status syncclient.Status) bool { return status.State == gateway.StateClosed })
	if !errors.Is(bobSession.Err(), collab.ErrForbidden) {
		t.Fatalf("expected forbidden close, got %v", bobSession.Err())
	}

	time.Sleep(50 * time.Millisecond)
	if text := cachedText(t, aliceSession); text != expected {
		t.Fatalf("revoked edit reached alice: %q", text)
	}
}

func TestOutdatedClientIsStoppedBeforeDialing(t *testing.T) {
	s := newStack(t)
	alice := s.token(t, "alice")
	s.call(t, http.MethodPost, "/api/v1/projects", alice, map[string]string{"slug": "novel"}, http.StatusCreated)

	storageContext, err := clientcache.Server("old-laptop")
	if err != nil {
		t.Fatalf("failed to build storage context: %v", err)
	}
	cache, err := clientcache.New(kvstore.NewMemoryStore(), crdt.NewLogEngine(), storageContext)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	if err := cache.PutAuthToken(context.Background(), alice); err != nil {
		t.Fatalf("failed to store token: %v", err)
	}
	infoCache, err := version.NewInfoCache(version.InfoCacheConfig{Store: cache})
	if err != nil {
		t.Fatalf("failed to build version cache: %v", err)
	}
	client, err := syncclient.New(syncclient.Config{
		SyncURL:       "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/sync",
		Cache:         cache,
		ClientVersion: "1.0.0",
		Versions:      infoCache,
		HealthBase:    s.server.URL,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	session, err := client.Open(context.Background(), documents.DocumentID{Owner: "alice", Slug: "novel", ElementID: "chapter-1"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitStatus(t, session, "close", func(status syncclient.Status) bool { return status.State == gateway.StateClosed })
	if !errors.Is(session.Err(), version.ErrClientVersionTooOld) {
		t.Fatalf("expected client-version error, got %v", session.Err())
	}
	if !strings.Contains(session.Err().Error(), "1.2.0") {
		t.Fatalf("expected the required minimum in the message, got %v", session.Err())
	}
}
