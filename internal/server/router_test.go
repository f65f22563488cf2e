package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/auth"
	"github.com/coauthorhq/coauthor/backend/internal/collab"
	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/history"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testStack struct {
	server   *httptest.Server
	issuer   *auth.TokenIssuer
	store    *document.Store
	sessions *collab.Registry
	history  *history.Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&document.Document{}, &document.AccessEntry{}, &document.Version{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := document.NewStore(document.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	historyService, err := history.NewService(history.ServiceConfig{
		Store:            store,
		Logger:           zap.NewNop(),
		SnapshotInterval: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build history service: %v", err)
	}
	sessions, err := collab.NewRegistry(collab.RegistryConfig{
		Store:       store,
		Sink:        historyService,
		GracePeriod: time.Hour,
		FlushDelay:  50 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build session registry: %v", err)
	}
	historyService.BindSessions(sessions)

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "coauthor-auth",
		Audience:      "coauthor-api",
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Store:        store,
		Sessions:     sessions,
		History:      historyService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		sessions.Close()
	})
	return &testStack{
		server:   server,
		issuer:   issuer,
		store:    store,
		sessions: sessions,
		history:  historyService,
	}
}

func (s *testStack) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.Identity{
		UserID:      userID,
		DisplayName: displayName,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func decodeResponse(t *testing.T, response *http.Response, into interface{}) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(into); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestRouterRejectsMissingToken(t *testing.T) {
	stack := newTestStack(t)

	response := stack.request(t, http.MethodGet, "/documents/doc-1", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestRouterHealthEndpointIsPublic(t *testing.T) {
	stack := newTestStack(t)

	response := stack.request(t, http.MethodGet, "/healthz", "", nil)
	var payload map[string]interface{}
	decodeResponse(t, response, &payload)
	if payload["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestRouterCreateAndFetchDocument(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-owner", "Owner")

	response := stack.request(t, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Title:      "Plan",
		Content:    "three words here",
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", response.StatusCode)
	}
	var created documentPayload
	decodeResponse(t, response, &created)
	if created.OwnerID != "user-owner" || created.WordCount != 3 {
		t.Fatalf("unexpected created document: %+v", created)
	}

	response = stack.request(t, http.MethodGet, "/documents/doc-1", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var fetched documentPayload
	decodeResponse(t, response, &fetched)
	if fetched.Content != "three words here" {
		t.Fatalf("unexpected content %q", fetched.Content)
	}
}

func TestRouterEnforcesDocumentAccess(t *testing.T) {
	stack := newTestStack(t)
	owner := stack.token(t, "user-owner", "Owner")
	stranger := stack.token(t, "user-stranger", "Stranger")

	response := stack.request(t, http.MethodPost, "/documents", owner, createDocumentPayload{
		DocumentID: "doc-private",
		Title:      "Secret",
	})
	response.Body.Close()

	response = stack.request(t, http.MethodGet, "/documents/doc-private", stranger, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", response.StatusCode)
	}

	response = stack.request(t, http.MethodPost, "/documents", owner, createDocumentPayload{
		DocumentID: "doc-shared",
		Title:      "Open",
		Visibility: "shared",
	})
	response.Body.Close()

	response = stack.request(t, http.MethodGet, "/documents/doc-shared", stranger, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a shared document, got %d", response.StatusCode)
	}

	response = stack.request(t, http.MethodGet, "/documents/doc-missing", owner, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown document, got %d", response.StatusCode)
	}
}

func TestRouterVersionLifecycle(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-owner", "Owner")
	ctx := context.Background()

	response := stack.request(t, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Title:      "Plan",
		Content:    "A",
	})
	response.Body.Close()

	response = stack.request(t, http.MethodPost, "/documents/doc-1/versions", token, createSnapshotPayload{
		Description: "first draft",
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for a manual snapshot, got %d", response.StatusCode)
	}
	var snapshot versionPayload
	decodeResponse(t, response, &snapshot)
	if snapshot.Number != 1 || snapshot.Kind != "manual" || snapshot.Description != "first draft" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	documentID, err := document.NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	if err := stack.store.UpdateContent(ctx, documentID, document.ContentUpdate{Content: "AB"}); err != nil {
		t.Fatalf("failed to advance content: %v", err)
	}
	response = stack.request(t, http.MethodPost, "/documents/doc-1/versions", token, createSnapshotPayload{})
	response.Body.Close()
	if err := stack.store.UpdateContent(ctx, documentID, document.ContentUpdate{Content: "ABC"}); err != nil {
		t.Fatalf("failed to advance content: %v", err)
	}

	response = stack.request(t, http.MethodGet, "/documents/doc-1/versions", token, nil)
	var listed struct {
		Versions []versionPayload `json:"versions"`
	}
	decodeResponse(t, response, &listed)
	if len(listed.Versions) != 2 || listed.Versions[0].Number != 2 {
		t.Fatalf("unexpected version list: %+v", listed.Versions)
	}

	response = stack.request(t, http.MethodGet, "/documents/doc-1/versions/1", token, nil)
	var fetched versionPayload
	decodeResponse(t, response, &fetched)
	if fetched.Content != "A" {
		t.Fatalf("expected version 1 content %q, got %q", "A", fetched.Content)
	}

	response = stack.request(t, http.MethodGet, "/documents/doc-1/versions/9", token, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown version, got %d", response.StatusCode)
	}
}

func TestRouterRestoreCreatesBackupThenRestore(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-owner", "Owner")
	ctx := context.Background()

	response := stack.request(t, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Title:      "Plan",
		Content:    "A",
	})
	response.Body.Close()

	documentID, err := document.NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	response = stack.request(t, http.MethodPost, "/documents/doc-1/versions", token, createSnapshotPayload{})
	response.Body.Close()
	if err := stack.store.UpdateContent(ctx, documentID, document.ContentUpdate{Content: "AB"}); err != nil {
		t.Fatalf("failed to advance content: %v", err)
	}
	response = stack.request(t, http.MethodPost, "/documents/doc-1/versions", token, createSnapshotPayload{})
	response.Body.Close()
	if err := stack.store.UpdateContent(ctx, documentID, document.ContentUpdate{Content: "ABC"}); err != nil {
		t.Fatalf("failed to advance content: %v", err)
	}

	response = stack.request(t, http.MethodPost, "/documents/doc-1/restore", token, restorePayload{Version: 1})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for restore, got %d", response.StatusCode)
	}
	var restored struct {
		BackupVersion   int64  `json:"backup_version"`
		RestoredVersion int64  `json:"restored_version"`
		Content         string `json:"content"`
	}
	decodeResponse(t, response, &restored)
	if restored.BackupVersion != 3 || restored.RestoredVersion != 4 || restored.Content != "A" {
		t.Fatalf("unexpected restore result: %+v", restored)
	}

	record, err := stack.store.Get(ctx, documentID)
	if err != nil {
		t.Fatalf("failed to reload document: %v", err)
	}
	if record.Content != "A" || record.CurrentVersion != 4 {
		t.Fatalf("expected the record rewound to v1 content, got %+v", record)
	}

	backup, err := stack.store.GetVersion(ctx, documentID, document.VersionNumber(3))
	if err != nil {
		t.Fatalf("failed to load backup snapshot: %v", err)
	}
	if backup.Content != "ABC" {
		t.Fatalf("expected the backup to hold the pre-restore content, got %q", backup.Content)
	}

	response = stack.request(t, http.MethodPost, "/documents/doc-1/restore", token, restorePayload{Version: 42})
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown restore target, got %d", response.StatusCode)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t)

	response := stack.request(t, http.MethodGet, "/metrics", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", response.StatusCode)
	}
}
