package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/auth"
	"github.com/coauthorhq/coauthor/backend/internal/collab"
	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/history"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityContextKey = "coauthor_identity"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingStore        = errors.New("document store dependency required")
	errMissingSessions     = errors.New("session registry dependency required")
	errMissingHistory      = errors.New("history service dependency required")
)

// TokenValidator checks bearer tokens and returns the collaborator identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

type Dependencies struct {
	TokenManager   TokenValidator
	Store          *document.Store
	Sessions       *collab.Registry
	History        *history.Service
	Logger         *zap.Logger
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		store:    deps.Store,
		sessions: deps.Sessions,
		history:  deps.History,
		logger:   logger,
	}

	registry := prometheus.NewRegistry()
	metrics.RegisterCollectors(registry)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.POST("/documents/:id/save", handler.handleSaveDocument)
	protected.GET("/documents/:id/versions", handler.handleListVersions)
	protected.POST("/documents/:id/versions", handler.handleCreateSnapshot)
	protected.GET("/documents/:id/versions/:number", handler.handleGetVersion)
	protected.POST("/documents/:id/restore", handler.handleRestoreVersion)
	protected.GET("/documents/:id/ws", handler.handleDocumentSocket)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	store    *document.Store
	sessions *collab.Registry
	history  *history.Service
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.sessions.ActiveSessions(),
	})
}

// authorizeRequest accepts the bearer token from the Authorization header
// or, for websocket upgrades where browsers cannot set headers, from the
// access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func requestIdentity(c *gin.Context) auth.Identity {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}
	}
	identity, ok := value.(auth.Identity)
	if !ok {
		return auth.Identity{}
	}
	return identity
}

type documentPayload struct {
	DocumentID     string `json:"document_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	OwnerID        string `json:"owner_id"`
	Visibility     string `json:"visibility"`
	WordCount      int64  `json:"word_count"`
	CharacterCount int64  `json:"character_count"`
	CurrentVersion int64  `json:"current_version"`
	UpdatedAtS     int64  `json:"updated_at_s"`
}

func documentToPayload(record document.Document) documentPayload {
	return documentPayload{
		DocumentID:     record.DocumentID,
		Title:          record.Title,
		Content:        record.Content,
		OwnerID:        record.OwnerID,
		Visibility:     record.Visibility,
		WordCount:      record.WordCount,
		CharacterCount: record.CharacterCount,
		CurrentVersion: record.CurrentVersion,
		UpdatedAtS:     record.UpdatedAtSeconds,
	}
}

type versionPayload struct {
	DocumentID     string `json:"document_id"`
	Number         int64  `json:"version_number"`
	Title          string `json:"title"`
	CreatedBy      string `json:"created_by"`
	Kind           string `json:"change_kind"`
	Description    string `json:"description,omitempty"`
	WordCount      int64  `json:"word_count"`
	CharacterCount int64  `json:"character_count"`
	CreatedAtS     int64  `json:"created_at_s"`
	Content        string `json:"content,omitempty"`
}

func versionToPayload(snapshot document.Version, includeContent bool) versionPayload {
	payload := versionPayload{
		DocumentID:     snapshot.DocumentID,
		Number:         snapshot.Number,
		Title:          snapshot.Title,
		CreatedBy:      snapshot.CreatedBy,
		Kind:           snapshot.Kind,
		Description:    snapshot.Description,
		WordCount:      snapshot.WordCount,
		CharacterCount: snapshot.CharacterCount,
		CreatedAtS:     snapshot.CreatedAtSeconds,
	}
	if includeContent {
		payload.Content = snapshot.Content
	}
	return payload
}

type createDocumentPayload struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Visibility string `json:"visibility"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	identity := requestIdentity(c)

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	documentID, err := document.NewDocumentID(request.DocumentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	visibility := request.Visibility
	if visibility != "" && visibility != string(document.VisibilityPrivate) && visibility != string(document.VisibilityShared) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
		return
	}

	record := document.Document{
		DocumentID: documentID.String(),
		Title:      request.Title,
		Content:    request.Content,
		OwnerID:    identity.UserID,
		Visibility: visibility,
	}
	if err := h.store.Create(c.Request.Context(), record); err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	created, err := h.store.Get(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to reload created document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, documentToPayload(created))
}

// loadAuthorizedDocument resolves the path document and enforces access:
// the owner, anyone on the access list, and, for shared documents, any
// authenticated collaborator.
func (h *httpHandler) loadAuthorizedDocument(c *gin.Context) (document.DocumentID, document.Document, bool) {
	identity := requestIdentity(c)
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", document.Document{}, false
	}

	record, err := h.store.Get(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return "", document.Document{}, false
		}
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return "", document.Document{}, false
	}

	if record.OwnerID == identity.UserID || record.Visibility == string(document.VisibilityShared) {
		return documentID, record, true
	}
	grants, err := h.store.ListAccess(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to load access list", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return "", document.Document{}, false
	}
	for _, grant := range grants {
		if grant.UserID == identity.UserID {
			return documentID, record, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
	return "", document.Document{}, false
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	_, record, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, documentToPayload(record))
}

// handleSaveDocument forces an immediate flush of the live session, falling
// back to a snapshot check on the stored content when no session is live.
func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	documentID, record, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	identity := requestIdentity(c)
	actor, err := document.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	if session, live := h.sessions.Lookup(documentID); live {
		if err := session.SaveNow(actor); err == nil {
			c.JSON(http.StatusAccepted, gin.H{"status": "saving"})
			return
		}
	}

	created, err := h.history.MaybeSnapshotOnSave(c.Request.Context(), documentID, record.Content, actor)
	if err != nil {
		h.logger.Error("failed to save document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "snapshot_created": created})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, _, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	snapshots, err := h.store.ListVersions(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to list versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]versionPayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		payloads = append(payloads, versionToPayload(snapshot, false))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payloads})
}

type createSnapshotPayload struct {
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	documentID, _, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	identity := requestIdentity(c)
	actor, err := document.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request createSnapshotPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	snapshot, err := h.history.CreateManualSnapshot(c.Request.Context(), documentID, actor, request.Description)
	if err != nil {
		h.logger.Error("failed to create snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusCreated, versionToPayload(snapshot, false))
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	documentID, _, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	rawNumber, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	number, err := document.NewVersionNumber(rawNumber)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}

	snapshot, err := h.store.GetVersion(c.Request.Context(), documentID, number)
	if err != nil {
		if errors.Is(err, document.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("failed to load version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, versionToPayload(snapshot, true))
}

type restorePayload struct {
	Version int64 `json:"version"`
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	documentID, _, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	identity := requestIdentity(c)
	actor, err := document.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request restorePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	number, err := document.NewVersionNumber(request.Version)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}

	result, err := h.history.Restore(c.Request.Context(), documentID, number, actor)
	if err != nil {
		if errors.Is(err, document.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("failed to restore version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backup_version":   result.BackupVersion,
		"restored_version": result.RestoredVersion,
		"title":            result.Title,
		"content":          result.Content,
		"session_updated":  result.SessionUpdated,
	})
}
