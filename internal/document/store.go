package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("document: not found")
	// ErrVersionNotFound indicates that no snapshot exists for the requested version.
	ErrVersionNotFound = errors.New("document: version not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "document.store.new"
	opGetDocument    = "document.get"
	opCreateDocument = "document.create"
	opUpdateContent  = "document.update_content"
	opAppendVersion  = "document.append_version"
	opLatestVersion  = "document.latest_version"
	opGetVersion     = "document.get_version"
	opListVersions   = "document.list_versions"
	opListAccess     = "document.list_access"
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies required by the document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns durable documents and their append-only version snapshots.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store after validating its dependencies.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the durable record for a document.
func (s *Store) Get(ctx context.Context, id DocumentID) (Document, error) {
	var record Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("document_id", id.String()))
		return Document{}, newStoreError(opGetDocument, "query_failed", err)
	}
	return record, nil
}

// Create persists a new document record, filling counts and timestamps.
func (s *Store) Create(ctx context.Context, record Document) error {
	now := s.clock().UTC().Unix()
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = now
	}
	if record.UpdatedAtSeconds == 0 {
		record.UpdatedAtSeconds = now
	}
	counts := CountContent(record.Content)
	record.WordCount = counts.Words
	record.CharacterCount = counts.Characters
	if record.Visibility == "" {
		record.Visibility = string(VisibilityPrivate)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("document_id", record.DocumentID))
		return newStoreError(opCreateDocument, "insert_failed", err)
	}
	return nil
}

// ContentUpdate carries the fields the persistence bridge and restore flow
// write through to the durable record.
type ContentUpdate struct {
	Title          *string
	Content        string
	CrdtState      *string
	CurrentVersion *int64
}

// UpdateContent overwrites the document's content, recomputing counts and
// the updated timestamp. Title and current version change only when set.
func (s *Store) UpdateContent(ctx context.Context, id DocumentID, update ContentUpdate) error {
	counts := CountContent(update.Content)
	fields := map[string]interface{}{
		"content":         update.Content,
		"word_count":      counts.Words,
		"character_count": counts.Characters,
		"updated_at_s":    s.clock().UTC().Unix(),
	}
	if update.Title != nil {
		fields["title"] = *update.Title
	}
	if update.CrdtState != nil {
		fields["crdt_state_b64"] = *update.CrdtState
	}
	if update.CurrentVersion != nil {
		fields["current_version"] = *update.CurrentVersion
	}

	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ?", id.String()).
		Updates(fields)
	if result.Error != nil {
		s.logError(opUpdateContent, "update_failed", result.Error, zap.String("document_id", id.String()))
		return newStoreError(opUpdateContent, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
	}
	return nil
}

// AppendVersion persists a snapshot row. Version rows are append-only; a
// duplicate (document, number) pair fails on the primary key.
func (s *Store) AppendVersion(ctx context.Context, snapshot Version) error {
	if snapshot.CreatedAtSeconds == 0 {
		snapshot.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	counts := CountContent(snapshot.Content)
	snapshot.WordCount = counts.Words
	snapshot.CharacterCount = counts.Characters
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		s.logError(opAppendVersion, "insert_failed", err,
			zap.String("document_id", snapshot.DocumentID),
			zap.Int64("version_number", snapshot.Number))
		return newStoreError(opAppendVersion, "insert_failed", err)
	}
	return nil
}

// LatestVersion returns the most recent snapshot for the document.
func (s *Store) LatestVersion(ctx context.Context, id DocumentID) (Version, error) {
	var snapshot Version
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Order("version_number DESC").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, id.String())
	}
	if err != nil {
		s.logError(opLatestVersion, "query_failed", err, zap.String("document_id", id.String()))
		return Version{}, newStoreError(opLatestVersion, "query_failed", err)
	}
	return snapshot, nil
}

// GetVersion returns one snapshot by document and version number.
func (s *Store) GetVersion(ctx context.Context, id DocumentID, number VersionNumber) (Version, error) {
	var snapshot Version
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version_number = ?", id.String(), number.Int64()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, id.String(), number.Int64())
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err,
			zap.String("document_id", id.String()),
			zap.Int64("version_number", number.Int64()))
		return Version{}, newStoreError(opGetVersion, "query_failed", err)
	}
	return snapshot, nil
}

// ListVersions returns every snapshot for the document, newest first.
func (s *Store) ListVersions(ctx context.Context, id DocumentID) ([]Version, error) {
	var snapshots []Version
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Order("version_number DESC").
		Find(&snapshots).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String("document_id", id.String()))
		return nil, newStoreError(opListVersions, "query_failed", err)
	}
	return snapshots, nil
}

// ListAccess returns the access list for the document.
func (s *Store) ListAccess(ctx context.Context, id DocumentID) ([]AccessEntry, error) {
	var entries []AccessEntry
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Order("granted_at_s ASC").
		Find(&entries).Error; err != nil {
		s.logError(opListAccess, "query_failed", err, zap.String("document_id", id.String()))
		return nil, newStoreError(opListAccess, "query_failed", err)
	}
	return entries, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
