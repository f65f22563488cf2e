package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"go.uber.org/zap"
)

const defaultSnapshotInterval = 5 * time.Minute

var (
	errMissingStore = errors.New("document store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew       = "history.service.new"
	opSaveContent      = "history.save_content"
	opMaybeSnapshot    = "history.maybe_snapshot"
	opManualSnapshot   = "history.manual_snapshot"
	opRestore          = "history.restore"
	reasonStoreFailed  = "store_failed"
	reasonInjectFailed = "inject_failed"
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// SessionInjector pushes restored content into a live collaboration session.
// The boolean result reports whether a session existed for the document.
type SessionInjector interface {
	InjectContent(ctx context.Context, id document.DocumentID, title, content string) (bool, error)
}

// ServiceConfig describes the dependencies of the version history manager.
type ServiceConfig struct {
	Store            *document.Store
	Clock            func() time.Time
	Logger           *zap.Logger
	SnapshotInterval time.Duration
}

// Service owns version numbering, snapshot cadence, and the restore
// protocol. All snapshot-producing operations on one document are serialized
// so version numbers stay gapless and restores never interleave.
type Service struct {
	store    *document.Store
	clock    func() time.Time
	logger   *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	perDoc    map[string]*sync.Mutex
	sessions  SessionInjector
	sessionMu sync.RWMutex
}

// NewService constructs a Service after validating its dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	return &Service{
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		interval: interval,
		perDoc:   make(map[string]*sync.Mutex),
	}, nil
}

// BindSessions attaches the live session registry. Restores performed before
// binding skip the live-injection step.
func (s *Service) BindSessions(sessions SessionInjector) {
	s.sessionMu.Lock()
	s.sessions = sessions
	s.sessionMu.Unlock()
}

// SaveContent writes live content and encoded replica state through to the
// durable record and appends an auto snapshot when the cadence threshold has
// elapsed. This is the write path the persistence bridge drives.
func (s *Service) SaveContent(ctx context.Context, id document.DocumentID, content, stateB64 string, actor document.UserID) error {
	unlock := s.lockDocument(id)
	defer unlock()

	if err := s.store.UpdateContent(ctx, id, document.ContentUpdate{Content: content, CrdtState: &stateB64}); err != nil {
		s.logError(opSaveContent, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return err
	}
	if _, err := s.maybeSnapshotLocked(ctx, id, content, actor); err != nil {
		return err
	}
	return nil
}

// MaybeSnapshotOnSave appends an auto snapshot when no snapshot exists or
// the most recent one is older than the configured interval. It reports
// whether a snapshot was created.
func (s *Service) MaybeSnapshotOnSave(ctx context.Context, id document.DocumentID, content string, actor document.UserID) (bool, error) {
	unlock := s.lockDocument(id)
	defer unlock()
	return s.maybeSnapshotLocked(ctx, id, content, actor)
}

func (s *Service) maybeSnapshotLocked(ctx context.Context, id document.DocumentID, content string, actor document.UserID) (bool, error) {
	latest, err := s.store.LatestVersion(ctx, id)
	switch {
	case errors.Is(err, document.ErrVersionNotFound):
		// First snapshot for this document.
	case err != nil:
		s.logError(opMaybeSnapshot, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return false, newServiceError(opMaybeSnapshot, reasonStoreFailed, err)
	default:
		elapsed := s.clock().UTC().Sub(time.Unix(latest.CreatedAtSeconds, 0).UTC())
		if elapsed < s.interval {
			return false, nil
		}
	}

	record, err := s.store.Get(ctx, id)
	if err != nil {
		s.logError(opMaybeSnapshot, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return false, err
	}

	_, err = s.appendSnapshotLocked(ctx, opMaybeSnapshot, id, snapshotInput{
		title:   record.Title,
		content: content,
		actor:   actor,
		kind:    document.ChangeKindAuto,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateManualSnapshot always appends a snapshot of the document's current
// persisted content, regardless of elapsed time.
func (s *Service) CreateManualSnapshot(ctx context.Context, id document.DocumentID, actor document.UserID, description string) (document.Version, error) {
	unlock := s.lockDocument(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		s.logError(opManualSnapshot, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return document.Version{}, err
	}

	return s.appendSnapshotLocked(ctx, opManualSnapshot, id, snapshotInput{
		title:       record.Title,
		content:     record.Content,
		actor:       actor,
		kind:        document.ChangeKindManual,
		description: description,
	})
}

// RestoreResult reports the snapshots a restore produced and the content now
// live and persisted.
type RestoreResult struct {
	BackupVersion   int64
	RestoredVersion int64
	Title           string
	Content         string
	SessionUpdated  bool
}

// Restore rewinds the document to targetVersion. It appends a backup of the
// current persisted content, overwrites the durable record with the target
// snapshot, appends a restore snapshot, and pushes the restored content into
// the live session so every connected participant sees it immediately.
func (s *Service) Restore(ctx context.Context, id document.DocumentID, targetVersion document.VersionNumber, actor document.UserID) (RestoreResult, error) {
	unlock := s.lockDocument(id)
	defer unlock()

	target, err := s.store.GetVersion(ctx, id, targetVersion)
	if err != nil {
		return RestoreResult{}, err
	}

	record, err := s.store.Get(ctx, id)
	if err != nil {
		s.logError(opRestore, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return RestoreResult{}, err
	}

	backup, err := s.appendSnapshotLocked(ctx, opRestore, id, snapshotInput{
		title:       record.Title,
		content:     record.Content,
		actor:       actor,
		kind:        document.ChangeKindAuto,
		description: fmt.Sprintf("backup before restoring v%d", targetVersion.Int64()),
	})
	if err != nil {
		return RestoreResult{}, err
	}

	restoredNumber := backup.Number + 1
	title := target.Title
	// The persisted replica state predates the restore; clearing it forces a
	// future session seed to rebuild from the restored content until the
	// bridge flushes fresh state.
	clearedState := ""
	if err := s.store.UpdateContent(ctx, id, document.ContentUpdate{
		Title:          &title,
		Content:        target.Content,
		CrdtState:      &clearedState,
		CurrentVersion: &restoredNumber,
	}); err != nil {
		s.logError(opRestore, reasonStoreFailed, err, zap.String("document_id", id.String()))
		return RestoreResult{}, err
	}

	restored, err := s.appendSnapshotLocked(ctx, opRestore, id, snapshotInput{
		title:       target.Title,
		content:     target.Content,
		actor:       actor,
		kind:        document.ChangeKindRestore,
		description: fmt.Sprintf("restored from v%d", targetVersion.Int64()),
	})
	if err != nil {
		return RestoreResult{}, err
	}

	result := RestoreResult{
		BackupVersion:   backup.Number,
		RestoredVersion: restored.Number,
		Title:           target.Title,
		Content:         target.Content,
	}

	s.sessionMu.RLock()
	sessions := s.sessions
	s.sessionMu.RUnlock()
	if sessions != nil {
		updated, injectErr := sessions.InjectContent(ctx, id, target.Title, target.Content)
		if injectErr != nil {
			// The durable restore already succeeded; a failed live push is
			// logged, not surfaced, and participants converge on reconnect.
			s.logError(opRestore, reasonInjectFailed, injectErr, zap.String("document_id", id.String()))
		}
		result.SessionUpdated = updated && injectErr == nil
	}

	return result, nil
}

type snapshotInput struct {
	title       string
	content     string
	actor       document.UserID
	kind        document.ChangeKind
	description string
}

// appendSnapshotLocked allocates the next version number and appends the
// snapshot. Callers hold the per-document lock and pass their own operation
// code so failures report the operation that wanted the snapshot.
func (s *Service) appendSnapshotLocked(ctx context.Context, operation string, id document.DocumentID, input snapshotInput) (document.Version, error) {
	nextNumber := int64(1)
	latest, err := s.store.LatestVersion(ctx, id)
	switch {
	case errors.Is(err, document.ErrVersionNotFound):
	case err != nil:
		return document.Version{}, newServiceError(operation, reasonStoreFailed, err)
	default:
		nextNumber = latest.Number + 1
	}

	snapshot := document.Version{
		DocumentID:       id.String(),
		Number:           nextNumber,
		Title:            input.title,
		Content:          input.content,
		CreatedBy:        input.actor.String(),
		Kind:             input.kind.String(),
		Description:      input.description,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.store.AppendVersion(ctx, snapshot); err != nil {
		return document.Version{}, err
	}
	metrics.SnapshotsCreated.WithLabelValues(input.kind.String()).Inc()
	if err := s.store.UpdateContent(ctx, id, document.ContentUpdate{
		Content:        input.content,
		CurrentVersion: &nextNumber,
	}); err != nil {
		return document.Version{}, err
	}
	return snapshot, nil
}

// lockDocument serializes snapshot-producing operations per document.
func (s *Service) lockDocument(id document.DocumentID) func() {
	s.mu.Lock()
	lock, ok := s.perDoc[id.String()]
	if !ok {
		lock = &sync.Mutex{}
		s.perDoc[id.String()] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("history service error", attrs...)
}
