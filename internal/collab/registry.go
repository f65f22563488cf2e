package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/crdt"
	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRegistryClosed indicates the registry is shutting down.
var ErrRegistryClosed = errors.New("collab: registry closed")

const defaultGracePeriod = 30 * time.Second

// RegistryConfig describes the dependencies of the session registry.
type RegistryConfig struct {
	Store       *document.Store
	Sink        ContentSink
	GracePeriod time.Duration
	FlushDelay  time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

type sessionEntry struct {
	ready      chan struct{}
	session    *Session
	err        error
	evictTimer *time.Timer
}

// Registry owns the live sessions. It guarantees at most one session per
// document, seeds new sessions from the durable store, and evicts idle
// sessions after a grace period so a quick reconnect keeps its room.
type Registry struct {
	store       *document.Store
	sink        ContentSink
	gracePeriod time.Duration
	flushDelay  time.Duration
	logger      *zap.Logger
	clock       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool
}

// NewRegistry constructs a Registry after validating its dependencies.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("collab: registry requires a document store")
	}
	if cfg.Sink == nil {
		return nil, errors.New("collab: registry requires a content sink")
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:       cfg.Store,
		sink:        cfg.Sink,
		gracePeriod: gracePeriod,
		flushDelay:  cfg.FlushDelay,
		logger:      logger,
		clock:       clock,
		sessions:    make(map[string]*sessionEntry),
	}, nil
}

// Acquire returns the live session for a document, creating one seeded from
// the durable record when none exists. A pending eviction is cancelled, so a
// reconnect inside the grace period lands in the same room.
func (r *Registry) Acquire(ctx context.Context, id document.DocumentID) (*Session, error) {
	key := id.String()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if entry, exists := r.sessions[key]; exists {
			if entry.evictTimer != nil {
				entry.evictTimer.Stop()
				entry.evictTimer = nil
			}
			r.mu.Unlock()
			select {
			case <-entry.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if entry.err != nil {
				// The seeding caller failed and removed the entry; retry.
				continue
			}
			return entry.session, nil
		}

		entry := &sessionEntry{ready: make(chan struct{})}
		r.sessions[key] = entry
		r.mu.Unlock()

		session, err := r.seed(ctx, id)
		if err != nil {
			r.mu.Lock()
			delete(r.sessions, key)
			r.mu.Unlock()
			entry.err = err
			close(entry.ready)
			return nil, err
		}
		entry.session = session
		close(entry.ready)
		metrics.SessionsActive.Inc()
		return session, nil
	}
}

// Join acquires the document's session and adds the participant to it. A
// grace-timer eviction can close the session between the acquire and the
// join; the eviction also removes the registry entry, so retrying the
// acquire reseeds a fresh session and the join eventually lands.
func (r *Registry) Join(ctx context.Context, id document.DocumentID, participant Participant) (*Session, <-chan []byte, error) {
	for {
		session, err := r.Acquire(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		outbound, err := session.Join(participant)
		if err == nil {
			return session, outbound, nil
		}
		if !errors.Is(err, ErrSessionClosed) {
			return nil, nil, err
		}
	}
}

// Release arms the eviction timer when the session has no participants
// left. Callers invoke it after removing their participant.
func (r *Registry) Release(id document.DocumentID) {
	key := id.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.sessions[key]
	if !exists || entry.session == nil {
		return
	}
	if entry.session.ParticipantCount() > 0 {
		return
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	entry.evictTimer = time.AfterFunc(r.gracePeriod, func() {
		r.evict(key)
	})
}

// Lookup returns the live session for a document without creating one.
func (r *Registry) Lookup(id document.DocumentID) (*Session, bool) {
	r.mu.Lock()
	entry, exists := r.sessions[id.String()]
	r.mu.Unlock()
	if !exists {
		return nil, false
	}
	select {
	case <-entry.ready:
	default:
		return nil, false
	}
	if entry.err != nil || entry.session == nil {
		return nil, false
	}
	return entry.session, true
}

// InjectContent pushes replacement content into the live session for a
// document, reporting whether one existed. Restores flow through here.
func (r *Registry) InjectContent(_ context.Context, id document.DocumentID, title, content string) (bool, error) {
	session, live := r.Lookup(id)
	if !live {
		return false, nil
	}
	if err := session.Inject(title, content); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return false, nil
		}
		return true, err
	}
	return true, nil
}

// ActiveSessions reports how many live sessions the registry holds.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close flushes and stops every live session. The registry rejects new
// acquisitions afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for key, entry := range r.sessions {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		entries = append(entries, entry)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if entry.session != nil {
			entry.session.Close()
			metrics.SessionsActive.Dec()
		}
	}
}

// evict runs from the grace timer. The participant count is rechecked under
// the lock because a join can race the timer firing.
func (r *Registry) evict(key string) {
	r.mu.Lock()
	entry, exists := r.sessions[key]
	if !exists || entry.session == nil || entry.evictTimer == nil {
		r.mu.Unlock()
		return
	}
	if entry.session.ParticipantCount() > 0 {
		entry.evictTimer = nil
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	entry.session.Close()
	metrics.SessionsActive.Dec()
	r.logger.Info("evicted idle session", zap.String("document_id", key))
}

// seed loads the durable record and builds the in-memory document. The
// persisted replica state is preferred when it matches the saved content, so
// character identities stay stable across evictions; otherwise the content
// is re-seeded from scratch.
func (r *Registry) seed(ctx context.Context, id document.DocumentID) (*Session, error) {
	seedCtx, cancel := seedContext(ctx)
	defer cancel()

	record, err := r.store.Get(seedCtx, id)
	if err != nil {
		return nil, err
	}

	site := uuid.NewString()
	doc, err := crdt.NewDoc(site)
	if err != nil {
		return nil, err
	}

	seeded := false
	if record.CrdtStateB64 != "" {
		state, decodeErr := crdt.DecodeUpdateBase64(record.CrdtStateB64)
		if decodeErr != nil {
			r.logger.Warn("discarding undecodable replica state",
				zap.String("document_id", id.String()),
				zap.Error(decodeErr))
		} else {
			doc.Merge(state)
			if doc.Content() == record.Content {
				seeded = true
			} else {
				r.logger.Warn("persisted replica state diverged from saved content",
					zap.String("document_id", id.String()))
				doc, err = crdt.NewDoc(site)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	if !seeded && record.Content != "" {
		if _, err := doc.LocalInsert(0, record.Content); err != nil {
			return nil, err
		}
	}

	return newSession(sessionConfig{
		documentID: id,
		title:      record.Title,
		doc:        doc,
		sink:       r.sink,
		logger:     r.logger,
		clock:      r.clock,
		flushDelay: r.flushDelay,
	}), nil
}
