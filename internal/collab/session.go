package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/crdt"
	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed indicates an operation against an evicted session.
	ErrSessionClosed = errors.New("collab: session closed")
	// ErrUnknownParticipant indicates a connection id not present in the room.
	ErrUnknownParticipant = errors.New("collab: unknown participant")
	// ErrDuplicateConnection indicates a join reusing a live connection id.
	ErrDuplicateConnection = errors.New("collab: duplicate connection id")
)

const (
	defaultFlushDelay = 2 * time.Second
	outboundBuffer    = 64
	commandBuffer     = 128
)

type member struct {
	participant Participant
	outbound    chan []byte
}

type sessionConfig struct {
	documentID document.DocumentID
	title      string
	doc        *crdt.Doc
	sink       ContentSink
	logger     *zap.Logger
	clock      func() time.Time
	flushDelay time.Duration
}

// Session is the live, in-memory state for one document: the replicated
// document instance, the connected participants, and their cursors. Every
// mutation runs on the session's own goroutine, so the document never sees
// concurrent writes regardless of how many connections feed it.
type Session struct {
	documentID document.DocumentID
	title      string
	doc        *crdt.Doc
	members    map[string]*member
	joinSeq    uint64
	lastEditor document.UserID
	dirty      bool

	writer     *bridgeWriter
	logger     *zap.Logger
	clock      func() time.Time
	flushDelay time.Duration
	flushTimer *time.Timer

	commands     chan func()
	closed       chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	participants atomic.Int64
	lastActivity atomic.Int64
}

func newSession(cfg sessionConfig) *Session {
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.clock
	if clock == nil {
		clock = time.Now
	}
	flushDelay := cfg.flushDelay
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}

	session := &Session{
		documentID: cfg.documentID,
		title:      cfg.title,
		doc:        cfg.doc,
		members:    make(map[string]*member),
		logger:     logger,
		clock:      clock,
		flushDelay: flushDelay,
		flushTimer: time.NewTimer(time.Hour),
		commands:   make(chan func(), commandBuffer),
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if !session.flushTimer.Stop() {
		<-session.flushTimer.C
	}
	session.lastActivity.Store(clock().UTC().Unix())
	session.writer = newBridgeWriter(cfg.documentID, cfg.sink, logger, session.onSaveState)

	go session.run()
	return session
}

// DocumentID returns the document this session serves.
func (s *Session) DocumentID() document.DocumentID {
	return s.documentID
}

// ParticipantCount returns the number of connected participants.
func (s *Session) ParticipantCount() int {
	return int(s.participants.Load())
}

// LastActivity returns the unix time of the most recent room activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(s.lastActivity.Load(), 0).UTC()
}

// Join adds a participant to the room and returns its outbound frame
// stream. The first frame is always the full document state followed by the
// current roster; subsequent frames are room broadcasts in order.
func (s *Session) Join(participant Participant) (<-chan []byte, error) {
	reply := make(chan error, 1)
	var outbound chan []byte
	ok := s.dispatch(func() {
		if _, exists := s.members[participant.ConnectionID]; exists {
			reply <- fmt.Errorf("%w: %s", ErrDuplicateConnection, participant.ConnectionID)
			return
		}
		participant.Color = colorForJoin(s.joinSeq)
		s.joinSeq++

		outbound = make(chan []byte, outboundBuffer)
		joined := &member{participant: participant, outbound: outbound}
		s.members[participant.ConnectionID] = joined
		s.participants.Store(int64(len(s.members)))
		s.touch()
		metrics.ParticipantsConnected.Inc()

		stateB64, err := s.doc.State().EncodeBase64()
		if err != nil {
			delete(s.members, participant.ConnectionID)
			s.participants.Store(int64(len(s.members)))
			metrics.ParticipantsConnected.Dec()
			reply <- err
			return
		}
		stateFrame, err := EncodeEvent(EventDocumentState, DocumentStatePayload{
			DocumentID: s.documentID.String(),
			Title:      s.title,
			StateB64:   stateB64,
			Roster:     s.roster(),
		})
		if err != nil {
			delete(s.members, participant.ConnectionID)
			s.participants.Store(int64(len(s.members)))
			metrics.ParticipantsConnected.Dec()
			reply <- err
			return
		}
		joined.outbound <- stateFrame

		s.broadcastEvent(EventUserJoined, PresencePayload{
			Participant: participant.Info(),
			Roster:      s.roster(),
		}, participant.ConnectionID)
		reply <- nil
	})
	if !ok {
		return nil, ErrSessionClosed
	}
	if err := <-reply; err != nil {
		return nil, err
	}
	return outbound, nil
}

// Leave removes a participant and reports how many remain. Removing an
// unknown connection is a no-op.
func (s *Session) Leave(connectionID string) int {
	reply := make(chan int, 1)
	ok := s.dispatch(func() {
		leaving, exists := s.members[connectionID]
		if exists {
			delete(s.members, connectionID)
			close(leaving.outbound)
			s.participants.Store(int64(len(s.members)))
			s.touch()
			metrics.ParticipantsConnected.Dec()
			s.broadcastEvent(EventUserLeft, PresencePayload{
				Participant: leaving.participant.Info(),
				Roster:      s.roster(),
			}, "")
		}
		reply <- len(s.members)
	})
	if !ok {
		return 0
	}
	return <-reply
}

// MergeUpdate merges a decoded incremental update into the document and
// rebroadcasts the original payload to every other participant.
func (s *Session) MergeUpdate(connectionID string, update crdt.Update, payloadB64 string) error {
	reply := make(chan error, 1)
	ok := s.dispatch(func() {
		origin, exists := s.members[connectionID]
		if !exists {
			reply <- fmt.Errorf("%w: %s", ErrUnknownParticipant, connectionID)
			return
		}
		s.doc.Merge(update)
		s.touch()
		s.dirty = true
		metrics.UpdatesRelayed.Inc()
		if actor, err := document.NewUserID(origin.participant.UserID); err == nil {
			s.lastEditor = actor
		}
		s.broadcastEvent(EventSyncUpdate, SyncUpdatePayload{
			DocumentID: s.documentID.String(),
			UpdateB64:  payloadB64,
		}, connectionID)
		s.armFlush()
		reply <- nil
	})
	if !ok {
		return ErrSessionClosed
	}
	return <-reply
}

// RelayPresence rebroadcasts a presence frame verbatim to every other
// participant. Cursor updates additionally refresh the sender's roster
// entry; nothing is merged into the document or persisted.
func (s *Session) RelayPresence(connectionID string, kind EventKind, cursor *CursorPayload, frame []byte) {
	s.dispatch(func() {
		origin, exists := s.members[connectionID]
		if !exists {
			return
		}
		if kind == EventCursorUpdate && cursor != nil {
			origin.participant.Cursor = CursorState{
				Position:       cursor.Position,
				SelectionStart: cursor.SelectionStart,
				SelectionEnd:   cursor.SelectionEnd,
			}
		}
		s.touch()
		s.broadcastFrame(frame, connectionID)
	})
}

// Inject replaces the whole document content, broadcasting the replacing
// update to every connected participant, and schedules an immediate flush.
// Restores flow through here.
func (s *Session) Inject(title, content string) error {
	reply := make(chan error, 1)
	ok := s.dispatch(func() {
		update, err := s.doc.ReplaceAll(content)
		if err != nil {
			reply <- err
			return
		}
		if title != "" {
			s.title = title
		}
		s.touch()
		s.dirty = true
		payloadB64, err := update.EncodeBase64()
		if err != nil {
			reply <- err
			return
		}
		s.broadcastEvent(EventSyncUpdate, SyncUpdatePayload{
			DocumentID: s.documentID.String(),
			UpdateB64:  payloadB64,
		}, "")
		s.flushNow()
		reply <- nil
	})
	if !ok {
		return ErrSessionClosed
	}
	return <-reply
}

// SaveNow schedules an immediate flush of the live content on behalf of the
// provided actor.
func (s *Session) SaveNow(actor document.UserID) error {
	reply := make(chan struct{}, 1)
	ok := s.dispatch(func() {
		if actor != "" {
			s.lastEditor = actor
		}
		// Explicit saves always flush, even with nothing new to write.
		s.dirty = true
		s.flushNow()
		reply <- struct{}{}
	})
	if !ok {
		return ErrSessionClosed
	}
	<-reply
	return nil
}

// Content returns the current live document text.
func (s *Session) Content() string {
	reply := make(chan string, 1)
	if !s.dispatch(func() { reply <- s.doc.Content() }) {
		return ""
	}
	return <-reply
}

// Roster returns the connected participants in join order.
func (s *Session) Roster() []ParticipantInfo {
	reply := make(chan []ParticipantInfo, 1)
	if !s.dispatch(func() { reply <- s.roster() }) {
		return nil
	}
	return <-reply
}

// Close flushes the live content one final time and stops the session. The
// content survives in the durable store; the in-memory replica is discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		if s.dispatch(func() {
			s.flushNow()
			close(done)
		}) {
			<-done
		}
		close(s.closed)
		<-s.stopped
		s.writer.close()
	})
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case apply := <-s.commands:
			apply()
		case <-s.flushTimer.C:
			s.flushNow()
		case <-s.closed:
			return
		}
	}
}

// dispatch runs fn on the session goroutine; it reports false once the
// session is closed.
func (s *Session) dispatch(fn func()) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Session) roster() []ParticipantInfo {
	infos := make([]ParticipantInfo, 0, len(s.members))
	for _, entry := range s.members {
		infos = append(infos, entry.participant.Info())
	}
	return infos
}

// broadcastEvent encodes and fans a frame out to the room, skipping the
// origin connection when one is provided.
func (s *Session) broadcastEvent(kind EventKind, payload interface{}, excludeConnectionID string) {
	frame, err := EncodeEvent(kind, payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast frame",
			zap.String("document_id", s.documentID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	s.broadcastFrame(frame, excludeConnectionID)
}

func (s *Session) broadcastFrame(frame []byte, excludeConnectionID string) {
	var lagging []string
	for connectionID, entry := range s.members {
		if connectionID == excludeConnectionID {
			continue
		}
		select {
		case entry.outbound <- frame:
		default:
			// The receiver stopped draining; evict it rather than stall or
			// silently skip updates it can never catch up on.
			lagging = append(lagging, connectionID)
		}
	}
	for _, connectionID := range lagging {
		entry := s.members[connectionID]
		delete(s.members, connectionID)
		close(entry.outbound)
		s.participants.Store(int64(len(s.members)))
		metrics.ParticipantsConnected.Dec()
		s.logger.Warn("evicted lagging participant",
			zap.String("document_id", s.documentID.String()),
			zap.String("connection_id", connectionID))
		s.broadcastEvent(EventUserLeft, PresencePayload{
			Participant: entry.participant.Info(),
			Roster:      s.roster(),
		}, "")
	}
}

func (s *Session) armFlush() {
	if !s.flushTimer.Stop() {
		select {
		case <-s.flushTimer.C:
		default:
		}
	}
	s.flushTimer.Reset(s.flushDelay)
}

// flushNow hands the live content to the bridge. A clean session has
// nothing to write, so join/leave-only traffic never touches the store.
func (s *Session) flushNow() {
	if !s.dirty {
		return
	}
	stateB64, err := s.doc.State().EncodeBase64()
	if err != nil {
		s.logger.Error("failed to encode document state for flush",
			zap.String("document_id", s.documentID.String()),
			zap.Error(err))
		return
	}
	s.writer.enqueue(flushRequest{
		content:  s.doc.Content(),
		stateB64: stateB64,
		actor:    s.lastEditor,
	})
	s.dirty = false
}

// onSaveState runs on the bridge goroutine; it re-enters the session loop
// to broadcast persistence health.
func (s *Session) onSaveState(state SaveState, detail string) {
	s.dispatch(func() {
		s.broadcastEvent(EventSaveStatus, SaveStatusPayload{
			DocumentID: s.documentID.String(),
			Status:     string(state),
			Detail:     detail,
		}, "")
	})
}

func (s *Session) touch() {
	s.lastActivity.Store(s.clock().UTC().Unix())
}

// seedContext bounds the store read performed when a session is created.
func seedContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 10*time.Second)
}
