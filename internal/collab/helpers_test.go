package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const frameWait = 2 * time.Second

type sinkCall struct {
	content  string
	stateB64 string
	actor    document.UserID
}

// fakeSink records flushed content and can be told to fail a number of
// attempts before succeeding.
type fakeSink struct {
	mu        sync.Mutex
	calls     []sinkCall
	failures  int
	block     chan struct{}
	delivered chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{delivered: make(chan struct{}, 16)}
}

func (f *fakeSink) SaveContent(_ context.Context, _ document.DocumentID, content, stateB64 string, actor document.UserID) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("sink unavailable")
	}
	f.calls = append(f.calls, sinkCall{content: content, stateB64: stateB64, actor: actor})
	select {
	case f.delivered <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSink) snapshot() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSink) waitDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-f.delivered:
	case <-time.After(frameWait):
		t.Fatalf("expected a flushed write to reach the sink")
	}
}

func mustParticipant(t *testing.T, connectionID, userID, name string) Participant {
	t.Helper()
	participant, err := NewParticipant(connectionID, userID, name, "")
	if err != nil {
		t.Fatalf("unexpected participant error: %v", err)
	}
	return participant
}

// receiveFrame pulls the next frame off an outbound stream, failing the test
// on timeout or closure.
func receiveFrame(t *testing.T, outbound <-chan []byte) Envelope {
	t.Helper()
	select {
	case frame, open := <-outbound:
		if !open {
			t.Fatalf("outbound stream closed unexpectedly")
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("received undecodable frame: %v", err)
		}
		return envelope
	case <-time.After(frameWait):
		t.Fatalf("timed out waiting for a frame")
		return Envelope{}
	}
}

// receiveFrameOfKind skips frames until one of the wanted kind arrives.
func receiveFrameOfKind(t *testing.T, outbound <-chan []byte, kind EventKind) Envelope {
	t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case frame, open := <-outbound:
			if !open {
				t.Fatalf("outbound stream closed while waiting for %s", kind)
			}
			envelope, err := DecodeEnvelope(frame)
			if err != nil {
				t.Fatalf("received undecodable frame: %v", err)
			}
			if envelope.Kind == kind {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s frame", kind)
			return Envelope{}
		}
	}
}

func expectNoFrame(t *testing.T, outbound <-chan []byte) {
	t.Helper()
	select {
	case frame := <-outbound:
		t.Fatalf("expected no frame, received %s", string(frame))
	case <-time.After(150 * time.Millisecond):
	}
}

func decodePayload(t *testing.T, raw json.RawMessage, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
}

func openTestStore(t *testing.T) *document.Store {
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
	return store
}

func seedTestDocument(t *testing.T, store *document.Store, id, title, content string) document.DocumentID {
	t.Helper()
	documentID, err := document.NewDocumentID(id)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	record := document.Document{
		DocumentID: documentID.String(),
		Title:      title,
		Content:    content,
		OwnerID:    "owner-1",
	}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	return documentID
}
