package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/collab"
	"github.com/coauthorhq/coauthor/backend/internal/crdt"
	"github.com/gorilla/websocket"
)

func wsURL(stack *testStack, documentID, token string) string {
	base := "ws" + strings.TrimPrefix(stack.server.URL, "http")
	return base + "/documents/" + documentID + "/ws?access_token=" + token
}

func wsDial(t *testing.T, stack *testStack, documentID, token string) *websocket.Conn {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(wsURL(stack, documentID, token), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if response != nil {
		response.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, kind collab.EventKind, payload interface{}) {
	t.Helper()
	frame, err := collab.EncodeEvent(kind, payload)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

// wsReadKind reads frames until one of the wanted kind arrives.
func wsReadKind(t *testing.T, conn *websocket.Conn, kind collab.EventKind) collab.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %s: %v", kind, err)
		}
		envelope, err := collab.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("received undecodable frame: %v", err)
		}
		if envelope.Kind == kind {
			return envelope
		}
	}
}

func wsJoin(t *testing.T, conn *websocket.Conn, documentID, userID, displayName string) collab.DocumentStatePayload {
	t.Helper()
	wsSend(t, conn, collab.EventJoinDocument, collab.JoinPayload{
		DocumentID:  documentID,
		UserID:      userID,
		DisplayName: displayName,
	})
	envelope := wsReadKind(t, conn, collab.EventDocumentState)
	var state collab.DocumentStatePayload
	if err := json.Unmarshal(envelope.Payload, &state); err != nil {
		t.Fatalf("failed to decode document state: %v", err)
	}
	return state
}

func createTestDocument(t *testing.T, stack *testStack, token, documentID, content string) {
	t.Helper()
	response := stack.request(t, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: documentID,
		Title:      "Shared Notes",
		Content:    content,
		Visibility: "shared",
	})
	response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("failed to create document: status %d", response.StatusCode)
	}
}

func TestSocketJoinDeliversDocumentState(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-a", "Alice")
	createTestDocument(t, stack, token, "doc-ws", "hello")

	conn := wsDial(t, stack, "doc-ws", token)
	state := wsJoin(t, conn, "doc-ws", "user-a", "Alice")

	update, err := crdt.DecodeUpdateBase64(state.StateB64)
	if err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	replica, err := crdt.NewDoc("client-site")
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}
	replica.Merge(update)
	if replica.Content() != "hello" {
		t.Fatalf("expected state content %q, got %q", "hello", replica.Content())
	}
	if len(state.Roster) != 1 || state.Roster[0].UserID != "user-a" {
		t.Fatalf("unexpected roster: %+v", state.Roster)
	}
}

func TestSocketRequiresJoinFrameFirst(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-a", "Alice")
	createTestDocument(t, stack, token, "doc-ws", "")

	conn := wsDial(t, stack, "doc-ws", token)
	wsSend(t, conn, collab.EventTypingStart, nil)

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to close without a join frame")
	}
}

func TestSocketRelaysEditsBetweenClients(t *testing.T) {
	stack := newTestStack(t)
	tokenA := stack.token(t, "user-a", "Alice")
	tokenB := stack.token(t, "user-b", "Bob")
	createTestDocument(t, stack, tokenA, "doc-ws", "")

	connA := wsDial(t, stack, "doc-ws", tokenA)
	wsJoin(t, connA, "doc-ws", "user-a", "Alice")
	connB := wsDial(t, stack, "doc-ws", tokenB)
	stateB := wsJoin(t, connB, "doc-ws", "user-b", "Bob")
	if len(stateB.Roster) != 2 {
		t.Fatalf("expected both participants in the roster, got %+v", stateB.Roster)
	}
	wsReadKind(t, connA, collab.EventUserJoined)

	replica, err := crdt.NewDoc("site-a")
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}
	update, err := replica.LocalInsert(0, "hi")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	encoded, err := update.EncodeBase64()
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	wsSend(t, connA, collab.EventSyncUpdate, collab.SyncUpdatePayload{
		DocumentID: "doc-ws",
		UpdateB64:  encoded,
	})

	envelope := wsReadKind(t, connB, collab.EventSyncUpdate)
	var relayed collab.SyncUpdatePayload
	if err := json.Unmarshal(envelope.Payload, &relayed); err != nil {
		t.Fatalf("failed to decode relayed update: %v", err)
	}
	if relayed.UpdateB64 != encoded {
		t.Fatalf("expected the payload relayed verbatim")
	}
}

func TestSocketDropsMalformedUpdatesWithoutDisconnecting(t *testing.T) {
	stack := newTestStack(t)
	tokenA := stack.token(t, "user-a", "Alice")
	tokenB := stack.token(t, "user-b", "Bob")
	createTestDocument(t, stack, tokenA, "doc-ws", "")

	connA := wsDial(t, stack, "doc-ws", tokenA)
	wsJoin(t, connA, "doc-ws", "user-a", "Alice")
	connB := wsDial(t, stack, "doc-ws", tokenB)
	wsJoin(t, connB, "doc-ws", "user-b", "Bob")

	// Undecodable update payload: dropped, not fatal.
	wsSend(t, connA, collab.EventSyncUpdate, collab.SyncUpdatePayload{
		DocumentID: "doc-ws",
		UpdateB64:  "!!!not-base64!!!",
	})
	// A cursor frame afterwards still flows, proving the connection lives.
	wsSend(t, connA, collab.EventCursorUpdate, collab.CursorPayload{
		DocumentID: "doc-ws",
		Position:   0,
	})
	wsReadKind(t, connB, collab.EventCursorUpdate)
}

func TestSocketLeaveNotifiesRemainingClients(t *testing.T) {
	stack := newTestStack(t)
	tokenA := stack.token(t, "user-a", "Alice")
	tokenB := stack.token(t, "user-b", "Bob")
	createTestDocument(t, stack, tokenA, "doc-ws", "")

	connA := wsDial(t, stack, "doc-ws", tokenA)
	wsJoin(t, connA, "doc-ws", "user-a", "Alice")
	connB := wsDial(t, stack, "doc-ws", tokenB)
	wsJoin(t, connB, "doc-ws", "user-b", "Bob")
	wsReadKind(t, connA, collab.EventUserJoined)

	wsSend(t, connB, collab.EventLeaveDocument, nil)

	envelope := wsReadKind(t, connA, collab.EventUserLeft)
	var departure collab.PresencePayload
	if err := json.Unmarshal(envelope.Payload, &departure); err != nil {
		t.Fatalf("failed to decode departure: %v", err)
	}
	if departure.Participant.UserID != "user-b" || len(departure.Roster) != 1 {
		t.Fatalf("unexpected departure payload: %+v", departure)
	}
}

func TestSocketEditsReachDurableStore(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-a", "Alice")
	createTestDocument(t, stack, token, "doc-ws", "")

	conn := wsDial(t, stack, "doc-ws", token)
	wsJoin(t, conn, "doc-ws", "user-a", "Alice")

	replica, err := crdt.NewDoc("site-a")
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}
	update, err := replica.LocalInsert(0, "persisted words")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	encoded, err := update.EncodeBase64()
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	wsSend(t, conn, collab.EventSyncUpdate, collab.SyncUpdatePayload{
		DocumentID: "doc-ws",
		UpdateB64:  encoded,
	})

	// The flush debounce is 50ms in the test stack; wait for the saved
	// status so the durable write has landed before reading it back.
	for {
		envelope := wsReadKind(t, conn, collab.EventSaveStatus)
		var status collab.SaveStatusPayload
		if err := json.Unmarshal(envelope.Payload, &status); err != nil {
			t.Fatalf("failed to decode save status: %v", err)
		}
		if status.Status == "saved" {
			break
		}
	}

	response := stack.request(t, http.MethodGet, "/documents/doc-ws", token, nil)
	var fetched documentPayload
	decodeResponse(t, response, &fetched)
	if fetched.Content != "persisted words" {
		t.Fatalf("expected flushed content, got %q", fetched.Content)
	}
}
