package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/collab"
	"github.com/coauthorhq/coauthor/backend/internal/crdt"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait   = 10 * time.Second
	socketPongWait    = 60 * time.Second
	socketPingPeriod  = 50 * time.Second
	socketMaxFrameLen = 1 << 20
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are already filtered by the CORS layer; the upgrade itself
	// accepts any origin so non-browser clients can connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleDocumentSocket upgrades the connection and attaches it to the
// document's session. The client must send a join-document frame first;
// everything after that is the room protocol.
func (h *httpHandler) handleDocumentSocket(c *gin.Context) {
	documentID, _, ok := h.loadAuthorizedDocument(c)
	if !ok {
		return
	}
	identity := requestIdentity(c)

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(socketMaxFrameLen)

	join, err := h.readJoinFrame(conn, documentID.String())
	if err != nil {
		h.logger.Warn("websocket join rejected",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		writeSocketClose(conn, websocket.ClosePolicyViolation, "join required")
		return
	}
	displayName := join.DisplayName
	if displayName == "" {
		displayName = identity.DisplayName
	}
	email := join.Email
	if email == "" {
		email = identity.Email
	}

	participant, err := collab.NewParticipant(uuid.NewString(), identity.UserID, displayName, email)
	if err != nil {
		writeSocketClose(conn, websocket.ClosePolicyViolation, "invalid participant")
		return
	}

	session, outbound, err := h.sessions.Join(c.Request.Context(), documentID, participant)
	if err != nil {
		h.logger.Error("failed to join session",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		writeSocketClose(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	writerDone := make(chan struct{})
	go h.socketWritePump(conn, outbound, writerDone)

	h.socketReadPump(conn, session, participant.ConnectionID, documentID.String())

	// Leaving closes the outbound stream, which lets the write pump finish.
	session.Leave(participant.ConnectionID)
	h.sessions.Release(documentID)
	<-writerDone
	conn.Close()
}

// readJoinFrame enforces the join handshake: the first frame must be a
// join-document for the document named in the path.
func (h *httpHandler) readJoinFrame(conn *websocket.Conn, documentID string) (collab.JoinPayload, error) {
	if err := conn.SetReadDeadline(time.Now().Add(socketPongWait)); err != nil {
		return collab.JoinPayload{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return collab.JoinPayload{}, err
	}
	envelope, err := collab.DecodeEnvelope(raw)
	if err != nil {
		return collab.JoinPayload{}, err
	}
	if envelope.Kind != collab.EventJoinDocument {
		return collab.JoinPayload{}, errors.New("expected a join-document frame")
	}
	join, err := collab.DecodeJoinPayload(envelope.Payload)
	if err != nil {
		return collab.JoinPayload{}, err
	}
	if join.DocumentID != documentID {
		return collab.JoinPayload{}, errors.New("join names a different document")
	}
	return join, nil
}

// socketReadPump decodes inbound frames and routes them to the session.
// Malformed frames are dropped without tearing down the connection; the
// pump exits on read errors or an explicit leave.
func (h *httpHandler) socketReadPump(conn *websocket.Conn, session *collab.Session, connectionID, documentID string) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(socketPongWait)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := collab.DecodeEnvelope(raw)
		if err != nil {
			metrics.UpdatesDropped.Inc()
			h.logger.Warn("dropped undecodable frame",
				zap.String("document_id", documentID),
				zap.Error(err))
			continue
		}

		switch envelope.Kind {
		case collab.EventSyncUpdate:
			payload, err := collab.DecodeSyncUpdatePayload(envelope.Payload)
			if err != nil {
				metrics.UpdatesDropped.Inc()
				h.logger.Warn("dropped malformed sync-update",
					zap.String("document_id", documentID),
					zap.Error(err))
				continue
			}
			update, err := crdt.DecodeUpdateBase64(payload.UpdateB64)
			if err != nil {
				metrics.UpdatesDropped.Inc()
				h.logger.Warn("dropped undecodable document update",
					zap.String("document_id", documentID),
					zap.Error(err))
				continue
			}
			if err := session.MergeUpdate(connectionID, update, payload.UpdateB64); err != nil {
				if errors.Is(err, collab.ErrSessionClosed) {
					return
				}
				metrics.UpdatesDropped.Inc()
			}
		case collab.EventCursorUpdate:
			cursor, err := collab.DecodeCursorPayload(envelope.Payload)
			if err != nil {
				h.logger.Warn("dropped malformed cursor-update",
					zap.String("document_id", documentID),
					zap.Error(err))
				continue
			}
			session.RelayPresence(connectionID, envelope.Kind, &cursor, raw)
		case collab.EventTypingStart, collab.EventTypingStop:
			session.RelayPresence(connectionID, envelope.Kind, nil, raw)
		case collab.EventLeaveDocument:
			return
		default:
			// Server-originated kinds arriving inbound are protocol noise.
			h.logger.Warn("dropped unexpected inbound frame",
				zap.String("document_id", documentID),
				zap.String("kind", string(envelope.Kind)))
		}
	}
}

// socketWritePump copies session broadcasts onto the wire and keeps the
// connection alive with pings. It exits when the outbound stream closes,
// which is how the session signals eviction.
func (h *httpHandler) socketWritePump(conn *websocket.Conn, outbound <-chan []byte, done chan<- struct{}) {
	defer close(done)
	pinger := time.NewTicker(socketPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case frame, open := <-outbound:
			if !open {
				writeSocketClose(conn, websocket.CloseGoingAway, "session ended")
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-pinger.C:
			if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeSocketClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(socketWriteWait)
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
}
