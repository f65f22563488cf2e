package collab

import (
	"context"
	"time"

	"github.com/coauthorhq/coauthor/backend/internal/document"
	"github.com/coauthorhq/coauthor/backend/internal/metrics"
	"go.uber.org/zap"
)

// SaveState describes the persistence health broadcast to a room.
type SaveState string

const (
	// SaveStateSaving is reported while a flush is in flight.
	SaveStateSaving SaveState = "saving"
	// SaveStateSaved is reported after a successful flush.
	SaveStateSaved SaveState = "saved"
	// SaveStateError is reported when a flush exhausted its retries.
	SaveStateError SaveState = "error"
)

// ContentSink receives live document content flushed by the bridge.
type ContentSink interface {
	SaveContent(ctx context.Context, id document.DocumentID, content, stateB64 string, actor document.UserID) error
}

const flushAttemptTimeout = 5 * time.Second

// retryBackoff spaces the flush attempts for one request.
var retryBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 5 * time.Second}

type flushRequest struct {
	content  string
	stateB64 string
	actor    document.UserID
}

// bridgeWriter flushes a single document's live content to the durable
// store. Requests are applied strictly in order by one worker goroutine;
// a newer request supersedes an older one still waiting in the queue, so a
// slow write can never clobber fresher content. Failures are retried with
// backoff and reported as save-status, never as protocol errors.
type bridgeWriter struct {
	documentID document.DocumentID
	sink       ContentSink
	logger     *zap.Logger
	notify     func(state SaveState, detail string)
	requests   chan flushRequest
	done       chan struct{}
	stopped    chan struct{}
	backoff    []time.Duration
}

func newBridgeWriter(id document.DocumentID, sink ContentSink, logger *zap.Logger, notify func(SaveState, string)) *bridgeWriter {
	if notify == nil {
		notify = func(SaveState, string) {}
	}
	writer := &bridgeWriter{
		documentID: id,
		sink:       sink,
		logger:     logger,
		notify:     notify,
		requests:   make(chan flushRequest, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		backoff:    retryBackoff,
	}
	go writer.run()
	return writer
}

// enqueue schedules a flush. When an older request is still queued it is
// replaced: the queued content is stale by definition.
func (w *bridgeWriter) enqueue(request flushRequest) {
	for {
		select {
		case w.requests <- request:
			return
		case <-w.done:
			return
		default:
		}
		select {
		case <-w.requests:
		default:
		}
	}
}

// close stops the worker after the pending queue drains. Callers must not
// enqueue afterwards.
func (w *bridgeWriter) close() {
	close(w.done)
	<-w.stopped
}

func (w *bridgeWriter) run() {
	defer close(w.stopped)
	for {
		select {
		case request := <-w.requests:
			w.flush(request)
		case <-w.done:
			// Drain the last pending request before exiting.
			select {
			case request := <-w.requests:
				w.flush(request)
			default:
			}
			return
		}
	}
}

func (w *bridgeWriter) flush(request flushRequest) {
	w.notify(SaveStateSaving, "")

	var lastErr error
	for attempt := 0; attempt <= len(w.backoff); attempt++ {
		if attempt > 0 {
			metrics.PersistenceRetries.Inc()
			select {
			case <-time.After(w.backoff[attempt-1]):
			case <-w.done:
			}
			// A fresher request supersedes the failing one.
			if len(w.requests) > 0 {
				w.notify(SaveStateSaving, "superseded by newer content")
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushAttemptTimeout)
		lastErr = w.sink.SaveContent(ctx, w.documentID, request.content, request.stateB64, request.actor)
		cancel()
		if lastErr == nil {
			w.notify(SaveStateSaved, "")
			return
		}
		w.logger.Warn("document flush attempt failed",
			zap.String("document_id", w.documentID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	w.logger.Error("document flush exhausted retries",
		zap.String("document_id", w.documentID.String()),
		zap.Error(lastErr))
	w.notify(SaveStateError, lastErr.Error())
}
