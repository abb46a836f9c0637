package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amq-cli/amq/internal/dispatch"
	"github.com/amq-cli/amq/internal/history"
	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/logging"
	"github.com/amq-cli/amq/internal/session"
)

// ErrWorkerStopped is delivered on reply channels of messages that
// were still queued when the worker shut down.
var ErrWorkerStopped = errors.New("background worker stopped")

// NotifyFormatter renders the notification text for a finished
// background message. err is nil on success.
type NotifyFormatter func(sessionID string, err error) string

// Worker drains low-priority messages through the dispatch service.
// It is a single task with a single permit-holding path: at most one
// background call is outstanding per worker. The dispatch service's
// capacity still bounds total in-flight requests.
type Worker struct {
	queue  *Queue
	svc    *dispatch.Service
	reg    *session.Registry
	notify func(sessionID, text string)
	format NotifyFormatter
	hist   *history.Store

	busy    atomic.Bool
	mu      sync.Mutex
	fatal   error
	done    chan struct{}
	started bool
}

// NewWorker wires a worker to its queue and collaborators. hist may be
// nil.
func NewWorker(q *Queue, svc *dispatch.Service, reg *session.Registry,
	notify func(sessionID, text string), format NotifyFormatter, hist *history.Store) *Worker {
	return &Worker{
		queue:  q,
		svc:    svc,
		reg:    reg,
		notify: notify,
		format: format,
		hist:   hist,
		done:   make(chan struct{}),
	}
}

// Start launches the worker loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop closes the queue, fails any still-pending messages, and waits
// for the loop to exit.
func (w *Worker) Stop() {
	for _, msg := range w.queue.Close() {
		msg.Reply <- llm.Event{Err: w.stopError()}
		close(msg.Reply)
	}
	<-w.done
}

func (w *Worker) stopError() error {
	if err := w.FatalErr(); err != nil {
		return err
	}
	return ErrWorkerStopped
}

// Busy reports whether a background message is being processed.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// FatalErr returns the error that halted the worker, if any.
func (w *Worker) FatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *Worker) setFatal(err error) {
	w.mu.Lock()
	w.fatal = err
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	log := logging.Named("worker")

	for {
		msg, ok := w.queue.Pop()
		if !ok {
			return
		}

		w.busy.Store(true)
		cont := w.process(ctx, msg)
		w.busy.Store(false)

		if !cont {
			log.Warnw("worker halted", "err", w.FatalErr())
			// Fail whatever is still queued; new pushes race with the
			// close and are failed by Stop.
			for _, m := range w.queue.Close() {
				m.Reply <- llm.Event{Err: w.stopError()}
				close(m.Reply)
			}
			return
		}
	}
}

// process handles one message. Returns false only on a fatal error
// classification (Unauthorized), which halts the worker; transient
// errors are reported on the reply channel and the loop continues.
func (w *Worker) process(ctx context.Context, msg *QueuedMessage) bool {
	log := logging.Named("worker")
	defer close(msg.Reply)

	callCtx := msg.Ctx
	if callCtx == nil {
		callCtx = ctx
	}
	// Abandoned before any chunk: never processed.
	if callCtx.Err() != nil {
		return true
	}

	conv, err := w.reg.AppendUser(msg.SessionID, msg.Text)
	if err != nil {
		msg.Reply <- llm.Event{Err: err}
		return true
	}

	stream, err := w.svc.CallLow(callCtx, conv)
	if err != nil {
		msg.Reply <- llm.Event{Err: err}
		return true
	}
	_ = w.reg.BeginStream(msg.SessionID)

	started := time.Now().UTC()
	var full strings.Builder
	chunks := 0
	abandoned := false

	forward := func(ev llm.Event) {
		if abandoned {
			return
		}
		select {
		case msg.Reply <- ev:
		case <-callCtx.Done():
			abandoned = true
		}
	}

	for ev := range stream {
		switch {
		case ev.Err != nil:
			w.reg.EndStream(msg.SessionID, "")
			forward(llm.Event{Err: ev.Err})
			w.record(ctx, msg, "failed", chunks, full.Len(), started, ev.Err)
			if errors.Is(ev.Err, llm.ErrUnauthorized) {
				w.setFatal(ev.Err)
				return false
			}
			log.Infow("background dispatch failed", "session", msg.SessionID, "err", ev.Err)
			return true

		case ev.End:
			w.reg.EndStream(msg.SessionID, full.String())
			forward(llm.Event{End: true})
			w.notify(msg.SessionID, w.format(msg.SessionID, nil))
			w.record(ctx, msg, "completed", chunks, full.Len(), started, nil)
			_ = w.reg.Save(msg.SessionID)
			return true

		default:
			chunks++
			full.WriteString(ev.Text)
			// Buffered or written per the session's current mode; the
			// registry owns that decision.
			_ = w.reg.DeliverChunk(msg.SessionID, ev.Text)
			forward(ev)
		}
	}

	// Stream closed without a terminal event (relay abandoned on
	// context cancellation). The session keeps what it buffered.
	w.reg.EndStream(msg.SessionID, "")
	w.record(ctx, msg, "failed", chunks, full.Len(), started, callCtx.Err())
	return true
}

func (w *Worker) record(ctx context.Context, msg *QueuedMessage, outcome string,
	chunks, bytes int, started time.Time, cause error) {
	if w.hist == nil {
		return
	}
	e := &history.Entry{
		SessionID:  msg.SessionID,
		Priority:   msg.Priority.String(),
		Outcome:    outcome,
		ChunkCount: chunks,
		ByteCount:  bytes,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := w.hist.Record(ctx, e); err != nil {
		logging.Named("worker").Warnw("history record failed", "err", err)
	}
}
