// Package coordinator routes inbound chat messages between the
// foreground streaming path and the background queue, and owns the
// cross-session notification box.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amq-cli/amq/internal/dispatch"
	"github.com/amq-cli/amq/internal/history"
	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/logging"
	"github.com/amq-cli/amq/internal/models"
	"github.com/amq-cli/amq/internal/session"
)

// Config wires a Coordinator.
type Config struct {
	Service  *dispatch.Service
	Registry *session.Registry

	// History records completed background dispatches when non-nil.
	History *history.Store

	// Format renders notification text; nil gets a plain default.
	Format NotifyFormatter

	// EnableWorker turns on background routing. Without a worker every
	// submission streams in the foreground path.
	EnableWorker bool
}

// Coordinator is the top-level entry point for the chat loop.
type Coordinator struct {
	svc    *dispatch.Service
	reg    *session.Registry
	queue  *Queue
	worker *Worker

	// notifications is a single-slot-per-session box; overwriting
	// wins. Its mutex is independent and never held across calls that
	// take the registry lock.
	notifMu       sync.Mutex
	notifications map[string]string
}

// New creates a coordinator. Start must be called before Submit when
// the worker is enabled.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		svc:           cfg.Service,
		reg:           cfg.Registry,
		notifications: make(map[string]string),
	}

	format := cfg.Format
	if format == nil {
		format = func(sessionID string, err error) string {
			if err != nil {
				return fmt.Sprintf("session %s failed: %v", sessionID, err)
			}
			return fmt.Sprintf("session %s finished a response", sessionID)
		}
	}

	if cfg.EnableWorker {
		c.queue = NewQueue()
		c.worker = NewWorker(c.queue, cfg.Service, cfg.Registry, c.NotifyComplete, format, cfg.History)
	}
	return c
}

// Start launches the background worker, if enabled.
func (c *Coordinator) Start(ctx context.Context) {
	if c.worker != nil {
		c.worker.Start(ctx)
	}
}

// Stop shuts down the background worker, failing queued messages.
func (c *Coordinator) Stop() {
	if c.worker != nil {
		c.worker.Stop()
	}
}

// Submit routes one user message. The foreground session streams
// directly under a high-priority permit; everything else is enqueued
// at low priority behind the worker. The returned channel yields chunk
// events and exactly one terminal event, then closes.
//
// Routing rule: background iff a worker exists and the target is not
// the foreground session.
func (c *Coordinator) Submit(ctx context.Context, sessionID, text string) (<-chan llm.Event, error) {
	background := c.worker != nil && c.reg.ActiveID() != sessionID
	if !background {
		return c.submitForeground(ctx, sessionID, text)
	}

	msg := &QueuedMessage{
		SessionID: sessionID,
		Text:      text,
		Priority:  PriorityLow,
		Reply:     make(chan llm.Event, 64),
		Ctx:       ctx,
	}
	if err := c.queue.Push(msg); err != nil {
		return nil, err
	}
	logging.Named("coordinator").Debugw("enqueued", "session", sessionID, "priority", msg.Priority)
	return msg.Reply, nil
}

func (c *Coordinator) submitForeground(ctx context.Context, sessionID, text string) (<-chan llm.Event, error) {
	conv, err := c.reg.AppendUser(sessionID, text)
	if err != nil {
		return nil, err
	}

	stream, err := c.svc.CallHigh(ctx, conv)
	if err != nil {
		return nil, err
	}
	if err := c.reg.BeginStream(sessionID); err != nil {
		return nil, err
	}

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		var full strings.Builder

		for ev := range stream {
			switch {
			case ev.Err != nil:
				c.reg.EndStream(sessionID, "")
			case ev.End:
				c.reg.EndStream(sessionID, full.String())
				_ = c.reg.Save(sessionID)
			default:
				full.WriteString(ev.Text)
				_ = c.reg.DeliverChunk(sessionID, ev.Text)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				// Caller gone; keep draining so the session's buffer
				// and conversation still complete, then the relay
				// releases the permit.
				for range stream {
				}
				c.reg.EndStream(sessionID, "")
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// NewSession creates and optionally persists a session.
func (c *Coordinator) NewSession(id, firstMessage string, opts session.CreateOptions) error {
	if _, err := c.reg.Create(id, firstMessage, opts); err != nil {
		return err
	}
	return c.reg.Save(id)
}

// Switch makes the given session the foreground one, then persists the
// previously active session's metadata.
func (c *Coordinator) Switch(id string) error {
	prev := c.reg.ActiveID()
	if err := c.reg.Switch(id); err != nil {
		return err
	}
	if prev != "" && prev != id {
		if err := c.reg.Save(prev); err != nil {
			logging.Named("coordinator").Warnw("save on switch failed", "session", prev, "err", err)
		}
	}
	return nil
}

// Close marks a session completed, persists it, and removes it from
// the registry. Pending notifications for the id are discarded.
func (c *Coordinator) Close(id string) error {
	if err := c.reg.SetStatus(id, models.SessionStatusCompleted); err != nil {
		return err
	}
	if err := c.reg.Save(id); err != nil {
		logging.Named("coordinator").Warnw("save on close failed", "session", id, "err", err)
	}
	if err := c.reg.Close(id); err != nil {
		return err
	}

	c.notifMu.Lock()
	delete(c.notifications, id)
	c.notifMu.Unlock()
	return nil
}

// Save persists one session's metadata and conversation.
func (c *Coordinator) Save(id string) error {
	return c.reg.Save(id)
}

// List returns session snapshots ordered by last_active descending.
func (c *Coordinator) List() []session.Info {
	return c.reg.List()
}

// ActiveID returns the foreground session id, or "".
func (c *Coordinator) ActiveID() string {
	return c.reg.ActiveID()
}

// Resolve maps a session name or id to an id.
func (c *Coordinator) Resolve(nameOrID string) (string, error) {
	return c.reg.Resolve(nameOrID)
}

// Snapshot returns the observable state of one session, resolved by
// name or id.
func (c *Coordinator) Snapshot(nameOrID string) (session.Info, error) {
	id, err := c.reg.Resolve(nameOrID)
	if err != nil {
		return session.Info{}, err
	}
	return c.reg.Snapshot(id)
}

// Cleanup removes sessions inactive for longer than maxAge, in memory
// and on disk, and returns the number removed.
func (c *Coordinator) Cleanup(maxAge time.Duration) (int, error) {
	removed := c.reg.Cleanup(maxAge)
	var firstErr error
	for _, id := range removed {
		if err := c.reg.Delete(id); err != nil && firstErr == nil {
			firstErr = err
		}
		c.notifMu.Lock()
		delete(c.notifications, id)
		c.notifMu.Unlock()
	}
	return len(removed), firstErr
}

// NotifyComplete stores a notification for the session, overwriting
// any prior pending one.
func (c *Coordinator) NotifyComplete(sessionID, text string) {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	c.notifications[sessionID] = text
}

// HasNotification reports whether a notification is pending.
func (c *Coordinator) HasNotification(sessionID string) bool {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	_, ok := c.notifications[sessionID]
	return ok
}

// TakeNotification consumes and returns the pending notification.
func (c *Coordinator) TakeNotification(sessionID string) (string, bool) {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	text, ok := c.notifications[sessionID]
	if ok {
		delete(c.notifications, sessionID)
	}
	return text, ok
}

// NotificationCount returns the number of sessions with a pending
// notification.
func (c *Coordinator) NotificationCount() int {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	return len(c.notifications)
}

// TakeAllNotifications drains the notification box, returning
// session→text pairs. Used by the REPL between prompts.
func (c *Coordinator) TakeAllNotifications() map[string]string {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	if len(c.notifications) == 0 {
		return nil
	}
	out := c.notifications
	c.notifications = make(map[string]string)
	return out
}

// HasBackgroundWork reports whether messages are queued or being
// processed.
func (c *Coordinator) HasBackgroundWork() bool {
	if c.worker == nil {
		return false
	}
	return c.queue.Len() > 0 || c.worker.Busy()
}

// QueueDepth returns the number of queued background messages.
func (c *Coordinator) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Len()
}

// InFlight returns the number of streams holding dispatch permits.
func (c *Coordinator) InFlight() int { return c.svc.InFlight() }

// Capacity returns the dispatch admission capacity.
func (c *Coordinator) Capacity() int { return c.svc.Capacity() }

// WorkerErr returns the fatal error that halted the worker, if any.
func (c *Coordinator) WorkerErr() error {
	if c.worker == nil {
		return nil
	}
	return c.worker.FatalErr()
}
