// Package calllog persists call history entries off the call path. Appends
// never block the caller; a single worker writes entries in the order they
// were appended.
package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// writeTimeout bounds a single persist including name resolution.
const writeTimeout = 5 * time.Second

// NameResolver looks up the contact matching a number.
type NameResolver interface {
	FindByNumber(ctx context.Context, number string) (*models.Contact, error)
}

// Observer is notified after an entry has been stored.
type Observer interface {
	EntryWritten(ctx context.Context, entry models.CallLogEntry)
}

// Writer is an ordered fire-and-forget queue in front of the call log
// repository.
type Writer struct {
	entries   database.CallLogRepository
	resolver  NameResolver
	observers []Observer
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []models.CallLogEntry
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewWriter creates a Writer and starts its worker.
func NewWriter(entries database.CallLogRepository, resolver NameResolver, logger *slog.Logger, observers ...Observer) *Writer {
	w := &Writer{
		entries:   entries,
		resolver:  resolver,
		observers: observers,
		logger:    logger.With("subsystem", "calllog"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Append queues entry for persistence and returns immediately.
func (w *Writer) Append(entry models.CallLogEntry) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Error("call log entry dropped after close",
			"session_id", entry.SessionID,
			"type", entry.Type,
		)
		return
	}
	w.queue = append(w.queue, entry)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued entries not yet written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Close stops accepting entries and waits until the queue is drained.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for range w.wake {
		for {
			entry, ok := w.next()
			if !ok {
				break
			}
			w.write(entry)
		}

		w.mu.Lock()
		finished := w.closed && len(w.queue) == 0
		w.mu.Unlock()
		if finished {
			return
		}
	}
}

func (w *Writer) next() (models.CallLogEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return models.CallLogEntry{}, false
	}
	entry := w.queue[0]
	w.queue[0] = models.CallLogEntry{}
	w.queue = w.queue[1:]
	return entry, true
}

func (w *Writer) write(entry models.CallLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	// Names are resolved at write time so a renamed contact logs under its
	// current name. Blocked calls are never attributed.
	if entry.Type != models.CallTypeBlocked && entry.Name == nil && w.resolver != nil {
		c, err := w.resolver.FindByNumber(ctx, entry.Number)
		if err != nil {
			w.logger.Warn("resolving contact name", "session_id", entry.SessionID, "error", err)
		} else if c != nil {
			name := c.Name
			entry.Name = &name
		}
	}
	if entry.Type == models.CallTypeBlocked {
		entry.Name = nil
	}

	if err := w.entries.Create(ctx, &entry); err != nil {
		w.logger.Error("writing call log entry",
			"session_id", entry.SessionID,
			"number", entry.Number,
			"type", entry.Type,
			"error", err,
		)
		return
	}

	w.logger.Info("call logged",
		"session_id", entry.SessionID,
		"number", entry.Number,
		"type", entry.Type,
		"duration_s", entry.DurationSeconds,
	)
	for _, o := range w.observers {
		o.EntryWritten(ctx, entry)
	}
}
