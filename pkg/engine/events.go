package engine

import (
	"sync"

	"github.com/docker/folderindex/pkg/ledger"
)

// FolderEventType enumerates folder-change notifications.
type FolderEventType string

const (
	FolderAdded          FolderEventType = "added"
	FolderRemoved        FolderEventType = "removed"
	FolderUpdated        FolderEventType = "updated"
	FolderPrimaryChanged FolderEventType = "primary_changed"
)

// FolderEvent is emitted after folder mutations. The flow is one-way:
// engine to observers. Observers call back through the public API only.
type FolderEvent struct {
	Type     FolderEventType
	AgentID  string
	FolderID string
	Folder   *ledger.Folder
}

type eventBus struct {
	mu        sync.Mutex
	listeners map[int]func(FolderEvent)
	nextID    int
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[int]func(FolderEvent))}
}

func (b *eventBus) subscribe(fn func(FolderEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(ev FolderEvent) {
	b.mu.Lock()
	fns := make([]func(FolderEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
