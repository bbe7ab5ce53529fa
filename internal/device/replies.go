package device

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// ReplyTable correlates inbound frames with callers awaiting them.
//
// Waiters are keyed by the 32-bit identifier of the expected reply and a
// random token. A matching frame is handed to every waiter registered
// under its identifier and removes them all.
type ReplyTable struct {
	mu      sync.RWMutex
	waiting map[uint32]map[uuid.UUID]chan frame.Tagged
}

// NewReplyTable returns an empty table.
func NewReplyTable() *ReplyTable {
	return &ReplyTable{waiting: make(map[uint32]map[uuid.UUID]chan frame.Tagged)}
}

// Register adds a waiter for id. The channel receives at most one frame.
func (t *ReplyTable) Register(id uint32) (uuid.UUID, <-chan frame.Tagged) {
	token := uuid.New()
	ch := make(chan frame.Tagged, 1)

	t.mu.Lock()
	waiters, ok := t.waiting[id]
	if !ok {
		waiters = make(map[uuid.UUID]chan frame.Tagged)
		t.waiting[id] = waiters
	}
	waiters[token] = ch
	t.mu.Unlock()

	return token, ch
}

// Cancel removes a waiter that is no longer interested. Cancelling a
// waiter that was already satisfied is a no-op.
func (t *ReplyTable) Cancel(id uint32, token uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters, ok := t.waiting[id]
	if !ok {
		return
	}
	delete(waiters, token)
	if len(waiters) == 0 {
		delete(t.waiting, id)
	}
}

// Deliver hands a copy of msg to every waiter registered under id and
// returns how many there were.
func (t *ReplyTable) Deliver(id uint32, msg frame.Tagged) int {
	t.mu.RLock()
	_, ok := t.waiting[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	waiters := t.waiting[id]
	delete(t.waiting, id)
	t.mu.Unlock()

	for _, ch := range waiters {
		// Buffered and single-use, so this only fails if the waiter is gone.
		select {
		case ch <- msg.Clone():
		default:
		}
	}
	return len(waiters)
}

// Pending returns the number of waiters registered under id.
func (t *ReplyTable) Pending(id uint32) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.waiting[id])
}

// Len returns the total number of registered waiters.
func (t *ReplyTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, waiters := range t.waiting {
		n += len(waiters)
	}
	return n
}
