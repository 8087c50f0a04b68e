// Package checkin implements the rendezvous between a session starting up
// and the machine-server child process it just spawned. The child
// advertises its listening address back to the manager via a CheckIn RPC;
// the task that spawned it is waiting on that same session id.
package checkin

import (
	"context"
	"fmt"
	"sync"
)

// Table is a process-wide map from session id to the channel a pending
// checkin delivers its address on. It follows the same sync.Mutex-guarded
// lazy-registration pattern as a connection cache: at most one entry per
// session id exists at any time.
type Table struct {
	mu      sync.Mutex
	waiting map[string]chan string
}

// NewTable returns an empty checkin table.
func NewTable() *Table {
	return &Table{waiting: make(map[string]chan string)}
}

// Register inserts a pending checkin entry for id. It must be called
// before the corresponding child process is spawned, and exactly once per
// session id until the entry is resolved or removed.
func (t *Table) Register(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.waiting[id]; ok {
		return fmt.Errorf("checkin: session %q already has a pending checkin", id)
	}
	t.waiting[id] = make(chan string, 1)
	return nil
}

// Remove deletes id's entry without resolving it, used to unwind a
// StartSession that failed before the child checked in.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiting, id)
}

// Wait blocks until id's entry is resolved by a matching CheckIn call or
// ctx is cancelled, and then removes the entry. A Remove of the entry
// while Wait is blocked does not wake it.
func (t *Table) Wait(ctx context.Context, id string) (string, error) {
	t.mu.Lock()
	ch, ok := t.waiting[id]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("checkin: no pending checkin registered for session %q", id)
	}

	select {
	case addr := <-ch:
		t.mu.Lock()
		delete(t.waiting, id)
		t.mu.Unlock()
		return addr, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiting, id)
		t.mu.Unlock()
		return "", ctx.Err()
	}
}

// CheckIn resolves the pending entry for id with address, unblocking the
// task waiting in Wait. It returns an error if no entry for id exists.
func (t *Table) CheckIn(id, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.waiting[id]
	if !ok {
		return fmt.Errorf("checkin: unknown session %q", id)
	}
	ch <- address
	return nil
}
