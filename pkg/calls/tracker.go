// Package calls tracks in-flight relay calls so the server can report
// status and drain them on shutdown.
package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info is the status snapshot of one active call.
type Info struct {
	CallID      string    `json:"callId"`
	RoutineID   string    `json:"routineId"`
	PhoneNumber string    `json:"phoneNumber"`
	StartedAt   time.Time `json:"startedAt"`
}

// Handle is what a call registers with the tracker: its status snapshot and
// a cancel hook that tears the call down.
type Handle struct {
	Info   Info
	Cancel func()
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

// Tracker keeps the set of active calls. The zero of *Tracker (nil) is a
// no-op tracker.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call and returns its unregister func. Registering an id
// that is already present replaces and unregisters the old entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Active returns status snapshots of all active calls, oldest first.
func (t *Tracker) Active() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	infos := make([]Info, 0, len(t.calls))
	for _, entry := range t.calls {
		if entry == nil {
			continue
		}
		infos = append(infos, entry.handle.Info)
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CancelAll asks every active call to tear down. It does not wait.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered, or the context
// ends. It reports whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
