package supervisor

import (
	"context"
	"sync"
)

// tracker counts running streams so shutdown can cancel them all and wait
// for their teardown.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedStream
	wg      sync.WaitGroup
}

type trackedStream struct {
	cancel func()
	once   sync.Once
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*trackedStream)}
}

// register adds a stream. The returned func must be called exactly when the
// stream's teardown has finished; extra calls are ignored.
func (t *tracker) register(sessionID string, cancel func()) (unregister func()) {
	entry := &trackedStream{cancel: cancel}

	t.mu.Lock()
	old := t.entries[sessionID]
	t.entries[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, entry) }
}

func (t *tracker) unregister(sessionID string, entry *trackedStream) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries[sessionID] == entry {
			delete(t.entries, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *tracker) cancelAll() int {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.entries))
	for _, e := range t.entries {
		cancels = append(cancels, e.cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// wait blocks until every registered stream has unregistered or ctx ends.
func (t *tracker) wait(ctx context.Context) bool {
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
