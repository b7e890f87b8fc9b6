package watch

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var errStopped = errors.New("change batcher is stopped")

// batcher coalesces changed paths and flushes them once no new change arrived
// for the debounce window, or straight away once maxPending paths are queued.
type batcher struct {
	mu sync.Mutex

	window     time.Duration
	maxPending int

	pending    map[string]struct{}
	flushTimer *time.Timer
	stopCh     chan struct{}

	// serializes onFlush so rebuilds never overlap
	flushMu sync.Mutex
	onFlush func(paths []string)
}

func newBatcher(window time.Duration, maxPending int, onFlush func(paths []string)) *batcher {
	return &batcher{
		window:     window,
		maxPending: maxPending,
		pending:    map[string]struct{}{},
		stopCh:     make(chan struct{}),
		onFlush:    onFlush,
	}
}

// Add queues a changed path and restarts the debounce timer
func (b *batcher) Add(path string) error {
	b.mu.Lock()

	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return errStopped
	default:
	}

	b.pending[path] = struct{}{}

	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		paths := b.takeLocked()
		b.mu.Unlock()
		b.flush(paths, "max_pending")
		return nil
	}

	b.startFlushTimerLocked()
	b.mu.Unlock()
	return nil
}

// Stop discards pending changes and prevents further flushes
func (b *batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}

	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	clear(b.pending)
}

// takeLocked returns the sorted pending paths and resets the buffer
func (b *batcher) takeLocked() []string {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}

	paths := make([]string, 0, len(b.pending))
	for p := range b.pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	clear(b.pending)
	return paths
}

func (b *batcher) flush(paths []string, reason string) {
	if len(paths) == 0 {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	log.Debug().
		Int("changed", len(paths)).
		Str("reason", reason).
		Msg("Flushing file changes")

	b.onFlush(paths)
}

// startFlushTimerLocked starts or restarts the debounce timer.
// Must be called with lock held
func (b *batcher) startFlushTimerLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}

	b.flushTimer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		select {
		case <-b.stopCh:
			b.mu.Unlock()
			return
		default:
		}
		paths := b.takeLocked()
		b.mu.Unlock()

		b.flush(paths, "timer")
	})
}
