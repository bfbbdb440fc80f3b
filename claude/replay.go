package claude

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultReplayTimeout bounds how long replay may last after a result record
// when no live streaming event arrives.
const DefaultReplayTimeout = 5 * time.Second

// ReplayCoordinator buffers the history the CLI re-emits when a session is
// resumed and hands it over in one batch when live output begins.
//
// End holds the lock while flushing, so a Capture racing with the safety
// timer either lands in the batch or observes replay as over and is
// delivered live after the batch.
type ReplayCoordinator struct {
	mu      sync.Mutex
	active  bool
	history []HistoryMessage
	timer   *time.Timer
	timeout time.Duration
	flush   func([]HistoryMessage)
	log     *slog.Logger
}

// NewReplayCoordinator returns a coordinator already in replay mode.
// flush receives the buffered history exactly once, and only if non-empty.
func NewReplayCoordinator(timeout time.Duration, flush func([]HistoryMessage), log *slog.Logger) *ReplayCoordinator {
	if timeout <= 0 {
		timeout = DefaultReplayTimeout
	}
	return &ReplayCoordinator{
		active:  true,
		timeout: timeout,
		flush:   flush,
		log:     log,
	}
}

// Active reports whether replay is still in progress.
func (r *ReplayCoordinator) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Capture appends msg to the history buffer. It returns false once replay
// has ended, in which case the caller must deliver msg live.
func (r *ReplayCoordinator) Capture(msg HistoryMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return false
	}
	r.history = append(r.history, msg)
	return true
}

// Buffered returns the number of captured messages not yet flushed.
func (r *ReplayCoordinator) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// ArmTimeout (re)starts the safety timer. Any previous timer is cancelled
// first so only one can end replay.
func (r *ReplayCoordinator) ArmTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.timeout, func() {
		if r.End() && r.log != nil {
			r.log.Debug("replay ended by safety timeout", "timeout", r.timeout)
		}
	})
}

// End leaves replay mode and flushes the buffered history. It returns true
// only for the call that actually ended replay; later calls are no-ops.
func (r *ReplayCoordinator) End() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return false
	}
	r.active = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	msgs := r.history
	r.history = nil
	if len(msgs) > 0 && r.flush != nil {
		r.flush(msgs)
	}
	return true
}

// Close cancels the safety timer and drops buffered history without
// flushing. Used when the session goes away mid-replay.
func (r *ReplayCoordinator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.history = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
