package bridge

import (
	"sync"
	"time"

	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/pkg/metrics"
)

// idleWatchdog calls onIdle once when no traffic has been seen in either
// direction for timeout.
type idleWatchdog struct {
	timeout      time.Duration
	onIdle       func()
	mu           sync.Mutex
	lastActivity time.Time
	fired        bool
	stop         chan struct{}
	stopOnce     sync.Once
}

func newIdleWatchdog(timeout time.Duration, onIdle func()) *idleWatchdog {
	w := &idleWatchdog{
		timeout:      timeout,
		onIdle:       onIdle,
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
	if timeout > 0 {
		go w.run()
	}
	return w
}

func (w *idleWatchdog) run() {
	checkInterval := w.timeout / 4
	if checkInterval > time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval < 10*time.Millisecond {
		checkInterval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			idleTime := time.Since(w.lastActivity)
			if idleTime < w.timeout {
				w.mu.Unlock()
				continue
			}
			w.fired = true
			w.mu.Unlock()

			logger.Info("Bridge idle timeout", "idle_time", idleTime.Round(time.Second), "max_idle", w.timeout)
			metrics.TimeoutsTotal.WithLabelValues("idle").Inc()
			w.onIdle()
			return
		case <-w.stop:
			return
		}
	}
}

// touch records activity.
func (w *idleWatchdog) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// Fired reports whether the timeout was hit.
func (w *idleWatchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Stop ends the watchdog without calling onIdle.
func (w *idleWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
