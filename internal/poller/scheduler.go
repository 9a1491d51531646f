package poller

import "time"

// Handle cancels one scheduled task. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Scheduler schedules a function to run once after a delay. The poller keeps
// one handle per tracked job; tests inject a fake to avoid wall-clock waits.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
}

type timerScheduler struct{}

// NewTimerScheduler returns the production scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(delay time.Duration, fn func()) Handle {
	return timerHandle{timer: time.AfterFunc(delay, fn)}
}

type timerHandle struct {
	timer *time.Timer
}

func (h timerHandle) Cancel() {
	h.timer.Stop()
}
