package sel

import "time"

// TimerCallback fires when a registered Timer expires.
type TimerCallback func(source *Timer, handle any)

// Timer is a periodic or one-shot alarm registered via (*Loop).Every.
type Timer struct {
	name     string
	period   time.Duration // zero means one-shot
	dueTime  time.Time
	cb       TimerCallback
	handle   any
	isActive bool
}

// Name returns the timer's registration label.
func (t *Timer) Name() string { return t.name }

// IsActive reports whether the timer will still fire.
func (t *Timer) IsActive() bool { return t.isActive }
