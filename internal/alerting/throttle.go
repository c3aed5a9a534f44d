package alerting

import (
	"context"
	"sync"
	"time"
)

// Throttle 在冷却期内丢弃重复告警。
type Throttle struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewThrottle wraps next so at most one notification is sent per cooldown.
func NewThrottle(next Notifier, cooldown time.Duration) *Throttle {
	return &Throttle{next: next, cooldown: cooldown, now: time.Now}
}

// Notify forwards the notification unless one was sent within the cooldown. It reports
// whether the notification was forwarded; a failed send does not start the cooldown.
func (t *Throttle) Notify(ctx context.Context, note Notification) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.cooldown {
		return false, nil
	}
	if err := t.next.Notify(ctx, note); err != nil {
		return false, err
	}
	t.last = now
	return true, nil
}
