// internal/link/timer.go
package link

import "time"

// TimerPurpose tags the single timer a link loop may have armed
type TimerPurpose int

const (
	TimerNone TimerPurpose = iota
	TimerReconnect
	TimerDeadline
)

func (p TimerPurpose) String() string {
	switch p {
	case TimerReconnect:
		return "reconnect"
	case TimerDeadline:
		return "deadline"
	default:
		return "none"
	}
}

// armedTimer is the one timer slot of a link loop. Arming replaces whatever was armed.
type armedTimer struct {
	purpose  TimerPurpose
	deadline time.Time
	timer    *time.Timer
}

func (a *armedTimer) arm(purpose TimerPurpose, d time.Duration) {
	a.disarm()
	a.purpose = purpose
	a.deadline = time.Now().Add(d)
	a.timer = time.NewTimer(d)
}

func (a *armedTimer) disarm() {
	if a.timer != nil {
		a.timer.Stop()
	}
	*a = armedTimer{}
}

// fired clears the slot after its channel delivered and reports what it was armed for
func (a *armedTimer) fired() TimerPurpose {
	purpose := a.purpose
	*a = armedTimer{}
	return purpose
}

// C returns nil when nothing is armed so the select case never fires
func (a *armedTimer) C() <-chan time.Time {
	if a.timer == nil {
		return nil
	}
	return a.timer.C
}

func (a *armedTimer) is(purpose TimerPurpose) bool {
	return a.timer != nil && a.purpose == purpose
}
