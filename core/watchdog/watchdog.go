// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package watchdog provides single-shot deadline timers for a cooperative event loop

A Watchdog is armed with a timeout and fires its callback at most once, unless it is
cancelled first. Watchdogs are created by a Scheduler, which is the explicit handle the
event loop holds on to. Callbacks always run inside Scheduler.Update, which the loop calls
once per iteration:

	Polled       Update compares the scheduler clock against every armed deadline.
	             The timeout granularity equals the polling interval of the loop.
	TimerBacked  time.AfterFunc posts expired watchdogs into a channel. Update drains
	             the channel. The timer goroutine never runs user code.

A timeout of zero disables a watchdog, Arm then leaves it idle.
*/
package watchdog

import (
	"fmt"
	"time"
)

// State is the state of a Watchdog
type State int

const (
	// Idle is the state of a watchdog that was never armed
	Idle State = iota
	// Armed is the state of a watchdog that waits for its deadline
	Armed
	// Fired is the state of a watchdog whose callback was invoked
	Fired
	// Cancelled is the state of a watchdog that was cancelled while armed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Watchdog is a single-shot deadline timer. Create it with Scheduler.New.
type Watchdog struct {
	scheduler  *Scheduler
	callback   func()
	state      State
	deadline   time.Time
	generation uint64
	timer      *time.Timer
}

// Arm schedules the callback to fire once timeout has elapsed. Arming an armed
// watchdog restarts it. A zero timeout leaves the watchdog idle.
func (w *Watchdog) Arm(timeout time.Duration) {
	w.stopTimer()
	w.generation++
	if timeout <= 0 {
		w.state = Idle
		return
	}
	w.state = Armed
	w.deadline = w.scheduler.clock.Now().Add(timeout)
	if w.scheduler.expired != nil {
		gen := w.generation
		w.timer = time.AfterFunc(timeout, func() {
			w.scheduler.post(expiry{watchdog: w, generation: gen})
		})
	}
}

// Cancel stops an armed watchdog. The callback will not fire afterwards. Cancel
// is a no-op if the watchdog already fired, was cancelled or was never armed.
func (w *Watchdog) Cancel() {
	if w.state != Armed {
		return
	}
	w.stopTimer()
	w.generation++
	w.state = Cancelled
}

// State returns the current state
func (w *Watchdog) State() State {
	return w.state
}

// Release cancels the watchdog and removes it from its scheduler
func (w *Watchdog) Release() {
	w.Cancel()
	w.scheduler.remove(w)
}

func (w *Watchdog) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// fire invokes the callback if the watchdog is still armed with generation gen
func (w *Watchdog) fire(gen uint64) bool {
	if w.state != Armed || w.generation != gen {
		return false
	}
	w.state = Fired
	w.timer = nil
	if w.callback != nil {
		w.callback()
	}
	return true
}
