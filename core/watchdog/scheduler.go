// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package watchdog

import (
	"sync"
	"time"

	"github.com/relabs-tech/tbdevice/core/container"
)

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock is a clock that only moves when told to. It is meant for polled
// schedulers in tests and simulations.
type ManualClock struct {
	now time.Time
}

// NewManualClock returns a manual clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time
func (c *ManualClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type expiry struct {
	watchdog   *Watchdog
	generation uint64
}

// Scheduler owns a set of watchdogs and fires them from Update.
type Scheduler struct {
	clock     Clock
	watchdogs container.Container[*Watchdog]

	// expired is nil for polled schedulers
	expired   chan expiry
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithStorage selects the container backend for the watchdog registry
func WithStorage(policy container.Policy, capacity int) Option {
	return func(s *Scheduler) {
		s.watchdogs = container.New[*Watchdog](policy, capacity)
	}
}

// NewPolled returns a scheduler that checks deadlines against clock on every Update.
func NewPolled(clock Clock, options ...Option) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Scheduler{
		clock:     clock,
		watchdogs: container.New[*Watchdog](container.PolicyGrowable, 4),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// NewTimerBacked returns a scheduler whose watchdogs are backed by runtime timers.
// Expired watchdogs are queued and fired by the next Update.
func NewTimerBacked(options ...Option) *Scheduler {
	s := NewPolled(SystemClock{}, options...)
	s.expired = make(chan expiry, 16)
	return s
}

// New creates an idle watchdog that calls callback when it fires.
// It panics if the scheduler has fixed storage that is full, see Full.
func (s *Scheduler) New(callback func()) *Watchdog {
	w := &Watchdog{scheduler: s, callback: callback}
	s.watchdogs.PushBack(w)
	return w
}

// Full returns true if New would exceed a fixed registry
func (s *Scheduler) Full() bool {
	return s.watchdogs.Full()
}

// Len returns the number of registered watchdogs
func (s *Scheduler) Len() int {
	return s.watchdogs.Size()
}

// Now returns the scheduler's current time
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Update fires all expired watchdogs and returns how many fired. It must be
// called from the event loop, callbacks run on the calling goroutine.
func (s *Scheduler) Update() int {
	if s.expired != nil {
		return s.drain()
	}

	now := s.clock.Now()
	var due []expiry
	s.watchdogs.Range(func(_ int, w *Watchdog) bool {
		if w.state == Armed && !now.Before(w.deadline) {
			due = append(due, expiry{watchdog: w, generation: w.generation})
		}
		return true
	})
	fired := 0
	for _, e := range due {
		// an earlier callback may have re-armed or cancelled e.watchdog
		if e.watchdog.fire(e.generation) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) drain() int {
	fired := 0
	for {
		select {
		case e := <-s.expired:
			if e.watchdog.fire(e.generation) {
				fired++
			}
		default:
			return fired
		}
	}
}

// post is called from timer goroutines
func (s *Scheduler) post(e expiry) {
	select {
	case s.expired <- e:
	case <-s.done:
	}
}

// Close stops all runtime timers. Pending timer expiries are dropped.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.watchdogs.Range(func(_ int, w *Watchdog) bool {
			w.stopTimer()
			return true
		})
	})
}

func (s *Scheduler) remove(w *Watchdog) {
	i := container.IndexOf(s.watchdogs, func(v *Watchdog) bool { return v == w })
	if i >= 0 {
		s.watchdogs.Erase(i)
	}
}
