package econn

import (
	"sync"
	"time"
)

// Token identifies one armed timer. The zero Token is never valid and is
// returned by Scheduler.Start only on failure paths that don't apply here.
type Token uint64

// Scheduler is the external monotonic timer source a Connection is bound
// to. Starting a new timer does not implicitly cancel a previous one —
// the Connection itself keeps exactly one outstanding Token and cancels
// the old one before starting a new one (see spec §4.3, §9 "Timer as a
// token").
//
// fn is invoked on a goroutine owned by the Scheduler implementation, not
// necessarily the goroutine that called Start. Per the single-threaded
// cooperative model (spec §5), callers that embed a Connection in an
// event loop must redeliver the fire event onto that loop (e.g. via a
// channel) before making further calls into the Connection.
type Scheduler interface {
	Start(d time.Duration, fn func()) Token
	Cancel(tok Token)
}

// realScheduler is the production Scheduler, backed by time.AfterFunc.
type realScheduler struct {
	mu     sync.Mutex
	timers map[Token]*time.Timer
	next   Token
}

// NewScheduler returns a Scheduler backed by the Go runtime's monotonic
// timer wheel.
func NewScheduler() Scheduler {
	return &realScheduler{timers: make(map[Token]*time.Timer)}
}

func (s *realScheduler) Start(d time.Duration, fn func()) Token {
	s.mu.Lock()
	s.next++
	tok := s.next
	s.mu.Unlock()

	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, tok)
		s.mu.Unlock()
		fn()
	})

	s.mu.Lock()
	s.timers[tok] = t
	s.mu.Unlock()

	return tok
}

func (s *realScheduler) Cancel(tok Token) {
	s.mu.Lock()
	t, ok := s.timers[tok]
	if ok {
		delete(s.timers, tok)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}
