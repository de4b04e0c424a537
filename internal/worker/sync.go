package worker

import (
	"context"
	"sync"
)

// ThreadSynchronization tracks worker threads whose number is only known at
// runtime. Threads call ThreadCreated before they start, AwaitStart when they
// are ready and ThreadFinished when done. StartThreads releases every waiting
// thread once all live threads are waiting; threads created later pass
// AwaitStart without blocking.
type ThreadSynchronization struct {
	mu   sync.Mutex
	cond *sync.Cond

	created       int
	awaitingStart int
	finished      int

	started   chan struct{}
	startOnce sync.Once
}

func NewThreadSynchronization() *ThreadSynchronization {
	s := &ThreadSynchronization{started: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *ThreadSynchronization) ThreadCreated() {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
}

func (s *ThreadSynchronization) AwaitStart() {
	s.mu.Lock()
	s.awaitingStart++
	if s.readyLocked() {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	<-s.started
}

// StartThreads blocks until every live thread waits in AwaitStart, then releases them.
func (s *ThreadSynchronization) StartThreads() {
	s.mu.Lock()
	for !s.readyLocked() {
		s.cond.Wait()
	}
	s.awaitingStart = 0
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })
}

func (s *ThreadSynchronization) ThreadFinished() {
	s.mu.Lock()
	s.finished++
	if s.readyLocked() || s.runningLocked() <= 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// WaitFinished blocks until every created thread has finished or ctx is done.
// It reports whether the threads finished.
func (s *ThreadSynchronization) WaitFinished(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.runningLocked() > 0 {
		if ctx.Err() != nil {
			return false
		}
		s.cond.Wait()
	}
	return true
}

func (s *ThreadSynchronization) Started() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

func (s *ThreadSynchronization) IsReadyToStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *ThreadSynchronization) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked() <= 0
}

// RunningThreads is the number of created threads that have not finished.
func (s *ThreadSynchronization) RunningThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *ThreadSynchronization) TotalThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

func (s *ThreadSynchronization) runningLocked() int { return s.created - s.finished }

func (s *ThreadSynchronization) readyLocked() bool {
	return s.awaitingStart >= s.runningLocked()
}
