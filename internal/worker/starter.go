package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"sitemon/internal/script"
	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

// ErrInvalidContext is returned when a thread is started outside the live
// window of its execution.
var ErrInvalidContext = errors.New("worker: thread start outside a running execution")

type ThreadStarter interface {
	StartThread() (int, error)
}

type invalidStarter struct{}

func (invalidStarter) StartThread() (int, error) { return -1, ErrInvalidContext }

// threadStarter numbers threads from 0 and runs each one behind the start barrier.
type threadStarter struct {
	p      *Process
	ctx    context.Context
	script script.Script
	next   int
}

func (s *threadStarter) StartThread() (int, error) {
	s.p.mu.Lock()
	n := s.next
	s.next++
	s.p.mu.Unlock()

	run, err := s.script.NewRunnable(n)
	if err != nil {
		return -1, fmt.Errorf("thread %d: %w", n, err)
	}

	s.p.sync.ThreadCreated()
	tc := &threadContext{p: s.p, number: n}
	go func() {
		defer s.p.sync.ThreadFinished()
		s.p.sync.AwaitStart()
		if err := runThread(s.ctx, run, tc); err != nil {
			s.p.threadFailed(n, err)
		}
	}()
	return n, nil
}

func runThread(ctx context.Context, run script.Runnable, tc *threadContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			tc.Logger().Error("thread panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return run(ctx, tc)
}

type threadContext struct {
	p      *Process
	number int
}

func (t *threadContext) ThreadNumber() int         { return t.number }
func (t *threadContext) Job() sitemon.Job          { return t.p.job }
func (t *threadContext) StartThread() (int, error) { return t.p.startThread() }
func (t *threadContext) Record(testID int, took time.Duration, err error) {
	t.p.stats.Add(testID, took, err)
}
func (t *threadContext) Logger() logx.Logger {
	return t.p.log.With(logx.Int("thread", t.number))
}
