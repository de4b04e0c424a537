// Package script holds the engines that turn a monitor job into worker threads.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

var ErrUnknownEngine = errors.New("script: unknown engine")

// ThreadContext is handed to every running thread.
type ThreadContext interface {
	ThreadNumber() int
	Job() sitemon.Job
	// Record adds one sample for testID. A non-nil err counts as an error.
	Record(testID int, took time.Duration, err error)
	// StartThread starts another thread of the same script.
	StartThread() (int, error)
	Logger() logx.Logger
}

// Runnable is the body of one thread.
type Runnable func(ctx context.Context, tc ThreadContext) error

// Script is a loaded monitor script bound to one execution.
type Script interface {
	NewRunnable(threadNumber int) (Runnable, error)
	Shutdown() error
}

// Engine loads scripts by name.
type Engine interface {
	Name() string
	Load(job sitemon.Job) (Script, error)
}

type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: map[string]Engine{}}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	r.engines[strings.ToLower(e.Name())] = e
	r.mu.Unlock()
}

// Load resolves job.ScriptName and loads it.
func (r *Registry) Load(job sitemon.Job) (Script, error) {
	r.mu.RLock()
	e, ok := r.engines[strings.ToLower(strings.TrimSpace(job.ScriptName))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, job.ScriptName)
	}
	s, err := e.Load(job)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", e.Name(), err)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.engines))
	for name := range r.engines {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Builtins returns a registry with the http and noop engines.
func Builtins(client HTTPDoer) *Registry {
	return NewRegistry(NewHTTPEngine(client), NoopEngine{})
}
