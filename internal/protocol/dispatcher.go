package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sitemon/internal/sitemon"
	logx "sitemon/pkg/logx"
)

// Registrar receives inbound registration traffic.
type Registrar interface {
	Register(def sitemon.MonitorDefinition) error
	Unregister(ctx context.Context, id string)
}

// Dispatcher routes inbound envelopes to the registry and to live executions.
type Dispatcher struct {
	reg Registrar
	log logx.Logger

	mu    sync.Mutex
	seq   uint64
	execs map[string]map[uint64]func(reason string)
}

func NewDispatcher(reg Registrar, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{reg: reg, log: log, execs: map[string]map[uint64]func(string){}}
}

// Attach registers a shutdown handler for an execution. The returned function detaches it.
func (d *Dispatcher) Attach(executionID string, onShutdown func(reason string)) (detach func()) {
	d.mu.Lock()
	d.seq++
	id := d.seq
	if d.execs[executionID] == nil {
		d.execs[executionID] = map[uint64]func(string){}
	}
	d.execs[executionID][id] = onShutdown
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.execs[executionID], id)
			if len(d.execs[executionID]) == 0 {
				delete(d.execs, executionID)
			}
			d.mu.Unlock()
		})
	}
}

// Live returns the number of attached executions.
func (d *Dispatcher) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.execs)
}

// ShutdownAll delivers a shutdown to every attached execution.
func (d *Dispatcher) ShutdownAll(reason string) int {
	return d.shutdown("", reason)
}

func (d *Dispatcher) shutdown(executionID, reason string) int {
	d.mu.Lock()
	var fns []func(string)
	for id, hs := range d.execs {
		if executionID != "" && id != executionID {
			continue
		}
		for _, fn := range hs {
			fns = append(fns, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
	return len(fns)
}

// Dispatch handles one inbound envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	msg, err := env.Decode()
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case Shutdown:
		n := d.shutdown(env.ExecutionID, m.Reason)
		d.log.Info("shutdown received", logx.String("execution", env.ExecutionID), logx.Int("executions", n))
		return nil
	case Register:
		if d.reg == nil {
			return errors.New("protocol: no registrar attached")
		}
		return d.reg.Register(m.Definition)
	case Unregister:
		if d.reg == nil {
			return errors.New("protocol: no registrar attached")
		}
		d.reg.Unregister(ctx, m.ID)
		return nil
	default:
		return fmt.Errorf("%w: %s is outbound only", ErrUnknownType, env.Type)
	}
}

// Pump reads envelopes from r and dispatches them until ctx ends or r is closed.
// Dispatch errors are logged and do not stop the pump.
func Pump(ctx context.Context, r Receiver, d *Dispatcher, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	for {
		env, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.Dispatch(ctx, env); err != nil {
			log.Warn("inbound message rejected", logx.String("type", string(env.Type)), logx.Err(err))
		}
	}
}
