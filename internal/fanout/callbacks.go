package fanout

import (
	"fmt"
	"sync"

	"github.com/relaypoint/relaypoint/internal/logging"
)

// Callback is a user-supplied hook invoked with the orchestrator instance
// and the relevant result subset. Callbacks are best-effort: a panic inside
// one is recovered and logged, and never disturbs the delivery pipeline or
// the batch handed to other callbacks.
type Callback interface {
	Invoke(o *Orchestrator, results Batch)
}

// CallbackFunc adapts a closure to the Callback interface
type CallbackFunc func(o *Orchestrator, results Batch)

func (f CallbackFunc) Invoke(o *Orchestrator, results Batch) {
	f(o, results)
}

// Hooks bundles the two dispatch points of a delivery
type Hooks struct {
	// OnDelivered fires once per attempt with the succeeded subset,
	// whenever that subset is non-empty.
	OnDelivered Callback
	// OnExhausted fires once per delivery with the residual failures, only
	// when the attempt budget has run out.
	OnExhausted Callback
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]CallbackFunc)
)

// RegisterCallback publishes a callback under a name so configurations can
// reference hooks symbolically instead of holding closures.
func RegisterCallback(name string, fn CallbackFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

type namedCallback struct {
	name string
}

// Named returns a Callback that resolves the registered callback at call
// time. An unregistered name logs a warning and does nothing.
func Named(name string) Callback {
	return namedCallback{name: name}
}

func (n namedCallback) Invoke(o *Orchestrator, results Batch) {
	registryMu.RLock()
	fn, ok := registry[n.name]
	registryMu.RUnlock()
	if !ok {
		logging.Plain().WithField("callback", n.name).Warn("callback name not registered")
		return
	}
	fn(o, results)
}

// dispatch invokes a callback with a copy of the subset, isolating panics
// so one dispatch point cannot prevent the other from firing.
func (o *Orchestrator) dispatch(cb Callback, stage string, results Batch) {
	if cb == nil || len(results) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Plain().WithField("stage", stage).WithError(fmt.Errorf("%v", r)).Error("callback panicked")
		}
	}()
	cb.Invoke(o, append(Batch(nil), results...))
}
