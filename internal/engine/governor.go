package engine

import (
	"sync"

	"github.com/quartermile/ledgerflow/pkg/api"
)

// Governor enforces the global and per-function concurrency ceilings.
// Acquisition never blocks: when a slot is unavailable the dispatcher
// leaves the event queued for a later poll.
type Governor struct {
	global chan struct{}

	mu           sync.Mutex
	perFn        map[api.FunctionID]chan struct{}
	defaultLimit int
}

func NewGovernor(globalLimit, defaultLimit int) *Governor {
	return &Governor{
		global:       make(chan struct{}, globalLimit),
		perFn:        map[api.FunctionID]chan struct{}{},
		defaultLimit: defaultLimit,
	}
}

// TryAcquire claims a slot for the function. It returns a release func
// and true on success, or false when either ceiling is saturated.
func (g *Governor) TryAcquire(fn *Function) (func(), bool) {
	select {
	case g.global <- struct{}{}:
	default:
		return nil, false
	}

	slots := g.functionSlots(fn)
	select {
	case slots <- struct{}{}:
	default:
		<-g.global
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slots
			<-g.global
		})
	}, true
}

// InFlight reports the number of held global slots
func (g *Governor) InFlight() int {
	return len(g.global)
}

func (g *Governor) functionSlots(fn *Function) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	slots, ok := g.perFn[fn.ID]
	if !ok {
		limit := fn.Concurrency
		if limit <= 0 {
			limit = g.defaultLimit
		}
		slots = make(chan struct{}, limit)
		g.perFn[fn.ID] = slots
	}
	return slots
}
