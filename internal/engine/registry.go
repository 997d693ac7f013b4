package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quartermile/ledgerflow/pkg/api"
)

type (
	// Handler is the body of a workflow function. It runs against a step
	// context and may be re-entered many times for the same run; all
	// side effects belong inside steps.
	Handler func(sc *Context) (any, error)

	// CronTrigger schedules a function on a five-field cron expression,
	// optionally in a named timezone
	CronTrigger struct {
		Spec     string
		Timezone string
	}

	// Function is a registered workflow function. Either EventName or
	// Cron must be set; cron functions are triggered through synthetic
	// cron events so dispatch is uniform.
	Function struct {
		ID          api.FunctionID
		Name        string
		EventName   string
		Cron        *CronTrigger
		MaxAttempts int
		Concurrency int
		StepTimeout time.Duration

		// SuppressFailureEvent stops terminal failures from emitting
		// inngest/function.failed, which the dead-letter handler needs
		// to avoid feeding on its own failures
		SuppressFailureEvent bool

		Handler Handler
	}

	// Registry indexes registered functions by identifier and trigger
	Registry struct {
		byID    map[api.FunctionID]*Function
		byEvent map[string][]*Function
	}
)

// DefaultMaxAttempts bounds a run when a function does not set its own
// attempt budget
const DefaultMaxAttempts = 4

var (
	ErrDuplicateFunction = errors.New("function id already registered")
	ErrNoTrigger         = errors.New("function needs an event or cron trigger")
	ErrNoHandler         = errors.New("function needs a handler")
	ErrBadCronSpec       = errors.New("invalid cron expression")
)

func NewRegistry() *Registry {
	return &Registry{
		byID:    map[api.FunctionID]*Function{},
		byEvent: map[string][]*Function{},
	}
}

// CronEventName is the synthetic event a cron trigger publishes
func CronEventName(fn api.FunctionID) string {
	return "cron/" + string(fn)
}

// Register validates and indexes a function definition
func (r *Registry) Register(fn *Function) error {
	if _, exists := r.byID[fn.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.ID)
	}
	if fn.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, fn.ID)
	}
	if fn.EventName == "" && fn.Cron == nil {
		return fmt.Errorf("%w: %s", ErrNoTrigger, fn.ID)
	}
	if fn.Cron != nil {
		if _, err := cron.ParseStandard(fn.Cron.Spec); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadCronSpec, fn.ID, err)
		}
		if fn.EventName == "" {
			fn.EventName = CronEventName(fn.ID)
		}
	}
	if fn.MaxAttempts <= 0 {
		fn.MaxAttempts = DefaultMaxAttempts
	}

	r.byID[fn.ID] = fn
	r.byEvent[fn.EventName] = append(r.byEvent[fn.EventName], fn)
	return nil
}

// MustRegister panics on registration errors, used for the static
// function set wired at startup
func (r *Registry) MustRegister(fns ...*Function) {
	for _, fn := range fns {
		if err := r.Register(fn); err != nil {
			panic(err)
		}
	}
}

// Get returns a function by identifier
func (r *Registry) Get(id api.FunctionID) (*Function, bool) {
	fn, ok := r.byID[id]
	return fn, ok
}

// ByEvent returns the functions subscribed to an event name, in a
// deterministic order
func (r *Registry) ByEvent(name string) []*Function {
	fns := append([]*Function(nil), r.byEvent[name]...)
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })
	return fns
}

// CronFunctions returns every function with a cron trigger
func (r *Registry) CronFunctions() []*Function {
	var res []*Function
	for _, fn := range r.byID {
		if fn.Cron != nil {
			res = append(res, fn)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Functions returns every registered function sorted by identifier
func (r *Registry) Functions() []*Function {
	res := make([]*Function, 0, len(r.byID))
	for _, fn := range r.byID {
		res = append(res, fn)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
