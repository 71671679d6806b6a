package loader

import (
	"fmt"

	"github.com/dop251/goja"
)

// RunContext is passed to a unit's run hook.
type RunContext struct {
	IsApplicationStartup bool `json:"isApplicationStartup"`
}

// StopContext is passed to a unit's stop hook.
type StopContext struct {
	IsApplicationClosing bool `json:"isApplicationClosing"`
}

// Runnable is the entry hook every unit must expose.
type Runnable interface {
	Run(ctx RunContext) error
}

// Stoppable is the optional hook called before a unit is replaced or the
// application closes. The loader checks for it with a type assertion.
type Stoppable interface {
	Stop(ctx StopContext) error
}

// jsHooks adapts a script's exported run function.
type jsHooks struct {
	vm      *goja.Runtime
	exports goja.Value
	run     goja.Callable
}

func (h *jsHooks) Run(ctx RunContext) error {
	arg := h.vm.NewObject()
	_ = arg.Set("isApplicationStartup", ctx.IsApplicationStartup)
	_, err := h.run(h.exports, arg)
	return err
}

// jsStoppableHooks adds the optional exported stop function.
type jsStoppableHooks struct {
	jsHooks
	stop goja.Callable
}

func (h *jsStoppableHooks) Stop(ctx StopContext) error {
	arg := h.vm.NewObject()
	_ = arg.Set("isApplicationClosing", ctx.IsApplicationClosing)
	_, err := h.stop(h.exports, arg)
	return err
}

// detectHooks inspects a unit's exports for run and stop functions.
func detectHooks(vm *goja.Runtime, exports goja.Value) (Runnable, error) {
	obj, ok := exports.(*goja.Object)
	if !ok || obj == nil {
		return nil, fmt.Errorf("exports is %s, not an object", exports)
	}
	run, ok := goja.AssertFunction(obj.Get("run"))
	if !ok {
		return nil, fmt.Errorf("script does not export a run function")
	}
	base := jsHooks{vm: vm, exports: exports, run: run}
	if stop, ok := goja.AssertFunction(obj.Get("stop")); ok {
		return &jsStoppableHooks{jsHooks: base, stop: stop}, nil
	}
	return &base, nil
}
