package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Executor runs one step's business logic under its timeout
type Executor struct {
	handlers map[int]StepFunc
	fallback StepFunc
}

// NewExecutor creates an executor. fallback serves steps without a handler that define a command.
func NewExecutor(handlers map[int]StepFunc, fallback StepFunc) *Executor {
	h := make(map[int]StepFunc, len(handlers))
	for id, fn := range handlers {
		h[id] = fn
	}
	return &Executor{handlers: h, fallback: fallback}
}

// Handle registers or replaces the handler for a step id
func (e *Executor) Handle(stepID int, fn StepFunc) {
	e.handlers[stepID] = fn
}

func (e *Executor) resolve(inv *Invocation) (StepFunc, error) {
	if fn, ok := e.handlers[inv.Step.ID]; ok {
		return fn, nil
	}
	if inv.Step.Run != "" && e.fallback != nil {
		return e.fallback, nil
	}
	return nil, &ConfigurationError{Message: fmt.Sprintf("no implementation for step %s", inv.Step.Label())}
}

type executeResult struct {
	data []byte
	err  error
}

// Execute races the step against its timeout. On timeout it returns a TimeoutError at once;
// the handler gets a cancelled context but may keep running, and whatever it returns later is dropped.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) ([]byte, error) {
	fn, err := e.resolve(inv)
	if err != nil {
		return nil, err
	}

	stepCtx := ctx
	cancel := func() {}
	if inv.Step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, inv.Step.Timeout)
	}
	defer cancel()

	done := make(chan executeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- executeResult{err: fmt.Errorf("panic: %v\n%s", rec, debug.Stack())}
			}
		}()
		data, err := fn(stepCtx, inv)
		done <- executeResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.data, nil
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{StepID: inv.Step.ID, Timeout: inv.Step.Timeout}
		}
		var cfgErr *ConfigurationError
		if errors.As(res.err, &cfgErr) {
			return nil, res.err
		}
		return nil, &ExecutionError{StepID: inv.Step.ID, Err: res.err}
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{StepID: inv.Step.ID, Timeout: inv.Step.Timeout}
	}
}
