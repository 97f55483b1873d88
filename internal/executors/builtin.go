package executors

import (
	"context"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// RegisterBuiltins registers every built-in executor in reg.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Executor{
		NoopExecutor{},
		DelayExecutor{},
		NewHTTPExecutor(httpCfg),
		HashExecutor{},
	}
	for _, ex := range all {
		if err := reg.Register(ex); err != nil {
			return err
		}
	}
	return nil
}

// NoopExecutor succeeds immediately and echoes its parameters as output.
type NoopExecutor struct{}

func (NoopExecutor) Type() string        { return "noop" }
func (NoopExecutor) Description() string { return "Succeed immediately, returning the parameters as output." }

func (NoopExecutor) Execute(_ context.Context, req Request) (*Result, error) {
	out := make(map[string]any, len(req.Parameters))
	for k, v := range req.Parameters {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// DelayExecutor waits for the "duration" parameter (duration string or
// milliseconds), then echoes "output" when given.
type DelayExecutor struct{}

func (DelayExecutor) Type() string        { return "delay" }
func (DelayExecutor) Description() string { return "Wait for a duration; stops early on cancellation." }

func (DelayExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	d := durationParam(req.Parameters, "duration", 0)
	if d < 0 {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "delay: duration must not be negative")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Signal.Done():
		return nil, req.Signal.Err()
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeTimeout, "delay interrupted").WithCause(ctx.Err())
	}

	out := map[string]any{"waited_ms": d.Milliseconds()}
	if v, ok := req.Parameters["output"]; ok {
		out["output"] = v
	}
	return &Result{Output: out}, nil
}
