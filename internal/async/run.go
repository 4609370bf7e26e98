package async

import (
	"context"
	"encoding/json"
)

// Run submits criteria, forwards every event to onEvent and returns the
// terminal outcome. Cancelling ctx cancels the task.
func Run(ctx context.Context, e *Engine, criteria json.RawMessage, onEvent func(Event)) (*Outcome, error) {
	if _, err := e.Start(ctx, criteria); err != nil {
		return nil, err
	}
	return Follow(ctx, e, onEvent)
}

// Follow drains the event stream of a started or attached engine
func Follow(ctx context.Context, e *Engine, onEvent func(Event)) (*Outcome, error) {
	stop := context.AfterFunc(ctx, func() {
		e.Cancel(context.WithoutCancel(ctx))
	})
	defer stop()

	for ev := range e.Events() {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	return e.Wait(context.Background())
}
